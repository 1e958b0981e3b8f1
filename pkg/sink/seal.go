package sink

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// A sealed dump is an 8-byte header followed by the transformed minidump
// and, when integrity protection is on, an HMAC-SHA256 over everything
// before it. A dump without any transform is written unwrapped.
var sealMagic = []byte("CDSK")

const (
	sealVersion    = 1
	sealHeaderSize = 8
)

// Envelope flags
const (
	flagZstd = 1 << iota
	flagEncrypted
	flagHMAC
)

// ErrNotSealed is returned by Unseal for data without a sealed header when
// the options require one
var ErrNotSealed = errors.New("dump is not sealed")

func (o Options) flags() byte {
	var f byte
	if o.Compression == ZstdCompression {
		f |= flagZstd
	}
	if o.Security.EnableEncryption {
		f |= flagEncrypted
	}
	if o.Security.EnableIntegrityCheck {
		f |= flagHMAC
	}
	return f
}

// Seal applies compression, encryption and integrity protection to data
func Seal(data []byte, opts Options) ([]byte, error) {
	flags := opts.flags()
	if flags == 0 {
		return data, nil
	}

	payload, err := CompressData(data, opts.Compression)
	if err != nil {
		return nil, err
	}
	if flags&flagEncrypted != 0 {
		if payload, err = EncryptData(payload, opts.Security.EncryptionKey); err != nil {
			return nil, fmt.Errorf("encrypting dump: %w", err)
		}
	}

	out := make([]byte, 0, sealHeaderSize+len(payload)+sha256.Size)
	out = append(out, sealMagic...)
	out = append(out, sealVersion, flags, 0, 0)
	out = append(out, payload...)
	if flags&flagHMAC != 0 {
		out = append(out, CalculateHMAC(out, opts.Security.IntegrityKey)...)
	}
	return out, nil
}

// Unseal reverses Seal. Keys come from opts; the transforms are taken from
// the header. Unsealed data is returned unchanged unless opts asks for
// encryption or integrity protection.
func Unseal(data []byte, opts Options) ([]byte, error) {
	if !bytes.HasPrefix(data, sealMagic) {
		if opts.Security.EnableEncryption || opts.Security.EnableIntegrityCheck {
			return nil, ErrNotSealed
		}
		return data, nil
	}
	if len(data) < sealHeaderSize {
		return nil, fmt.Errorf("sealed header truncated")
	}
	if v := data[4]; v != sealVersion {
		return nil, fmt.Errorf("sealed dump version %d", v)
	}
	flags := data[5]

	body := data
	if flags&flagHMAC != 0 {
		if len(data) < sealHeaderSize+sha256.Size {
			return nil, ErrIntegrity
		}
		body = data[:len(data)-sha256.Size]
		if !VerifyHMAC(body, opts.Security.IntegrityKey, data[len(body):]) {
			return nil, ErrIntegrity
		}
	} else if opts.Security.EnableIntegrityCheck {
		return nil, ErrIntegrity
	}

	payload := body[sealHeaderSize:]
	var err error
	if flags&flagEncrypted != 0 {
		if payload, err = DecryptData(payload, opts.Security.EncryptionKey); err != nil {
			return nil, fmt.Errorf("decrypting dump: %w", err)
		}
	}
	if flags&flagZstd != 0 {
		return DecompressData(payload, ZstdCompression)
	}
	return payload, nil
}
