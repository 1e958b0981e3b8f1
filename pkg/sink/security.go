package sink

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrIntegrity is returned when a sealed dump fails HMAC verification
	ErrIntegrity = errors.New("HMAC verification failed: dump may have been tampered with")
	// ErrKeySize is returned for AES keys that are not 16, 24 or 32 bytes
	ErrKeySize = errors.New("encryption key must be 16, 24, or 32 bytes long")
)

const nonceSize = 12

// SecurityOptions configures encryption and integrity protection of dumps
type SecurityOptions struct {
	// Encryption settings
	EnableEncryption bool
	EncryptionKey    []byte // Should be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256

	// Integrity verification settings
	EnableIntegrityCheck bool
	IntegrityKey         []byte // Key for HMAC
}

// DefaultSecurityOptions returns the default security options (no security features enabled)
func DefaultSecurityOptions() SecurityOptions {
	return SecurityOptions{}
}

// WithEncryption enables encryption with the given key
func WithEncryption(key []byte) func(*SecurityOptions) {
	return func(opts *SecurityOptions) {
		opts.EnableEncryption = true
		opts.EncryptionKey = key
	}
}

// WithIntegrityCheck enables integrity checks with the given key
func WithIntegrityCheck(key []byte) func(*SecurityOptions) {
	return func(opts *SecurityOptions) {
		opts.EnableIntegrityCheck = true
		opts.IntegrityKey = key
	}
}

// LoadKey reads a key file holding either raw key bytes or a hex string
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if key, err := hex.DecodeString(text); err == nil && validKeySize(len(key)) {
		return key, nil
	}
	if !validKeySize(len(data)) {
		return nil, fmt.Errorf("%s: %w", path, ErrKeySize)
	}
	return data, nil
}

func validKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// EncryptData encrypts data using AES-GCM. The nonce is prepended to the ciphertext.
func EncryptData(data []byte, key []byte) ([]byte, error) {
	if !validKeySize(len(key)) {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(data)+aesGCM.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, data, nil), nil
}

// DecryptData decrypts data produced by EncryptData
func DecryptData(data []byte, key []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, errors.New("encrypted data too short")
	}
	if !validKeySize(len(key)) {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesGCM.Open(nil, data[:nonceSize], data[nonceSize:], nil)
}

// CalculateHMAC generates an HMAC-SHA256 for the given data
func CalculateHMAC(data []byte, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC checks if the HMAC for the given data matches the expected value
func VerifyHMAC(data []byte, key []byte, expected []byte) bool {
	return hmac.Equal(CalculateHMAC(data, key), expected)
}
