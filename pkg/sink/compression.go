package sink

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm applied to a dump
type CompressionType int

const (
	// NoCompression writes the minidump as is
	NoCompression CompressionType = iota
	// ZstdCompression indicates Zstandard compression
	ZstdCompression
)

var (
	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func (c CompressionType) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	}
	return fmt.Sprintf("CompressionType(%d)", int(c))
}

// ParseCompression converts a configuration name into a CompressionType
func ParseCompression(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, fmt.Errorf("unknown compression %q", s)
}

// CompressData compresses a byte slice using the specified compression algorithm
func CompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case NoCompression:
		return data, nil
	case ZstdCompression:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}
	return nil, fmt.Errorf("compress: unsupported %s", compressionType)
}

// DecompressData decompresses a byte slice using the specified compression algorithm
func DecompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case NoCompression:
		return data, nil
	case ZstdCompression:
		return zstdDecoder.DecodeAll(data, nil)
	}
	return nil, fmt.Errorf("decompress: unsupported %s", compressionType)
}
