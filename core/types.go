package core

import (
	"fmt"
	"strings"
)

// CompressionType identifies the compression algorithm used for container chunks.
// This is stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
	CompressionGzip   CompressionType = 4
)

// Compressor defines the interface for chunk compression algorithms.
//
// Container chunks always know their uncompressed size, so Decompress
// receives a destination slice that has the exact capacity required.
type Compressor interface {
	// Compress appends the compressed form of src to dst[:0] and returns it.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decodes src into dst[:0]. cap(dst) is a size hint.
	Decompress(dst, src []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration name to a CompressionType.
func ParseCompressionType(name string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

const (
	ChecksumSize = 4 // uint32 for CRC32 checksum
)
