// Package compressors provides the chunk codecs used by measurement containers.
package compressors

import (
	"fmt"

	"github.com/INLOpen/skyarchive/core"
)

// ForType returns a Compressor instance based on the CompressionType.
// Readers use it to decode chunks written with any supported codec.
func ForType(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	case core.CompressionGzip:
		return NewGzipCompressor(0), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}

// ForName returns a Compressor for a configuration name such as "zstd".
func ForName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(ct)
}
