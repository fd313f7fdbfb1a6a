package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/skyarchive/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

// maxLZ4Chunk bounds the buffer growth when the decoded size is unknown.
const maxLZ4Chunk = 1 << 30

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(src) > 0 {
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}
	// The block format does not store the original size. Container chunks
	// pass an exact capacity; otherwise grow until the block fits.
	size := cap(dst)
	if size == 0 {
		size = len(src) * 3
		if size < 1024 {
			size = 1024
		}
		dst = make([]byte, size)
	}
	for {
		n, err := lz4.UncompressBlock(src, dst[:cap(dst)])
		if err == nil {
			return dst[:n], nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if cap(dst) > maxLZ4Chunk {
			return nil, fmt.Errorf("lz4 decompression buffer grew too large (>%d bytes)", maxLZ4Chunk)
		}
		dst = make([]byte, cap(dst)*2)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
