package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/skyarchive/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using ZSTD frames.
// EncodeAll/DecodeAll are safe for concurrent use, so one encoder and one
// decoder are shared by all callers.
type ZstdCompressor struct {
	once    sync.Once
	initErr error
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.enc, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.initErr != nil {
			return
		}
		c.dec, c.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
