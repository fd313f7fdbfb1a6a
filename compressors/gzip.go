package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/skyarchive/core"
	"github.com/klauspost/compress/gzip"
)

// GzipCompressor implements the Compressor interface using gzip streams.
type GzipCompressor struct {
	level   int
	writers sync.Pool
}

var _ core.Compressor = (*GzipCompressor)(nil)

// NewGzipCompressor creates a gzip compressor. A level of 0 selects gzip.DefaultCompression.
func NewGzipCompressor(level int) *GzipCompressor {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (c *GzipCompressor) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	zw, _ := c.writers.Get().(*gzip.Writer)
	if zw == nil {
		var err error
		zw, err = gzip.NewWriterLevel(buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer error: %w", err)
		}
	} else {
		zw.Reset(buf)
	}
	defer c.writers.Put(zw)

	if _, err := zw.Write(src); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip compress write error: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) Decompress(dst, src []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer zr.Close()
	buf := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) Type() core.CompressionType {
	return core.CompressionGzip
}
