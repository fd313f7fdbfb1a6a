package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool hands out reusable bytes.Buffers for chunk encoding. Buffers
// larger than maxRetained are dropped on Put so that one oversized chunk does
// not pin memory for the rest of the build.
type bufferPool struct {
	pool        sync.Pool
	maxRetained int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultChunkBufferSize is the initial capacity of pooled chunk buffers.
const DefaultChunkBufferSize = 64 * 1024

var BufferPool = NewBufferPool(DefaultChunkBufferSize, 64<<20)

// NewBufferPool creates a buffer pool with the given initial buffer capacity.
func NewBufferPool(initialCapacity, maxRetained int) *bufferPool {
	bp := &bufferPool{maxRetained: maxRetained}
	bp.pool.New = func() interface{} {
		bp.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	}
	return bp
}

// Get retrieves a reset buffer from the pool.
func (bp *bufferPool) Get() *bytes.Buffer {
	buf := bp.pool.Get().(*bytes.Buffer)
	bp.hits.Add(1)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (bp.maxRetained > 0 && buf.Cap() > bp.maxRetained) {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}

// GetMetrics returns the number of Get calls and of freshly allocated buffers.
func (bp *bufferPool) GetMetrics() (gets, created uint64) {
	return bp.hits.Load(), bp.misses.Load()
}
