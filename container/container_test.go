package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/skyarchive/compressors"
	"github.com/INLOpen/skyarchive/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

// paddedRow returns a row of the given width whose first npix pixels are set.
func paddedRow(seed, npix, width int) *core.Spectrum {
	s := &core.Spectrum{
		Wave: make([]float64, width),
		Flux: make([]float32, width),
		Sig:  make([]float32, width),
	}
	for i := 0; i < npix; i++ {
		s.Wave[i] = 3000 + float64(seed) + float64(i)*0.25
		s.Flux[i] = float32(seed) + float32(i)/10
		s.Sig[i] = 0.01 * float32(i+1)
	}
	return s
}

func newTestWriter(t *testing.T, compression string, width, perChunk int) (*Writer, string) {
	t.Helper()
	c, err := compressors.ForName(compression)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), core.ContainerFileName)
	w, err := NewWriter(WriterOptions{
		Path:         path,
		MaxWidth:     width,
		RowsPerChunk: perChunk,
		Compressor:   c,
		Tracer:       noop.NewTracerProvider().Tracer("test"),
	})
	require.NoError(t, err)
	return w, path
}

func TestWriterReader_RoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "snappy", "lz4", "zstd", "gzip"} {
		t.Run(compression, func(t *testing.T) {
			const width = 64
			npix := []int{10, 64, 1, 33, 0, 50, 7}
			w, path := newTestWriter(t, compression, width, 3)
			w.Reserve(2)
			for i, n := range npix {
				require.NoError(t, w.Append(paddedRow(i, n, width)))
			}
			assert.Equal(t, len(npix), w.Len())
			assert.GreaterOrEqual(t, w.Cap(), w.Len())

			info, err := w.Finish(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(npix), info.Rows)
			assert.Equal(t, 3, info.Chunks)
			assert.Equal(t, w.Len(), w.Cap(), "capacity trimmed to length")
			_, err = os.Stat(core.FormatTempFilename(path))
			assert.True(t, os.IsNotExist(err))
			st, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, st.Size(), info.CompressedBytes)

			r, err := Open(path, ReaderOptions{ChunkCacheSize: 2})
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, len(npix), r.Len())
			assert.Equal(t, width, r.MaxWidth())
			assert.Equal(t, compression, r.Compression().String())
			require.NoError(t, r.Verify())

			for i, n := range npix {
				want := paddedRow(i, n, width)
				row, err := r.Row(i)
				require.NoError(t, err)
				assert.Equal(t, *want, row, "row %d", i)

				spec, err := r.Spectrum(i, n)
				require.NoError(t, err)
				assert.Equal(t, n, spec.NPix())
				assert.Equal(t, want.Wave[:n], spec.Wave)
			}

			_, err = r.Row(len(npix))
			assert.Error(t, err)
			_, err = r.Spectrum(0, width+1)
			assert.True(t, core.IsOversize(err))
		})
	}
}

func TestWriter_RejectsWrongWidth(t *testing.T) {
	w, _ := newTestWriter(t, "snappy", 8, 4)
	defer w.Abort()
	require.NoError(t, w.Append(paddedRow(0, 8, 8)))

	err := w.Append(paddedRow(1, 5, 5))
	var sm *core.SizeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, 1, w.Len(), "length unchanged after rejected append")

	bad := paddedRow(2, 8, 8)
	bad.Sig = bad.Sig[:7]
	assert.True(t, errors.Is(w.Append(bad), core.ErrSizeMismatch))
	assert.Equal(t, 1, w.Len())
}

func TestWriter_CapacityGrowth(t *testing.T) {
	w, _ := newTestWriter(t, "none", 2, 4)
	defer w.Abort()
	assert.Equal(t, 0, w.Cap())
	w.Reserve(5)
	w.Reserve(3) // never shrinks
	assert.Equal(t, 5, w.Cap())
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Append(paddedRow(i, 2, 2)))
	}
	assert.Equal(t, 10, w.Cap())
}

// flakyCompressor fails the next Compress call while failNext is set.
type flakyCompressor struct {
	core.Compressor
	failNext bool
}

func (c *flakyCompressor) Compress(dst, src []byte) ([]byte, error) {
	if c.failNext {
		c.failNext = false
		return nil, errors.New("compressor out of memory")
	}
	return c.Compressor.Compress(dst, src)
}

func TestWriter_FailedFlushLeavesContainerUnchanged(t *testing.T) {
	const width = 4
	flaky := &flakyCompressor{Compressor: compressors.NewSnappyCompressor()}
	path := filepath.Join(t.TempDir(), core.ContainerFileName)
	w, err := NewWriter(WriterOptions{Path: path, MaxWidth: width, RowsPerChunk: 2, Compressor: flaky})
	require.NoError(t, err)
	w.Reserve(1)

	require.NoError(t, w.Append(paddedRow(0, 4, width)))
	flaky.failNext = true
	err = w.Append(paddedRow(1, 3, width))
	require.ErrorContains(t, err, "failed to compress chunk")
	assert.Equal(t, 1, w.Len(), "failed append must not count a row")
	assert.Equal(t, 1, w.Cap(), "failed append must not grow the capacity")

	// The same row can be appended again once the compressor recovers.
	require.NoError(t, w.Append(paddedRow(1, 3, width)))
	require.NoError(t, w.Append(paddedRow(2, 2, width)))
	assert.Equal(t, 4, w.Cap())
	info, err := w.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.Rows)
	assert.Equal(t, 3, w.Cap(), "finish trims the capacity to the row count")
	assert.Equal(t, int64(3*RowSize(width)), info.RawBytes)

	r, err := Open(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Verify())
	for i, n := range []int{4, 3, 2} {
		row, err := r.Row(i)
		require.NoError(t, err)
		assert.Equal(t, *paddedRow(i, n, width), row, "row %d", i)
	}
}

func TestWriter_Abort(t *testing.T) {
	w, path := newTestWriter(t, "zstd", 4, 2)
	require.NoError(t, w.Append(paddedRow(0, 4, 4)))
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	_, err := os.Stat(core.FormatTempFilename(path))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, w.Append(paddedRow(1, 4, 4)))
}

func TestWriter_EmptyContainer(t *testing.T) {
	w, path := newTestWriter(t, "lz4", 4, 2)
	info, err := w.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, info.Rows)

	r, err := Open(path, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Chunks())
}

func TestOpen_Corruption(t *testing.T) {
	w, path := newTestWriter(t, "none", 16, 2)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Append(paddedRow(i, 16, 16)))
	}
	_, err := w.Finish(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("ChunkChecksum", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		// First payload byte of the first chunk.
		first := 14 + 8 + chunkHeaderSize
		corrupt[first] ^= 0xff
		p := filepath.Join(t.TempDir(), "c.dat")
		require.NoError(t, os.WriteFile(p, corrupt, 0644))

		r, err := Open(p, ReaderOptions{})
		require.NoError(t, err)
		defer r.Close()
		_, err = r.Row(0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")
		assert.Error(t, r.Verify())
	})

	t.Run("Truncated", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "t.dat")
		require.NoError(t, os.WriteFile(p, data[:len(data)-3], 0644))
		_, err := Open(p, ReaderOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not finished")
	})

	t.Run("BadMagic", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "m.dat")
		corrupt := append([]byte(nil), data...)
		corrupt[0] ^= 0xff
		require.NoError(t, os.WriteFile(p, corrupt, 0644))
		_, err := Open(p, ReaderOptions{})
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope"), ReaderOptions{})
		assert.True(t, errors.Is(err, core.ErrIO))
	})
}

func TestNewWriter_Validation(t *testing.T) {
	_, err := NewWriter(WriterOptions{Path: filepath.Join(t.TempDir(), "x"), MaxWidth: 0, Compressor: compressors.NewSnappyCompressor()})
	assert.Error(t, err)
	_, err = NewWriter(WriterOptions{Path: filepath.Join(t.TempDir(), "x"), MaxWidth: 4})
	assert.Error(t, err)
	_, err = NewWriter(WriterOptions{Path: filepath.Join(t.TempDir(), "missing-dir", "x"), MaxWidth: 4, Compressor: compressors.NewSnappyCompressor()})
	assert.True(t, errors.Is(err, core.ErrIO))
}
