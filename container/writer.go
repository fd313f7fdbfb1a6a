package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/sys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRowsPerChunk is used when WriterOptions.RowsPerChunk is not set.
const DefaultRowsPerChunk = 16

// WriterOptions configures a container writer.
type WriterOptions struct {
	Path         string // final path, the writer works on Path + ".tmp"
	MaxWidth     int
	RowsPerChunk int
	Compressor   core.Compressor
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// Info describes a finished container.
type Info struct {
	Path            string
	Rows            int
	Chunks          int
	RawBytes        int64
	CompressedBytes int64
}

// Writer appends fixed-width rows to a new container. It is not safe for
// concurrent use.
type Writer struct {
	path       string
	tempPath   string
	file       *os.File
	offset     int64
	width      int
	perChunk   int
	compressor core.Compressor
	tracer     trace.Tracer
	logger     *slog.Logger

	chunk     *bytes.Buffer
	chunkRows int
	scratch   []byte
	index     []indexEntry

	rows     int
	capacity int
	rawBytes int64
	done     bool
}

// NewWriter creates the temporary container file and writes its header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.MaxWidth <= 0 {
		return nil, fmt.Errorf("container: max width must be positive, got %d", opts.MaxWidth)
	}
	if opts.RowsPerChunk <= 0 {
		opts.RowsPerChunk = DefaultRowsPerChunk
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("container: compressor is nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	tempPath := core.FormatTempFilename(opts.Path)
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, core.WrapIO("create container", tempPath, err)
	}

	header := core.NewFileHeader(core.ContainerMagicNumber, opts.Compressor.Type())
	ch := containerHeader{MaxWidth: uint32(opts.MaxWidth), RowsPerChunk: uint32(opts.RowsPerChunk)}
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempPath)
		return nil, core.WrapIO("write container header", tempPath, err)
	}
	if err := binary.Write(file, binary.LittleEndian, &ch); err != nil {
		file.Close()
		os.Remove(tempPath)
		return nil, core.WrapIO("write container header", tempPath, err)
	}

	return &Writer{
		path:       opts.Path,
		tempPath:   tempPath,
		file:       file,
		offset:     int64(header.Size() + binary.Size(ch)),
		width:      opts.MaxWidth,
		perChunk:   opts.RowsPerChunk,
		compressor: opts.Compressor,
		tracer:     opts.Tracer,
		logger:     opts.Logger.With("component", "ContainerWriter", "path", opts.Path),
		chunk:      core.BufferPool.Get(),
	}, nil
}

// MaxWidth returns the fixed row width.
func (w *Writer) MaxWidth() int { return w.width }

// Len returns the number of rows appended.
func (w *Writer) Len() int { return w.rows }

// Cap returns the logical row capacity. It never drops below Len and equals
// Len once the container is finished.
func (w *Writer) Cap() int { return w.capacity }

// Reserve sets the initial logical capacity to n rows. It never shrinks.
// Rows are streamed to disk chunk by chunk, so no space is preallocated:
// the capacity only records the initial size, its growth and the final trim.
func (w *Writer) Reserve(n int) {
	if n > w.capacity {
		w.capacity = n
	}
}

// Append adds one fixed-width row. Every channel must be exactly MaxWidth
// long; on error the container is unchanged.
func (w *Writer) Append(row *core.Spectrum) error {
	if w.done {
		return fmt.Errorf("container: append after finish")
	}
	if len(row.Wave) != w.width {
		return &core.SizeMismatchError{What: "row width", Want: w.width, Got: len(row.Wave)}
	}
	if err := row.CheckLengths(); err != nil {
		return err
	}

	w.scratch = encodeRow(w.scratch[:0], row)
	w.chunk.Write(w.scratch)
	w.chunkRows++
	if w.chunkRows == w.perChunk {
		if err := w.flushChunk(); err != nil {
			w.chunk.Truncate(w.chunk.Len() - len(w.scratch))
			w.chunkRows--
			return err
		}
	}

	w.rows++
	w.rawBytes += int64(len(w.scratch))
	if w.rows > w.capacity {
		// Grow like a resizable dataset: double, at least one chunk.
		grown := 2 * w.capacity
		if grown < w.perChunk {
			grown = w.perChunk
		}
		if grown < w.rows {
			grown = w.rows
		}
		w.capacity = grown
	}
	return nil
}

func (w *Writer) flushChunk() error {
	if w.chunkRows == 0 {
		return nil
	}
	raw := w.chunk.Bytes()
	payload, err := w.compressor.Compress(nil, raw)
	if err != nil {
		return fmt.Errorf("container: failed to compress chunk %d: %w", len(w.index), err)
	}

	var hdr [chunkHeaderSize]byte
	hdr[0] = byte(w.compressor.Type())
	binary.LittleEndian.PutUint32(hdr[1:], crc32.ChecksumIEEE(payload))
	if _, err := w.file.Write(hdr[:]); err != nil {
		return w.dropPartialChunk(core.WrapIO("write chunk header", w.tempPath, err))
	}
	if _, err := w.file.Write(payload); err != nil {
		return w.dropPartialChunk(core.WrapIO("write chunk", w.tempPath, err))
	}

	entry := indexEntry{
		Offset:  uint64(w.offset),
		DiskLen: uint32(chunkHeaderSize + len(payload)),
		Rows:    uint32(w.chunkRows),
		RawLen:  uint32(len(raw)),
	}
	w.index = append(w.index, entry)
	w.offset += int64(entry.DiskLen)
	w.logger.Debug("Flushed chunk", "chunk", len(w.index)-1, "rows", w.chunkRows, "raw_len", len(raw), "disk_len", entry.DiskLen)

	w.chunk.Reset()
	w.chunkRows = 0
	return nil
}

// dropPartialChunk cuts the file back to the end of the last complete chunk
// so that a failed chunk write can be retried.
func (w *Writer) dropPartialChunk(err error) error {
	if terr := w.file.Truncate(w.offset); terr != nil {
		return errors.Join(err, core.WrapIO("truncate partial chunk", w.tempPath, terr))
	}
	if _, serr := w.file.Seek(w.offset, io.SeekStart); serr != nil {
		return errors.Join(err, core.WrapIO("seek after partial chunk", w.tempPath, serr))
	}
	return err
}

// Finish flushes the last chunk, writes index and footer, trims the capacity
// to the row count and atomically moves the file into place.
func (w *Writer) Finish(ctx context.Context) (Info, error) {
	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(ctx, "container.Writer.Finish")
		defer span.End()
	}
	fail := func(err error) (Info, error) {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		w.abort()
		return Info{}, err
	}
	if w.done {
		return Info{}, fmt.Errorf("container: finish called twice")
	}

	if err := w.flushChunk(); err != nil {
		return fail(err)
	}

	var idx bytes.Buffer
	binary.Write(&idx, binary.LittleEndian, uint32(len(w.index)))
	for i := range w.index {
		binary.Write(&idx, binary.LittleEndian, &w.index[i])
	}
	ft := footer{
		IndexOffset: uint64(w.offset),
		IndexLen:    uint32(idx.Len()),
		IndexCRC:    crc32.ChecksumIEEE(idx.Bytes()),
		Rows:        uint64(w.rows),
	}
	if _, err := w.file.Write(idx.Bytes()); err != nil {
		return fail(core.WrapIO("write container index", w.tempPath, err))
	}
	if err := binary.Write(w.file, binary.LittleEndian, &ft); err != nil {
		return fail(core.WrapIO("write container footer", w.tempPath, err))
	}
	if _, err := w.file.WriteString(core.ContainerMagicString); err != nil {
		return fail(core.WrapIO("write container magic", w.tempPath, err))
	}
	if err := w.file.Sync(); err != nil {
		return fail(core.WrapIO("sync container", w.tempPath, err))
	}
	// Close before rename for Windows.
	if err := w.file.Close(); err != nil {
		return fail(core.WrapIO("close container", w.tempPath, err))
	}
	if err := sys.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		w.release()
		return Info{}, core.WrapIO("rename container", w.path, err)
	}
	w.capacity = w.rows
	w.release()

	info := Info{
		Path:            w.path,
		Rows:            w.rows,
		Chunks:          len(w.index),
		RawBytes:        w.rawBytes,
		CompressedBytes: w.offset + int64(idx.Len()) + int64(footerSize),
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("container.rows", info.Rows),
			attribute.Int("container.chunks", info.Chunks),
			attribute.Int("container.width", w.width),
			attribute.Int64("container.raw_bytes", info.RawBytes),
			attribute.Int64("container.disk_bytes", info.CompressedBytes),
			attribute.String("container.compression", w.compressor.Type().String()),
		)
	}
	w.logger.Info("Container finished", "rows", info.Rows, "chunks", info.Chunks, "raw_bytes", info.RawBytes, "disk_bytes", info.CompressedBytes)
	return info, nil
}

// Abort discards the container. It is safe to call after Finish failed or
// succeeded; a finished container is left in place.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.abort()
	return nil
}

func (w *Writer) abort() {
	w.file.Close()
	if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove temporary container", "path", w.tempPath, "error", err)
	}
	w.release()
}

func (w *Writer) release() {
	w.done = true
	if w.chunk != nil {
		core.BufferPool.Put(w.chunk)
		w.chunk = nil
	}
}
