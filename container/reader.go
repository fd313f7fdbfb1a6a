package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/INLOpen/skyarchive/cache"
	"github.com/INLOpen/skyarchive/compressors"
	"github.com/INLOpen/skyarchive/core"
)

// DefaultChunkCacheSize is the number of decoded chunks a reader keeps.
const DefaultChunkCacheSize = 8

// ReaderOptions configures a container reader.
type ReaderOptions struct {
	ChunkCacheSize int
	Logger         *slog.Logger
}

// Reader gives random access to the rows of a finished container.
type Reader struct {
	path     string
	file     *os.File
	header   core.FileHeader
	width    int
	perChunk int
	rows     int
	index    []indexEntry

	decompressor core.Compressor
	chunks       *cache.LRUCache[int, []byte]
	mu           sync.Mutex // serializes chunk loads
	logger       *slog.Logger
}

// Open opens a container and loads its index.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChunkCacheSize == 0 {
		opts.ChunkCacheSize = DefaultChunkCacheSize
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, core.WrapIO("open container", path, err)
	}
	r := &Reader{
		path:   path,
		file:   file,
		chunks: cache.NewLRUCache[int, []byte](opts.ChunkCacheSize, nil),
		logger: opts.Logger.With("component", "ContainerReader", "path", path),
	}
	if err := r.load(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	stat, err := r.file.Stat()
	if err != nil {
		return core.WrapIO("stat container", r.path, err)
	}
	size := stat.Size()

	hdr, err := core.ReadFileHeader(io.NewSectionReader(r.file, 0, size), core.ContainerMagicNumber)
	if err != nil {
		return fmt.Errorf("container %s: %w", r.path, err)
	}
	var ch containerHeader
	if err := binary.Read(io.NewSectionReader(r.file, int64(hdr.Size()), size), binary.LittleEndian, &ch); err != nil {
		return fmt.Errorf("container %s: failed to read container header: %w", r.path, err)
	}
	r.header = hdr
	r.width = int(ch.MaxWidth)
	r.perChunk = int(ch.RowsPerChunk)
	if r.width <= 0 || r.perChunk <= 0 {
		return fmt.Errorf("container %s: corrupt header (width %d, rows per chunk %d)", r.path, r.width, r.perChunk)
	}
	if r.decompressor, err = compressors.ForType(hdr.CompressorType); err != nil {
		return fmt.Errorf("container %s: %w", r.path, err)
	}

	if size < int64(hdr.Size()+binary.Size(ch)+footerSize) {
		return fmt.Errorf("container %s: file too small (%d bytes), not finished", r.path, size)
	}
	tail := make([]byte, footerSize)
	if _, err := r.file.ReadAt(tail, size-int64(footerSize)); err != nil {
		return core.WrapIO("read container footer", r.path, err)
	}
	if string(tail[footerSize-core.ContainerMagicStringLen:]) != core.ContainerMagicString {
		return fmt.Errorf("container %s: missing footer magic, not finished", r.path)
	}
	var ft footer
	if err := binary.Read(bytes.NewReader(tail), binary.LittleEndian, &ft); err != nil {
		return fmt.Errorf("container %s: failed to decode footer: %w", r.path, err)
	}
	if int64(ft.IndexOffset)+int64(ft.IndexLen) != size-int64(footerSize) {
		return fmt.Errorf("container %s: index bounds do not match file size", r.path)
	}

	raw := make([]byte, ft.IndexLen)
	if _, err := r.file.ReadAt(raw, int64(ft.IndexOffset)); err != nil {
		return core.WrapIO("read container index", r.path, err)
	}
	if crc32.ChecksumIEEE(raw) != ft.IndexCRC {
		return fmt.Errorf("container %s: index checksum mismatch", r.path)
	}
	br := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("container %s: failed to read index count: %w", r.path, err)
	}
	if int(ft.IndexLen) != 4+int(count)*indexEntrySize {
		return fmt.Errorf("container %s: index length %d does not hold %d entries", r.path, ft.IndexLen, count)
	}
	r.index = make([]indexEntry, count)
	var total int
	for i := range r.index {
		if err := binary.Read(br, binary.LittleEndian, &r.index[i]); err != nil {
			return fmt.Errorf("container %s: failed to read index entry %d: %w", r.path, i, err)
		}
		total += int(r.index[i].Rows)
	}
	if total != int(ft.Rows) {
		return &core.SizeMismatchError{What: "container index rows", Want: int(ft.Rows), Got: total}
	}
	r.rows = total
	return nil
}

// Path returns the container file path.
func (r *Reader) Path() string { return r.path }

// Len returns the number of rows.
func (r *Reader) Len() int { return r.rows }

// MaxWidth returns the fixed row width.
func (r *Reader) MaxWidth() int { return r.width }

// Compression returns the chunk compression of the container.
func (r *Reader) Compression() core.CompressionType { return r.header.CompressorType }

// Chunks returns the number of chunks.
func (r *Reader) Chunks() int { return len(r.index) }

// chunk returns the decoded bytes of chunk n.
func (r *Reader) chunk(n int) ([]byte, error) {
	if b, ok := r.chunks.Get(n); ok {
		return b, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.chunks.Get(n); ok {
		return b, nil
	}

	e := r.index[n]
	disk := make([]byte, e.DiskLen)
	if _, err := r.file.ReadAt(disk, int64(e.Offset)); err != nil {
		return nil, core.WrapIO("read chunk", r.path, err)
	}
	if core.CompressionType(disk[0]) != r.header.CompressorType {
		return nil, fmt.Errorf("container %s: chunk %d has compression %d, header says %s", r.path, n, disk[0], r.header.CompressorType)
	}
	payload := disk[chunkHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(disk[1:chunkHeaderSize]) {
		return nil, fmt.Errorf("container %s: chunk %d checksum mismatch", r.path, n)
	}
	raw, err := r.decompressor.Decompress(make([]byte, 0, e.RawLen), payload)
	if err != nil {
		return nil, fmt.Errorf("container %s: failed to decompress chunk %d: %w", r.path, n, err)
	}
	if len(raw) != int(e.RawLen) || len(raw) != int(e.Rows)*RowSize(r.width) {
		return nil, &core.SizeMismatchError{What: fmt.Sprintf("chunk %d decoded length", n), Want: int(e.RawLen), Got: len(raw)}
	}
	r.chunks.Put(n, raw)
	return raw, nil
}

func (r *Reader) rowBytes(i int) ([]byte, error) {
	if i < 0 || i >= r.rows {
		return nil, fmt.Errorf("container %s: row %d out of range [0, %d)", r.path, i, r.rows)
	}
	// All chunks but the last hold perChunk rows.
	n, off := i/r.perChunk, i%r.perChunk
	b, err := r.chunk(n)
	if err != nil {
		return nil, err
	}
	size := RowSize(r.width)
	return b[off*size : (off+1)*size], nil
}

// Row returns row i at full width, including the zero padding.
func (r *Reader) Row(i int) (core.Spectrum, error) {
	b, err := r.rowBytes(i)
	if err != nil {
		return core.Spectrum{}, err
	}
	return decodeRow(b, r.width, r.width), nil
}

// Spectrum returns the first npix pixels of row i, i.e. the measurement
// without its padding. npix comes from the meta table's NPIX column.
func (r *Reader) Spectrum(i, npix int) (core.Spectrum, error) {
	if npix < 0 || npix > r.width {
		return core.Spectrum{}, &core.OversizeError{Row: i, NPix: npix, MaxWidth: r.width}
	}
	b, err := r.rowBytes(i)
	if err != nil {
		return core.Spectrum{}, err
	}
	return decodeRow(b, r.width, npix), nil
}

// Verify reads and checks every chunk.
func (r *Reader) Verify() error {
	for n := range r.index {
		if _, err := r.chunk(n); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the file and the chunk cache.
func (r *Reader) Close() error {
	r.chunks.Clear()
	return r.file.Close()
}
