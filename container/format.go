// Package container stores fixed-width measurement rows in a chunked,
// compressed, append-only file. One container holds one survey.
//
// Layout:
//
//	FileHeader | width uint32 | rowsPerChunk uint32
//	chunk*     : compression byte | crc32 uint32 | payload
//	index      : count uint32 | {offset uint64, diskLen uint32, rows uint32, rawLen uint32}*
//	footer     : indexOffset uint64 | indexLen uint32 | indexCRC uint32 | rows uint64 | magic
//
// A row is wave (float64 x width), then flux and sig (float32 x width), little endian.
package container

import (
	"encoding/binary"
	"math"

	"github.com/INLOpen/skyarchive/core"
)

const (
	chunkHeaderSize = 1 + core.ChecksumSize
	indexEntrySize  = 8 + 4 + 4 + 4
	footerSize      = 8 + 4 + 4 + 8 + core.ContainerMagicStringLen
)

// containerHeader follows the common file header.
type containerHeader struct {
	MaxWidth     uint32
	RowsPerChunk uint32
}

type indexEntry struct {
	Offset  uint64 // of the chunk's compression byte
	DiskLen uint32 // chunk header + payload
	Rows    uint32
	RawLen  uint32
}

type footer struct {
	IndexOffset uint64
	IndexLen    uint32
	IndexCRC    uint32
	Rows        uint64
}

// RowSize returns the encoded size of one row of the given width.
func RowSize(width int) int {
	return width * (8 + 4 + 4)
}

// encodeRow appends the row encoding of s to dst. All channels must have
// the container width.
func encodeRow(dst []byte, s *core.Spectrum) []byte {
	for _, v := range s.Wave {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	for _, v := range s.Flux {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	for _, v := range s.Sig {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// decodeRow decodes the first n pixels of an encoded row of the given width.
func decodeRow(b []byte, width, n int) core.Spectrum {
	s := core.Spectrum{
		Wave: make([]float64, n),
		Flux: make([]float32, n),
		Sig:  make([]float32, n),
	}
	for i := 0; i < n; i++ {
		s.Wave[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	flux := b[8*width:]
	sig := flux[4*width:]
	for i := 0; i < n; i++ {
		s.Flux[i] = math.Float32frombits(binary.LittleEndian.Uint32(flux[4*i:]))
		s.Sig[i] = math.Float32frombits(binary.LittleEndian.Uint32(sig[4*i:]))
	}
	return s
}
