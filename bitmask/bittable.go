// Package bitmask assigns every survey a permanent bit and encodes the set
// of surveys contributing to a catalog entry as a single integer flag.
package bitmask

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/hooks"
)

// MaxBits is the number of surveys a flag can hold. The top bit of the
// signed 64-bit catalog column stays unused.
const MaxBits = 63

// BitTable is the append-only survey name to bit position mapping. Bits
// are assigned in order of first use and are never changed or reused.
type BitTable struct {
	mu     sync.RWMutex
	file   *os.File // nil for an in-memory table
	logger *slog.Logger

	bits  map[string]uint
	names []string // indexed by bit

	hookManager hooks.HookManager
}

// NewBitTable creates an empty in-memory table. Nothing is persisted.
func NewBitTable() *BitTable {
	return &BitTable{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		bits:   make(map[string]uint),
	}
}

// OpenBitTable loads the bit-table log in dir, creating it if needed. New
// assignments are appended and synced before Assign returns.
func OpenBitTable(dir string, logger *slog.Logger, hookManager hooks.HookManager) (*BitTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &BitTable{
		logger:      logger.With("component", "BitTable"),
		bits:        make(map[string]uint),
		hookManager: hookManager,
	}
	path := filepath.Join(dir, core.BitTableFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, core.WrapIO("open bit table", path, err)
	}
	t.file = file
	if err := t.load(); err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

func (t *BitTable) load() error {
	path := t.file.Name()
	header, err := core.ReadFileHeader(t.file, core.BitTableMagicNumber)
	if err != nil {
		stat, serr := t.file.Stat()
		if serr != nil || stat.Size() != 0 {
			return fmt.Errorf("bit table %s: %w", path, err)
		}
		t.logger.Info("Bit table is new, writing header.", "path", path)
		header = core.NewFileHeader(core.BitTableMagicNumber, core.CompressionNone)
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return core.WrapIO("seek bit table", path, err)
		}
		if err := binary.Write(t.file, binary.LittleEndian, &header); err != nil {
			return core.WrapIO("write bit table header", path, err)
		}
		return core.WrapIO("sync bit table", path, t.file.Sync())
	}

	good := int64(header.Size())
	reader := bufio.NewReader(t.file)
	for {
		name, bit, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A crash during the last append leaves a partial record.
			t.logger.Warn("Truncating partial bit table record", "path", path, "offset", good)
			if err := t.file.Truncate(good); err != nil {
				return core.WrapIO("truncate bit table", path, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("bit table %s at offset %d: %w", path, good, err)
		}
		if int(bit) != len(t.names) {
			return fmt.Errorf("bit table %s: survey %s has bit %d, expected %d", path, name, bit, len(t.names))
		}
		if _, dup := t.bits[name]; dup {
			return fmt.Errorf("bit table %s: survey %s assigned twice", path, name)
		}
		t.bits[name] = bit
		t.names = append(t.names, name)
		good += n
	}

	if _, err := t.file.Seek(good, io.SeekStart); err != nil {
		return core.WrapIO("seek bit table", path, err)
	}
	t.logger.Debug("Bit table loaded", "path", path, "surveys", len(t.names))
	return nil
}

// readRecord reads one length | (bit, nameLen, name) | crc32 record and
// returns the number of bytes it occupied.
func readRecord(r io.Reader) (string, uint, int64, error) {
	var recordLen uint32
	if err := binary.Read(r, binary.LittleEndian, &recordLen); err != nil {
		return "", 0, 0, err
	}
	if recordLen < 3 || recordLen > 1<<16 {
		return "", 0, 0, fmt.Errorf("implausible record length %d", recordLen)
	}
	data := make([]byte, recordLen+core.ChecksumSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", 0, 0, err
	}
	payload := data[:recordLen]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[recordLen:]) {
		return "", 0, 0, fmt.Errorf("checksum mismatch")
	}
	bit := uint(payload[0])
	nameLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if 3+nameLen != len(payload) {
		return "", 0, 0, fmt.Errorf("name length %d does not fit record of %d bytes", nameLen, recordLen)
	}
	return string(payload[3:]), bit, int64(4 + len(data)), nil
}

func encodeRecord(name string, bit uint) []byte {
	var data bytes.Buffer
	data.WriteByte(byte(bit))
	binary.Write(&data, binary.LittleEndian, uint16(len(name)))
	data.WriteString(name)

	var rec bytes.Buffer
	binary.Write(&rec, binary.LittleEndian, uint32(data.Len()))
	rec.Write(data.Bytes())
	binary.Write(&rec, binary.LittleEndian, crc32.ChecksumIEEE(data.Bytes()))
	return rec.Bytes()
}

// Assign returns the bit of name, assigning and persisting the next free
// bit on first use.
func (t *BitTable) Assign(name string) (uint, error) {
	t.mu.RLock()
	bit, ok := t.bits[name]
	t.mu.RUnlock()
	if ok {
		return bit, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if bit, ok := t.bits[name]; ok {
		return bit, nil
	}
	if err := core.ValidateSurveyName(name); err != nil {
		return 0, err
	}
	if len(t.names) >= MaxBits {
		return 0, fmt.Errorf("cannot assign a bit to %s: %w (%d surveys)", name, core.ErrBitTableFull, MaxBits)
	}
	bit = uint(len(t.names))
	if t.file != nil {
		if _, err := t.file.Write(encodeRecord(name, bit)); err != nil {
			return 0, core.WrapIO("append bit table", t.file.Name(), err)
		}
		if err := t.file.Sync(); err != nil {
			return 0, core.WrapIO("sync bit table", t.file.Name(), err)
		}
	}
	t.bits[name] = bit
	t.names = append(t.names, name)
	t.logger.Info("Assigned survey bit", "survey", name, "bit", bit)

	if t.hookManager != nil {
		t.hookManager.Trigger(context.Background(), hooks.NewOnBitAssignEvent(hooks.BitAssignPayload{Survey: name, Bit: bit}))
	}
	return bit, nil
}

// Lookup returns the bit of name.
func (t *BitTable) Lookup(name string) (uint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bit, ok := t.bits[name]
	return bit, ok
}

// Name returns the survey owning bit.
func (t *BitTable) Name(bit uint) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(bit) >= len(t.names) {
		return "", false
	}
	return t.names[bit], true
}

// Len returns the number of assigned bits.
func (t *BitTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// Names returns the survey names ordered by bit.
func (t *BitTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.names...)
}

// Weights returns the name to flag weight (1 << bit) mapping.
func (t *BitTable) Weights() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := make(map[string]uint64, len(t.names))
	for name, bit := range t.bits {
		w[name] = 1 << bit
	}
	return w
}

// Close closes the log file.
func (t *BitTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// sortedByWeight returns the names of weights ordered by weight.
func sortedByWeight(weights map[string]uint64) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if weights[names[i]] != weights[names[j]] {
			return weights[names[i]] < weights[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
