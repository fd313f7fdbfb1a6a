package bitmask

import (
	"bufio"
	"io"
	"os"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/sys"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Membership is the set of global ids a survey contributes to.
type Membership struct {
	bm *roaring64.Bitmap
}

// NewMembership creates an empty set, optionally seeded with ids.
func NewMembership(ids ...int64) *Membership {
	m := &Membership{bm: roaring64.New()}
	for _, id := range ids {
		m.Add(id)
	}
	return m
}

// Add inserts a global id.
func (m *Membership) Add(id int64) { m.bm.Add(uint64(id)) }

// Contains reports whether id is a member.
func (m *Membership) Contains(id int64) bool { return m.bm.Contains(uint64(id)) }

// Len returns the number of members.
func (m *Membership) Len() int { return int(m.bm.GetCardinality()) }

// IDs returns the members in ascending order.
func (m *Membership) IDs() []int64 {
	raw := m.bm.ToArray()
	ids := make([]int64, len(raw))
	for i, v := range raw {
		ids[i] = int64(v)
	}
	return ids
}

// Or adds every member of other.
func (m *Membership) Or(other *Membership) { m.bm.Or(other.bm) }

// And returns the members present in both sets.
func (m *Membership) And(other *Membership) *Membership {
	return &Membership{bm: roaring64.And(m.bm, other.bm)}
}

// WriteFile atomically persists the set.
func (m *Membership) WriteFile(path string) error {
	m.bm.RunOptimize()
	err := sys.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if _, err := m.bm.WriteTo(bw); err != nil {
			return err
		}
		return bw.Flush()
	})
	return core.WrapIO("write membership", path, err)
}

// ReadMembership loads a set written by WriteFile.
func ReadMembership(path string) (*Membership, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.WrapIO("open membership", path, err)
	}
	defer f.Close()
	m := NewMembership()
	if _, err := m.bm.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, core.WrapIO("read membership", path, err)
	}
	return m, nil
}
