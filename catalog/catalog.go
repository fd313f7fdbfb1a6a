// Package catalog maintains the master catalog: one entry per unique sky
// source across all ingested surveys, keyed by global id.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/hooks"
	"github.com/INLOpen/skyarchive/match"
	"github.com/INLOpen/skyarchive/sys"

	"github.com/golang/geo/s1"
	"github.com/parquet-go/parquet-go"
)

// DefaultJoinRadius is the separation under which a survey source is
// considered the same object as an existing catalog entry.
var DefaultJoinRadius = match.Arcsec(2)

// Options configures a Catalog.
type Options struct {
	JoinRadius  s1.Angle
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Catalog is the in-memory master catalog. Entries are only ever added;
// their membership flag is only ever OR-ed.
type Catalog struct {
	mu         sync.RWMutex
	entries    []core.CatalogEntry
	byID       map[int64]int
	index      *match.Index
	joinRadius s1.Angle
	nextID     int64

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// New creates an empty catalog.
func New(opts Options) *Catalog {
	if opts.JoinRadius <= 0 {
		opts.JoinRadius = DefaultJoinRadius
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{
		byID:        make(map[int64]int),
		index:       match.NewIndex(opts.JoinRadius),
		joinRadius:  opts.JoinRadius,
		logger:      opts.Logger.With("component", "Catalog"),
		hookManager: opts.HookManager,
	}
}

// FromEntries creates a catalog holding entries. Global ids must be unique.
func FromEntries(entries []core.CatalogEntry, opts Options) (*Catalog, error) {
	c := New(opts)
	for _, e := range entries {
		if err := c.add(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(e core.CatalogEntry) error {
	if _, dup := c.byID[e.GlobalID]; dup {
		return fmt.Errorf("catalog: duplicate global id %d", e.GlobalID)
	}
	if e.GlobalID < 0 {
		return fmt.Errorf("catalog: negative global id %d", e.GlobalID)
	}
	c.byID[e.GlobalID] = len(c.entries)
	c.entries = append(c.entries, e)
	c.index.Add(e.GlobalID, e.Position())
	if e.GlobalID >= c.nextID {
		c.nextID = e.GlobalID + 1
	}
	return nil
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// JoinRadius returns the radius used to merge sources.
func (c *Catalog) JoinRadius() s1.Angle { return c.joinRadius }

// Index returns the position index of the catalog. It must not be used
// concurrently with Extend.
func (c *Catalog) Index() *match.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Entry returns the entry with the given global id.
func (c *Catalog) Entry(id int64) (core.CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return core.CatalogEntry{}, false
	}
	return c.entries[i], true
}

// Entries returns a copy of all entries in id assignment order.
func (c *Catalog) Entries() []core.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.CatalogEntry(nil), c.entries...)
}

// Cone returns the entries within radius of pos, closest first.
func (c *Catalog) Cone(pos core.Position, radius s1.Angle) []core.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hits := c.index.Within(pos, radius)
	out := make([]core.CatalogEntry, len(hits))
	for i, h := range hits {
		out[i] = c.entries[c.byID[h.ID]]
	}
	return out
}

// WithFlag returns the entries whose membership includes every bit of mask.
func (c *Catalog) WithFlag(mask uint64) []core.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []core.CatalogEntry
	for _, e := range c.entries {
		if e.Membership&mask == mask {
			out = append(out, e)
		}
	}
	return out
}

// ExtendResult describes one Extend call.
type ExtendResult struct {
	IDs    []int64 // global id of every candidate, in input order
	Added  int     // new entries
	Joined int     // candidates merged into an existing entry
}

// Mark is a catalog state Rollback can return to.
type Mark struct {
	n      int
	nextID int64
}

// Mark returns the current state.
func (c *Catalog) Mark() Mark {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Mark{n: len(c.entries), nextID: c.nextID}
}

// Extend merges the unique sources a survey proposes into the catalog. A
// candidate within the join radius of an entry reuses that entry's id;
// otherwise it becomes a new entry with the next sequential id.
func (c *Catalog) Extend(survey string, candidates []core.CatalogCandidate) ExtendResult {
	c.mu.Lock()
	res := ExtendResult{IDs: make([]int64, len(candidates))}
	for i, cand := range candidates {
		if hits := c.index.Within(cand.Position, c.joinRadius); len(hits) > 0 {
			res.IDs[i] = hits[0].ID
			res.Joined++
			continue
		}
		e := core.CatalogEntry{
			GlobalID: c.nextID,
			RA:       cand.RA,
			Dec:      cand.Dec,
			Zem:      cand.Zem,
			SigZem:   cand.SigZem,
			FlagZem:  cand.FlagZem,
			SType:    cand.SType,
		}
		// add cannot fail: nextID is above every id in the catalog.
		c.add(e)
		res.IDs[i] = e.GlobalID
		res.Added++
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.logger.Info("Catalog extended", "survey", survey, "candidates", len(candidates), "added", res.Added, "joined", res.Joined, "size", size)
	if c.hookManager != nil {
		c.hookManager.Trigger(context.Background(), hooks.NewOnCatalogExtendEvent(hooks.CatalogExtendPayload{
			Survey: survey,
			Added:  res.Added,
			Joined: res.Joined,
			Size:   size,
		}))
	}
	return res
}

// Rollback drops every entry added after m and restores the id sequence.
// Membership changes are not undone; they only happen at commit.
func (c *Catalog) Rollback(m Mark) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.n >= len(c.entries) {
		return
	}
	dropped := len(c.entries) - m.n
	c.rebuild(c.entries[:m.n], m.nextID)
	c.logger.Info("Catalog rolled back", "dropped", dropped, "size", len(c.entries))
}

// NextID returns the id the next new entry will receive.
func (c *Catalog) NextID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextID
}

// Truncate drops every entry whose id is nextID or above and returns the
// number of entries dropped. The id sequence continues at nextID.
func (c *Catalog) Truncate(nextID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := make([]core.CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.GlobalID < nextID {
			kept = append(kept, e)
		}
	}
	dropped := len(c.entries) - len(kept)
	if dropped > 0 {
		c.rebuild(kept, nextID)
	} else if nextID > c.nextID {
		c.nextID = nextID
	}
	return dropped
}

// rebuild replaces the entries and index with kept. Callers hold c.mu.
func (c *Catalog) rebuild(kept []core.CatalogEntry, nextID int64) {
	kept = append([]core.CatalogEntry(nil), kept...)
	c.entries = nil
	c.byID = make(map[int64]int, len(kept))
	c.index = match.NewIndex(c.joinRadius)
	c.nextID = 0
	for _, e := range kept {
		c.add(e)
	}
	if nextID > c.nextID {
		c.nextID = nextID
	}
}

// OrMembership sets bit on every entry in ids and returns the number of
// distinct entries touched. Unknown ids are an error and leave the catalog
// unchanged.
func (c *Catalog) OrMembership(ids []int64, bit uint) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok {
			return 0, fmt.Errorf("catalog: global id %d is not in the catalog", id)
		}
	}
	touched := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, seen := touched[id]; seen {
			continue
		}
		touched[id] = struct{}{}
		c.entries[c.byID[id]].Membership |= 1 << bit
	}
	return len(touched), nil
}

// ClearMembership removes the bits of mask from every entry and returns
// the number of entries changed.
func (c *Catalog) ClearMembership(mask uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.entries {
		if c.entries[i].Membership&mask != 0 {
			c.entries[i].Membership &^= mask
			n++
		}
	}
	return n
}

// WriteFile atomically persists the catalog as parquet, ordered by id.
func (c *Catalog) WriteFile(path string) error {
	entries := c.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].GlobalID < entries[j].GlobalID })
	err := sys.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[core.CatalogEntry](w)
		if _, err := pw.Write(entries); err != nil {
			return fmt.Errorf("failed to write catalog rows: %w", err)
		}
		return pw.Close()
	})
	if err != nil {
		return core.WrapIO("write catalog", path, err)
	}
	c.logger.Debug("Catalog written", "path", path, "entries", len(entries))
	return nil
}

// Load reads a catalog written by WriteFile. A missing file yields an empty
// catalog.
func Load(path string, opts Options) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(opts), nil
	}
	entries, err := parquet.ReadFile[core.CatalogEntry](path)
	if err != nil {
		return nil, core.WrapIO("read catalog", path, err)
	}
	return FromEntries(entries, opts)
}
