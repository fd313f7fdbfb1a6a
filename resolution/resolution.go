// Package resolution maps an instrument and its configuration element (slit,
// decker or mask name, grating) to a spectral resolving power.
package resolution

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/skyarchive/core"
)

// instrumentTable is the per-instrument lookup. Either keyword/values or a
// fixed resolving power is set.
type instrumentTable struct {
	keyword string
	values  map[string]float64
	fixed   float64
}

// Registry is the (instrument, configuration) -> R table. It is mutable until
// Freeze is called and read-only afterwards, so it can be shared by every
// survey of a build.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*instrumentTable
	frozen bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{tables: make(map[string]*instrumentTable)}
}

// Register adds an instrument whose configuration element is read from the
// header keyword. Registering an existing instrument merges the values.
func (r *Registry) Register(instrument, keyword string, values map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("resolution registry is frozen, cannot register %s", instrument)
	}
	if instrument == "" || keyword == "" {
		return fmt.Errorf("resolution registry: instrument and keyword are required")
	}
	t, ok := r.tables[instrument]
	if ok && t.keyword != keyword {
		return fmt.Errorf("resolution registry: %s already keyed by %s, not %s", instrument, t.keyword, keyword)
	}
	// A rejected registration must leave the registry untouched.
	for k, v := range values {
		if v <= 0 {
			return fmt.Errorf("resolution registry: %s %s=%s: resolving power must be positive", instrument, keyword, k)
		}
	}
	if !ok {
		t = &instrumentTable{keyword: keyword, values: make(map[string]float64, len(values))}
		r.tables[instrument] = t
	}
	for k, v := range values {
		t.values[strings.TrimSpace(k)] = v
	}
	return nil
}

// RegisterFixed adds an instrument with a single resolving power, used when
// the meta table carries no configuration element.
func (r *Registry) RegisterFixed(instrument string, power float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("resolution registry is frozen, cannot register %s", instrument)
	}
	if power <= 0 {
		return fmt.Errorf("resolution registry: %s: resolving power must be positive", instrument)
	}
	if _, ok := r.tables[instrument]; ok {
		return fmt.Errorf("resolution registry: %s already registered", instrument)
	}
	r.tables[instrument] = &instrumentTable{fixed: power}
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the resolving power for the instrument configuration found
// in header. A missing instrument or configuration entry is an error; there
// is no default value.
func (r *Registry) Resolve(instrument string, header core.Header) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[instrument]
	if !ok {
		return 0, &core.RegistryError{Instrument: instrument, Err: core.ErrUnknownInstrument}
	}
	if t.fixed > 0 {
		return t.fixed, nil
	}
	value, _ := header.Get(t.keyword)
	if power, ok := t.values[value]; ok {
		return power, nil
	}
	return 0, &core.RegistryError{Instrument: instrument, Keyword: t.keyword, Value: value, Err: core.ErrUnknownConfiguration}
}

// Keyword returns the header keyword holding the instrument's configuration
// element. It is empty for fixed-resolution instruments.
func (r *Registry) Keyword(instrument string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[instrument]
	if !ok {
		return "", false
	}
	return t.keyword, true
}

// Instruments returns the set of known instrument names.
func (r *Registry) Instruments() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := make(Set, len(r.tables))
	for name := range r.tables {
		s[name] = struct{}{}
	}
	return s
}

// Set is a set of instrument names.
type Set map[string]struct{}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// InstrumentFromHeader infers the instrument from a raw spectrum header:
// ESI writes CURRINST, HIRES and MagE are recognised from INSTRUME.
func InstrumentFromHeader(h core.Header) (string, error) {
	if v, ok := h.Get("CURRINST"); ok && v != "" {
		return v, nil
	}
	if v, ok := h.Get("INSTRUME"); ok {
		switch {
		case strings.Contains(v, "HIRES"):
			return "HIRES", nil
		case strings.Contains(v, "MagE"):
			return "MagE", nil
		case strings.Contains(v, "COS"):
			return "COS", nil
		}
		return "", &core.RegistryError{Instrument: v, Err: core.ErrUnknownInstrument}
	}
	return "", &core.RegistryError{Err: core.ErrUnknownInstrument}
}

// ResolveHeader infers the instrument from the header and resolves it.
func (r *Registry) ResolveHeader(h core.Header) (string, float64, error) {
	instrument, err := InstrumentFromHeader(h)
	if err != nil {
		return "", 0, err
	}
	power, err := r.Resolve(instrument, h)
	return instrument, power, err
}
