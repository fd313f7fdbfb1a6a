package schema

import (
	"fmt"

	"github.com/INLOpen/skyarchive/core"
)

// Column holds the values of one table column. Exactly one of the value
// slices is used, according to Kind.
type Column struct {
	Name    string
	Kind    Kind
	Ints    []int64
	Floats  []float64
	Strings []string
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case KindInt:
		return len(c.Ints)
	case KindFloat:
		return len(c.Floats)
	default:
		return len(c.Strings)
	}
}

// Float returns value i as a float64 for numeric columns.
func (c *Column) Float(i int) float64 {
	if c.Kind == KindInt {
		return float64(c.Ints[i])
	}
	return c.Floats[i]
}

func (c *Column) head(n int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case KindInt:
		out.Ints = append([]int64(nil), c.Ints[:n]...)
	case KindFloat:
		out.Floats = append([]float64(nil), c.Floats[:n]...)
	default:
		out.Strings = append([]string(nil), c.Strings[:n]...)
	}
	return out
}

// Table is a columnar meta table with a fixed row count. Columns keep their
// insertion order.
type Table struct {
	rows  int
	names []string
	cols  map[string]*Column
}

// NewTable creates an empty table of n rows.
func NewTable(n int) *Table {
	return &Table{rows: n, cols: make(map[string]*Column)}
}

// Len returns the row count.
func (t *Table) Len() int { return t.rows }

// Names returns the column names in insertion order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Column returns a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.cols[name]
	return c, ok
}

// Has reports whether the table has a column.
func (t *Table) Has(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// Set adds col or replaces the column of the same name. The column length
// must equal the table row count.
func (t *Table) Set(col *Column) error {
	if col.Len() != t.rows {
		return &core.SizeMismatchError{What: fmt.Sprintf("column %s length", col.Name), Want: t.rows, Got: col.Len()}
	}
	if _, ok := t.cols[col.Name]; !ok {
		t.names = append(t.names, col.Name)
	}
	t.cols[col.Name] = col
	return nil
}

// SetInts sets an integer column.
func (t *Table) SetInts(name string, v []int64) error {
	return t.Set(&Column{Name: name, Kind: KindInt, Ints: v})
}

// SetFloats sets a float column.
func (t *Table) SetFloats(name string, v []float64) error {
	return t.Set(&Column{Name: name, Kind: KindFloat, Floats: v})
}

// SetStrings sets a string column.
func (t *Table) SetStrings(name string, v []string) error {
	return t.Set(&Column{Name: name, Kind: KindString, Strings: v})
}

// FillStrings sets a string column holding the same value in every row.
func (t *Table) FillStrings(name, value string) error {
	v := make([]string, t.rows)
	for i := range v {
		v[i] = value
	}
	return t.SetStrings(name, v)
}

// FillFloats sets a float column holding the same value in every row.
func (t *Table) FillFloats(name string, value float64) error {
	v := make([]float64, t.rows)
	for i := range v {
		v[i] = value
	}
	return t.SetFloats(name, v)
}

// Drop removes a column if present.
func (t *Table) Drop(name string) {
	if _, ok := t.cols[name]; !ok {
		return
	}
	delete(t.cols, name)
	for i, n := range t.names {
		if n == name {
			t.names = append(t.names[:i], t.names[i+1:]...)
			break
		}
	}
}

// Head returns a copy of the first n rows. n larger than the table is clamped.
func (t *Table) Head(n int) *Table {
	if n > t.rows || n < 0 {
		n = t.rows
	}
	out := NewTable(n)
	for _, name := range t.names {
		out.names = append(out.names, name)
		out.cols[name] = t.cols[name].head(n)
	}
	return out
}

// Positions returns the RA/DEC columns as positions.
func (t *Table) Positions() ([]core.Position, error) {
	ra, ok := t.cols[ColRA]
	if !ok || (ra.Kind != KindFloat && ra.Kind != KindInt) {
		return nil, fmt.Errorf("meta table: %s column missing or not numeric", ColRA)
	}
	dec, ok := t.cols[ColDec]
	if !ok || (dec.Kind != KindFloat && dec.Kind != KindInt) {
		return nil, fmt.Errorf("meta table: %s column missing or not numeric", ColDec)
	}
	out := make([]core.Position, t.rows)
	for i := range out {
		out[i] = core.Position{RA: ra.Float(i), Dec: dec.Float(i)}
	}
	return out, nil
}
