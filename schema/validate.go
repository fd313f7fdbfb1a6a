package schema

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/INLOpen/skyarchive/core"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DateLayouts are the accepted DATE-OBS layouts, tried in order. Month and
// day may be written without zero padding.
var DateLayouts = []string{
	"2006-1-2",
	"2006-1-2T15:04:05",
	"2006-1-2 15:04:05",
}

// maxRowViolations caps the per-check row violations kept in a report.
const maxRowViolations = 20

// InstrumentSet is the set of instruments a meta table may reference.
type InstrumentSet interface {
	Has(name string) bool
}

// Report is the outcome of Validate.
type Report struct {
	Violations []core.Violation
	// Normalized lists the string columns rewritten to ASCII.
	Normalized []string
}

// OK reports whether the table passed validation.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Err returns a *core.SchemaError listing every violation, or nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return &core.SchemaError{Violations: r.Violations}
}

func (r *Report) add(column string, row int, format string, args ...any) {
	r.Violations = append(r.Violations, core.Violation{Column: column, Row: row, Message: fmt.Sprintf(format, args...)})
}

// rowViolations collects row-level violations of one check, keeping at most
// maxRowViolations of them.
type rowViolations struct {
	report *Report
	column string
	n      int
}

func (v *rowViolations) add(row int, format string, args ...any) {
	v.n++
	if v.n <= maxRowViolations {
		v.report.add(v.column, row, format, args...)
	}
}

func (v *rowViolations) close() {
	if v.n > maxRowViolations {
		v.report.add(v.column, -1, "%d more rows rejected", v.n-maxRowViolations)
	}
}

// ParseDate parses a DATE-OBS value with the accepted layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range DateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Validate checks a meta table against MetaSchema:
//   - every required column is present with its declared kind (all misses are reported),
//   - every DATE-OBS value parses,
//   - every INSTR value is a known instrument,
//   - non-ASCII text in string columns is rewritten to ASCII in place.
//
// The table must not be written unless the returned report is OK.
func Validate(t *Table, instruments InstrumentSet) *Report {
	report := &Report{}

	for _, f := range MetaSchema {
		col, ok := t.Column(f.Name)
		if !ok {
			if f.Required {
				report.add(f.Name, -1, "missing required column")
			}
			continue
		}
		if !f.Kind.accepts(col.Kind) {
			report.add(f.Name, -1, "column has kind %s, want %s", col.Kind, f.Kind)
		}
	}

	if col, ok := t.Column(ColDateObs); ok && col.Kind == KindString {
		bad := &rowViolations{report: report, column: ColDateObs}
		for i, v := range col.Strings {
			if _, err := ParseDate(v); err != nil {
				bad.add(i, "unparseable date %q", v)
			}
		}
		bad.close()
	}

	if col, ok := t.Column(ColInstrument); ok && col.Kind == KindString {
		bad := &rowViolations{report: report, column: ColInstrument}
		for i, v := range col.Strings {
			if instruments == nil || !instruments.Has(strings.TrimSpace(v)) {
				bad.add(i, "unknown instrument %q", v)
			}
		}
		bad.close()
	}

	report.Normalized = normalizeText(t)
	return report
}

// asciiTransformer decomposes, drops combining marks and replaces anything
// left outside ASCII with '?'.
func asciiTransformer() transform.Transformer {
	return transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return '?'
			}
			return r
		}),
	)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// normalizeText rewrites non-ASCII values of every string column in place
// and returns the names of the columns that changed.
func normalizeText(t *Table) []string {
	var changed []string
	tr := asciiTransformer()
	for _, name := range t.Names() {
		col, _ := t.Column(name)
		if col.Kind != KindString {
			continue
		}
		touched := false
		for i, v := range col.Strings {
			if isASCII(v) {
				continue
			}
			out, _, err := transform.String(tr, v)
			if err != nil {
				out = strings.Map(func(r rune) rune {
					if r > unicode.MaxASCII {
						return '?'
					}
					return r
				}, v)
			}
			col.Strings[i] = out
			touched = true
		}
		if touched {
			changed = append(changed, name)
		}
	}
	return changed
}
