package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for the ingestion pipeline. Typed errors below unwrap to
// one of these sentinels so callers can use errors.Is.
var (
	ErrSchemaViolation      = errors.New("schema violation")
	ErrUnknownInstrument    = errors.New("unknown instrument")
	ErrUnknownConfiguration = errors.New("unknown instrument configuration")
	ErrMatchTooFar          = errors.New("match exceeds tolerance")
	ErrOversizeRecord       = errors.New("record exceeds container width")
	ErrSizeMismatch         = errors.New("size mismatch")
	ErrIO                   = errors.New("archive i/o failure")

	ErrUnknownSurvey = errors.New("unknown survey")
	ErrSurveyExists  = errors.New("survey already exists in archive")
	ErrArchiveLocked = errors.New("archive is locked by another writer")
	ErrBitTableFull  = errors.New("survey bit table is full")
)

// Violation is a single problem found while validating a meta table.
type Violation struct {
	Column  string
	Row     int // -1 when the violation concerns the whole column
	Message string
}

func (v Violation) String() string {
	if v.Row >= 0 {
		return fmt.Sprintf("%s[%d]: %s", v.Column, v.Row, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Column, v.Message)
}

// SchemaError reports every violation found in a meta table.
type SchemaError struct {
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("schema violation: %s", strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaViolation }

// RegistryError is returned by resolution lookups.
type RegistryError struct {
	Instrument string
	Keyword    string // header keyword holding the configuration element
	Value      string // configuration element value, empty if absent
	Err        error  // ErrUnknownInstrument or ErrUnknownConfiguration
}

func (e *RegistryError) Error() string {
	if errors.Is(e.Err, ErrUnknownInstrument) {
		return fmt.Sprintf("resolution registry: instrument %q: %v", e.Instrument, e.Err)
	}
	return fmt.Sprintf("resolution registry: instrument %q %s=%q: %v (registry needs an entry)", e.Instrument, e.Keyword, e.Value, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// OversizeError is returned when a record has more pixels than the container width.
type OversizeError struct {
	Row      int
	NPix     int
	MaxWidth int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("record %d has %d pixels, container width is %d: raise the survey max_width", e.Row, e.NPix, e.MaxWidth)
}

func (e *OversizeError) Unwrap() error { return ErrOversizeRecord }

// SizeMismatchError reports disagreeing lengths between paired structures.
type SizeMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", e.What, e.Want, e.Got)
}

func (e *SizeMismatchError) Unwrap() error { return ErrSizeMismatch }

// IOError marks an archive open/write failure. These abort the whole build.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// WrapIO wraps err as an IOError, returning nil when err is nil.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func IsSchemaViolation(err error) bool { return errors.Is(err, ErrSchemaViolation) }

func IsMatchTooFar(err error) bool { return errors.Is(err, ErrMatchTooFar) }

func IsOversize(err error) bool { return errors.Is(err, ErrOversizeRecord) }

// IsFatal reports whether err must stop the whole build rather than only the
// current survey.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrArchiveLocked)
}
