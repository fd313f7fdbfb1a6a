package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Position is a sky position in degrees (ICRS, epoch 2000).
type Position struct {
	RA  float64
	Dec float64
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %+.6f)", p.RA, p.Dec)
}

// Spectrum is one measurement triplet at its natural length.
type Spectrum struct {
	Wave []float64
	Flux []float32
	Sig  []float32
}

// NPix returns the true pixel count of the spectrum.
func (s *Spectrum) NPix() int {
	return len(s.Wave)
}

// CheckLengths verifies that all three channels have the same length.
func (s *Spectrum) CheckLengths() error {
	if len(s.Flux) != len(s.Wave) {
		return &SizeMismatchError{What: "flux channel length", Want: len(s.Wave), Got: len(s.Flux)}
	}
	if len(s.Sig) != len(s.Wave) {
		return &SizeMismatchError{What: "noise channel length", Want: len(s.Wave), Got: len(s.Sig)}
	}
	return nil
}

// Header is a FITS-header-like set of keyword/value pairs.
type Header map[string]string

// Get returns the whitespace-trimmed value of a keyword.
func (h Header) Get(key string) (string, bool) {
	v, ok := h[key]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Reference is one literature reference attached to a survey's meta table.
type Reference struct {
	URL string `json:"url" yaml:"url"`
	Bib string `json:"bib" yaml:"bib"`
}

// EncodeReferences serializes a reference list for the meta-table attribute.
func EncodeReferences(refs []Reference) (string, error) {
	if refs == nil {
		refs = []Reference{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("failed to encode references: %w", err)
	}
	return string(b), nil
}

// DecodeReferences parses the meta-table reference attribute.
func DecodeReferences(s string) ([]Reference, error) {
	if s == "" {
		return nil, nil
	}
	var refs []Reference
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil, fmt.Errorf("failed to decode references: %w", err)
	}
	return refs, nil
}

// SurveyRecord is one row of a survey's meta table.
type SurveyRecord struct {
	GlobalID   int64   `parquet:"IGM_ID"`
	SurveyID   int64   `parquet:"SURVEY_ID"`
	RA         float64 `parquet:"RA"`
	Dec        float64 `parquet:"DEC"`
	Epoch      float64 `parquet:"EPOCH"`
	Zem        float64 `parquet:"zem"`
	SigZem     float64 `parquet:"sig_zem"`
	FlagZem    string  `parquet:"flag_zem"`
	Instrument string  `parquet:"INSTR"`
	Telescope  string  `parquet:"TELESCOPE"`
	Grating    string  `parquet:"GRATING"`
	DateObs    string  `parquet:"DATE-OBS"`
	R          float64 `parquet:"R"`
	NPix       int64   `parquet:"NPIX"`
	WvMin      float64 `parquet:"WV_MIN"`
	WvMax      float64 `parquet:"WV_MAX"`
	SpecFile   string  `parquet:"SPEC_FILE"`
}

// Position returns the record's sky position.
func (r *SurveyRecord) Position() Position {
	return Position{RA: r.RA, Dec: r.Dec}
}

// CatalogEntry is one row of the master catalog.
type CatalogEntry struct {
	GlobalID   int64   `parquet:"IGM_ID"`
	RA         float64 `parquet:"RA"`
	Dec        float64 `parquet:"DEC"`
	Zem        float64 `parquet:"zem"`
	SigZem     float64 `parquet:"sig_zem"`
	FlagZem    string  `parquet:"flag_zem"`
	SType      string  `parquet:"STYPE"`
	Membership uint64  `parquet:"flag_survey"`
}

// Position returns the entry's sky position.
func (e *CatalogEntry) Position() Position {
	return Position{RA: e.RA, Dec: e.Dec}
}

// CatalogCandidate is a unique source a survey proposes for the master catalog.
type CatalogCandidate struct {
	Position
	Zem     float64
	SigZem  float64
	FlagZem string
	SType   string
}
