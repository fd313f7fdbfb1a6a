// Package testutil holds in-memory survey fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/schema"
)

// Spectrum returns a spectrum of npix pixels with wavelengths start,
// start+1, ... and a flux ramp.
func Spectrum(npix int, start float64) core.Spectrum {
	s := core.Spectrum{Wave: make([]float64, npix), Flux: make([]float32, npix), Sig: make([]float32, npix)}
	for i := range s.Wave {
		s.Wave[i] = start + float64(i)
		s.Flux[i] = 1 + float32(i)/float32(npix)
		s.Sig[i] = 0.05
	}
	return s
}

// ESIHeader is a raw ESI header with a 0.75 arcsec slit (R=5400).
func ESIHeader() core.Header {
	return core.Header{"CURRINST": "ESI", "SLMSKNAM": "0.75_arcsec"}
}

// Survey is an in-memory survey source.
type Survey struct {
	SurveyName string
	Refs       []core.Reference
	Subset     []core.CatalogCandidate
	Meta       *schema.Table
	Spectra    []core.Spectrum
	Headers    []core.Header
	// ReadErrs fails ReadSpectrum for the given meta rows.
	ReadErrs map[int]error

	mu    sync.Mutex
	reads int
}

// NewSurvey builds a survey with one unique source and one spectrum per
// position. Spectrum i has npix[i] pixels starting at 3000+i Angstrom and an
// ESI header; the meta table leaves the columns the assembler derives unset.
func NewSurvey(name string, positions []core.Position, npix []int) *Survey {
	n := len(positions)
	s := &Survey{
		SurveyName: name,
		Refs:       []core.Reference{{URL: "http://example.org/" + name, Bib: name}},
		Subset:     make([]core.CatalogCandidate, n),
		Spectra:    make([]core.Spectrum, n),
		Headers:    make([]core.Header, n),
	}
	ra, dec := make([]float64, n), make([]float64, n)
	zem := make([]float64, n)
	files := make([]string, n)
	for i, pos := range positions {
		s.Subset[i] = core.CatalogCandidate{Position: pos, Zem: 2 + float64(i)/10, FlagZem: name, SType: "QSO"}
		s.Spectra[i] = Spectrum(npix[i], 3000+float64(i))
		s.Headers[i] = ESIHeader()
		ra[i], dec[i] = pos.RA, pos.Dec
		zem[i] = s.Subset[i].Zem
		files[i] = fmt.Sprintf("%s_%03d.fits", name, i)
	}

	t := schema.NewTable(n)
	mustSet(t.SetFloats(schema.ColRA, ra))
	mustSet(t.SetFloats(schema.ColDec, dec))
	mustSet(t.FillFloats(schema.ColEpoch, 2000))
	mustSet(t.SetFloats(schema.ColZem, zem))
	mustSet(t.FillFloats(schema.ColSigZem, 0))
	mustSet(t.FillStrings(schema.ColFlagZem, name))
	mustSet(t.FillStrings(schema.ColDateObs, "2011-5-9"))
	mustSet(t.SetStrings(schema.ColSpecFile, files))
	mustSet(t.FillStrings(schema.ColInstrument, "ESI"))
	mustSet(t.FillStrings(schema.ColGrating, "ECH"))
	mustSet(t.FillStrings(schema.ColTelescope, "Keck-II"))
	s.Meta = t
	return s
}

func mustSet(err error) {
	if err != nil {
		panic(err)
	}
}

func (s *Survey) Name() string                 { return s.SurveyName }
func (s *Survey) References() []core.Reference { return s.Refs }

func (s *Survey) BuildSubset(ctx context.Context) ([]core.CatalogCandidate, error) {
	return append([]core.CatalogCandidate(nil), s.Subset...), nil
}

// Metadata returns a copy of Meta so every ingestion starts from the raw table.
func (s *Survey) Metadata(ctx context.Context) (*schema.Table, error) {
	return s.Meta.Head(s.Meta.Len()), nil
}

func (s *Survey) ReadSpectrum(ctx context.Context, i int) (core.Spectrum, core.Header, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	if err := s.ReadErrs[i]; err != nil {
		return core.Spectrum{}, nil, err
	}
	if i < 0 || i >= len(s.Spectra) {
		return core.Spectrum{}, nil, fmt.Errorf("spectrum %d out of range [0, %d)", i, len(s.Spectra))
	}
	return s.Spectra[i], s.Headers[i], nil
}

// Reads returns the number of ReadSpectrum calls.
func (s *Survey) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
