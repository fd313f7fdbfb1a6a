package schema

import (
	"fmt"

	"github.com/INLOpen/skyarchive/core"
)

// Records converts a validated table into survey records in row order.
// Optional columns that are absent leave their field at the zero value.
func (t *Table) Records() ([]core.SurveyRecord, error) {
	for _, name := range RequiredColumns() {
		if !t.Has(name) {
			return nil, fmt.Errorf("meta table: missing required column %s", name)
		}
	}
	ints := func(name string) func(int) int64 {
		col, ok := t.cols[name]
		if !ok {
			return func(int) int64 { return 0 }
		}
		return func(i int) int64 { return col.Ints[i] }
	}
	floats := func(name string) func(int) float64 {
		col, ok := t.cols[name]
		if !ok {
			return func(int) float64 { return 0 }
		}
		return col.Float
	}
	strs := func(name string) func(int) string {
		col, ok := t.cols[name]
		if !ok || col.Kind != KindString {
			return func(int) string { return "" }
		}
		return func(i int) string { return col.Strings[i] }
	}
	for _, f := range MetaSchema {
		if col, ok := t.cols[f.Name]; ok && !f.Kind.accepts(col.Kind) {
			return nil, fmt.Errorf("meta table: column %s has kind %s, want %s", f.Name, col.Kind, f.Kind)
		}
	}

	var (
		gid, sid, npix                  = ints(ColGlobalID), ints(ColSurveyID), ints(ColNPix)
		ra, dec, epoch, zem, sigZem, R  = floats(ColRA), floats(ColDec), floats(ColEpoch), floats(ColZem), floats(ColSigZem), floats(ColR)
		wvMin, wvMax                    = floats(ColWvMin), floats(ColWvMax)
		flagZem, instr, tel, grat, date = strs(ColFlagZem), strs(ColInstrument), strs(ColTelescope), strs(ColGrating), strs(ColDateObs)
		specFile                        = strs(ColSpecFile)
	)

	out := make([]core.SurveyRecord, t.rows)
	for i := range out {
		out[i] = core.SurveyRecord{
			GlobalID:   gid(i),
			SurveyID:   sid(i),
			RA:         ra(i),
			Dec:        dec(i),
			Epoch:      epoch(i),
			Zem:        zem(i),
			SigZem:     sigZem(i),
			FlagZem:    flagZem(i),
			Instrument: instr(i),
			Telescope:  tel(i),
			Grating:    grat(i),
			DateObs:    date(i),
			R:          R(i),
			NPix:       npix(i),
			WvMin:      wvMin(i),
			WvMax:      wvMax(i),
			SpecFile:   specFile(i),
		}
	}
	return out, nil
}

// FromRecords builds a complete meta table from records.
func FromRecords(recs []core.SurveyRecord) *Table {
	n := len(recs)
	t := NewTable(n)
	var (
		gid, sid, npix                         = make([]int64, n), make([]int64, n), make([]int64, n)
		ra, dec, epoch, zem, sigZem, R         = make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
		wvMin, wvMax                           = make([]float64, n), make([]float64, n)
		flagZem, instr, tel, grat, date, files = make([]string, n), make([]string, n), make([]string, n), make([]string, n), make([]string, n), make([]string, n)
	)
	for i, r := range recs {
		gid[i], sid[i], npix[i] = r.GlobalID, r.SurveyID, r.NPix
		ra[i], dec[i], epoch[i], zem[i], sigZem[i], R[i] = r.RA, r.Dec, r.Epoch, r.Zem, r.SigZem, r.R
		wvMin[i], wvMax[i] = r.WvMin, r.WvMax
		flagZem[i], instr[i], tel[i], grat[i], date[i], files[i] = r.FlagZem, r.Instrument, r.Telescope, r.Grating, r.DateObs, r.SpecFile
	}
	// Lengths match by construction.
	_ = t.SetInts(ColGlobalID, gid)
	_ = t.SetFloats(ColRA, ra)
	_ = t.SetFloats(ColDec, dec)
	_ = t.SetFloats(ColEpoch, epoch)
	_ = t.SetFloats(ColZem, zem)
	_ = t.SetFloats(ColSigZem, sigZem)
	_ = t.SetStrings(ColFlagZem, flagZem)
	_ = t.SetFloats(ColR, R)
	_ = t.SetFloats(ColWvMin, wvMin)
	_ = t.SetFloats(ColWvMax, wvMax)
	_ = t.SetStrings(ColDateObs, date)
	_ = t.SetInts(ColSurveyID, sid)
	_ = t.SetInts(ColNPix, npix)
	_ = t.SetStrings(ColSpecFile, files)
	_ = t.SetStrings(ColInstrument, instr)
	_ = t.SetStrings(ColGrating, grat)
	_ = t.SetStrings(ColTelescope, tel)
	return t
}
