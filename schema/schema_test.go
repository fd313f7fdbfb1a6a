package schema

import (
	"errors"
	"testing"

	"github.com/INLOpen/skyarchive/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instrumentSet map[string]bool

func (s instrumentSet) Has(name string) bool { return s[name] }

var knownInstruments = instrumentSet{"HIRES": true, "ESI": true, "COS": true}

func validRecords() []core.SurveyRecord {
	return []core.SurveyRecord{
		{GlobalID: 10, SurveyID: 0, RA: 10.5, Dec: -2.25, Epoch: 2000, Zem: 2.1, FlagZem: "SDSS", Instrument: "HIRES", Telescope: "Keck-I", Grating: "BOTH", DateObs: "2004-11-03", R: 48000, NPix: 50, WvMin: 3000, WvMax: 3049, SpecFile: "a.fits"},
		{GlobalID: 11, SurveyID: 1, RA: 11.5, Dec: 3.5, Epoch: 2000, Zem: 3.0, FlagZem: "SDSS", Instrument: "ESI", Telescope: "Keck-II", Grating: "ECH", DateObs: "1999-9-9", R: 5400, NPix: 100, WvMin: 4000, WvMax: 4099, SpecFile: "b.fits"},
		{GlobalID: 12, SurveyID: 2, RA: 12.5, Dec: 60, Epoch: 2000, Zem: 0.2, FlagZem: "SDSS", Instrument: "COS", Telescope: "HST", Grating: "G130M/G160M", DateObs: "2011-02-14T05:06:07.5", R: 20000, NPix: 30, WvMin: 1150, WvMax: 1179, SpecFile: "c.fits"},
	}
}

func TestValidate_Pass(t *testing.T) {
	report := Validate(FromRecords(validRecords()), knownInstruments)
	assert.True(t, report.OK(), "violations: %v", report.Violations)
	assert.NoError(t, report.Err())
	assert.Empty(t, report.Normalized)
}

func TestValidate_EachMissingColumnReported(t *testing.T) {
	for _, name := range RequiredColumns() {
		t.Run(name, func(t *testing.T) {
			table := FromRecords(validRecords())
			table.Drop(name)

			report := Validate(table, knownInstruments)
			require.False(t, report.OK())
			require.Len(t, report.Violations, 1, "violations: %v", report.Violations)
			v := report.Violations[0]
			assert.Equal(t, name, v.Column)
			assert.Equal(t, -1, v.Row)
			assert.Contains(t, v.Message, "missing required column")

			err := report.Err()
			assert.True(t, core.IsSchemaViolation(err))
		})
	}
}

func TestValidate_AllMissingColumnsReported(t *testing.T) {
	table := FromRecords(validRecords())
	table.Drop(ColRA)
	table.Drop(ColTelescope)
	table.Drop(ColSigZem) // optional

	report := Validate(table, knownInstruments)
	var cols []string
	for _, v := range report.Violations {
		cols = append(cols, v.Column)
	}
	assert.Equal(t, []string{ColRA, ColTelescope}, cols)
}

func TestValidate_Kinds(t *testing.T) {
	table := FromRecords(validRecords())
	require.NoError(t, table.SetStrings(ColNPix, []string{"50", "100", "30"}))
	// Integer values in a float column are accepted.
	require.NoError(t, table.SetInts(ColR, []int64{48000, 5400, 20000}))

	report := Validate(table, knownInstruments)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ColNPix, report.Violations[0].Column)
	assert.Contains(t, report.Violations[0].Message, "kind string, want int")
}

func TestValidate_BadDate(t *testing.T) {
	table := FromRecords(validRecords())
	col, _ := table.Column(ColDateObs)
	col.Strings[1] = "09/09/1999"

	report := Validate(table, knownInstruments)
	require.False(t, report.OK())
	require.Len(t, report.Violations, 1)
	assert.Equal(t, core.Violation{Column: ColDateObs, Row: 1, Message: `unparseable date "09/09/1999"`}, report.Violations[0])
}

func TestValidate_UnknownInstrument(t *testing.T) {
	table := FromRecords(validRecords())
	col, _ := table.Column(ColInstrument)
	col.Strings[2] = "NIRSPEC"

	report := Validate(table, knownInstruments)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ColInstrument, report.Violations[0].Column)
	assert.Equal(t, 2, report.Violations[0].Row)

	// A nil set knows no instruments.
	assert.False(t, Validate(FromRecords(validRecords()), nil).OK())
}

func TestValidate_RowViolationsCapped(t *testing.T) {
	n := maxRowViolations + 5
	recs := make([]core.SurveyRecord, n)
	for i := range recs {
		recs[i] = validRecords()[0]
		recs[i].DateObs = "never"
	}
	report := Validate(FromRecords(recs), knownInstruments)
	require.Len(t, report.Violations, maxRowViolations+1)
	last := report.Violations[maxRowViolations]
	assert.Equal(t, -1, last.Row)
	assert.Equal(t, "5 more rows rejected", last.Message)
}

func TestValidate_NormalizesText(t *testing.T) {
	table := FromRecords(validRecords())
	col, _ := table.Column(ColTelescope)
	col.Strings[0] = "Télescope Bernard Lyot"
	files, _ := table.Column(ColSpecFile)
	files.Strings[1] = "spec_Ω.fits"

	report := Validate(table, knownInstruments)
	require.True(t, report.OK())
	assert.ElementsMatch(t, []string{ColTelescope, ColSpecFile}, report.Normalized)
	assert.Equal(t, "Telescope Bernard Lyot", col.Strings[0])
	assert.Equal(t, "spec_?.fits", files.Strings[1])
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2004-11-03", "1999-9-9", " 2011-02-14T05:06:07 ", "2011-02-14 05:06:07.25"} {
		_, err := ParseDate(s)
		assert.NoError(t, err, s)
	}
	for _, s := range []string{"", "2004/11/03", "2004-13-01", "yesterday"} {
		_, err := ParseDate(s)
		assert.Error(t, err, s)
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	in := validRecords()
	out, err := FromRecords(in).Records()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	table := FromRecords(in)
	table.Drop(ColGlobalID)
	_, err = table.Records()
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	table := NewTable(3)
	err := table.SetFloats(ColRA, []float64{1, 2})
	var sizeErr *core.SizeMismatchError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, 3, sizeErr.Want)

	require.NoError(t, table.SetFloats(ColRA, []float64{1, 2, 3}))
	require.NoError(t, table.SetInts(ColDec, []int64{-1, 0, 1}))
	require.NoError(t, table.FillStrings(ColInstrument, "HIRES"))
	require.NoError(t, table.FillFloats(ColEpoch, 2000))
	assert.Equal(t, []string{ColRA, ColDec, ColInstrument, ColEpoch}, table.Names())

	pos, err := table.Positions()
	require.NoError(t, err)
	assert.Equal(t, core.Position{RA: 3, Dec: 1}, pos[2])

	head := table.Head(2)
	assert.Equal(t, 2, head.Len())
	assert.Equal(t, 3, table.Head(10).Len())
	hc, _ := head.Column(ColRA)
	hc.Floats[0] = 99
	orig, _ := table.Column(ColRA)
	assert.Equal(t, 1.0, orig.Floats[0], "Head must copy")

	table.Drop(ColDec)
	table.Drop("nope")
	assert.Equal(t, []string{ColRA, ColInstrument, ColEpoch}, table.Names())
	_, err = table.Positions()
	assert.Error(t, err)
}
