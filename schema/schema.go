// Package schema declares the column contract of a survey meta table and
// validates tables against it before they may be written to the archive.
package schema

// Kind is the storage kind of a column.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// accepts reports whether a column stored as got satisfies a field declared as k.
// Integer columns are promoted to float where a float is declared.
func (k Kind) accepts(got Kind) bool {
	return k == got || (k == KindFloat && got == KindInt)
}

// Column names as persisted in meta tables.
const (
	ColGlobalID   = "IGM_ID"
	ColRA         = "RA"
	ColDec        = "DEC"
	ColEpoch      = "EPOCH"
	ColZem        = "zem"
	ColSigZem     = "sig_zem"
	ColFlagZem    = "flag_zem"
	ColR          = "R"
	ColWvMin      = "WV_MIN"
	ColWvMax      = "WV_MAX"
	ColDateObs    = "DATE-OBS"
	ColSurveyID   = "SURVEY_ID"
	ColNPix       = "NPIX"
	ColSpecFile   = "SPEC_FILE"
	ColInstrument = "INSTR"
	ColGrating    = "GRATING"
	ColTelescope  = "TELESCOPE"
)

// Field is one declared column.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// MetaSchema is the ordered column list of a survey meta table.
var MetaSchema = []Field{
	{ColGlobalID, KindInt, true},
	{ColRA, KindFloat, true},
	{ColDec, KindFloat, true},
	{ColEpoch, KindFloat, true},
	{ColZem, KindFloat, true},
	{ColSigZem, KindFloat, false},
	{ColFlagZem, KindString, false},
	{ColR, KindFloat, true},
	{ColWvMin, KindFloat, true},
	{ColWvMax, KindFloat, true},
	{ColDateObs, KindString, true},
	{ColSurveyID, KindInt, true},
	{ColNPix, KindInt, true},
	{ColSpecFile, KindString, true},
	{ColInstrument, KindString, true},
	{ColGrating, KindString, true},
	{ColTelescope, KindString, true},
}

// RequiredColumns returns the names of the required fields in schema order.
func RequiredColumns() []string {
	out := make([]string, 0, len(MetaSchema))
	for _, f := range MetaSchema {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Lookup returns the declared field for a column name.
func Lookup(name string) (Field, bool) {
	for _, f := range MetaSchema {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
