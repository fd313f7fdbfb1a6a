package ingest

import (
	"errors"
	"fmt"
)

// State is the progress of one survey through ingestion. Any failure is
// terminal for the survey.
type State int

const (
	StateStart State = iota
	StateMetaBuilt
	StateIDMatched
	StateSpectraEncoded
	StateMetaValidated
	StateCommitted
)

var stateNames = [...]string{
	StateStart:          "START",
	StateMetaBuilt:      "META_BUILT",
	StateIDMatched:      "ID_MATCHED",
	StateSpectraEncoded: "SPECTRA_ENCODED",
	StateMetaValidated:  "META_VALIDATED",
	StateCommitted:      "COMMITTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ErrSurveySkipped is returned for a survey a PreIngestSurvey listener
// declined. Skipped surveys are neither committed nor failed.
var ErrSurveySkipped = errors.New("survey skipped")

// SurveyError is the failure of one survey. State is the last state the
// survey reached; Row is the meta row involved, or -1.
type SurveyError struct {
	Survey string
	State  State
	Row    int
	Err    error
}

func (e *SurveyError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("survey %s failed after %s at row %d: %v", e.Survey, e.State, e.Row, e.Err)
	}
	return fmt.Sprintf("survey %s failed after %s: %v", e.Survey, e.State, e.Err)
}

func (e *SurveyError) Unwrap() error { return e.Err }
