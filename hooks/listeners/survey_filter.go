package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/skyarchive/hooks"
)

// ErrSurveyFiltered is returned by SurveyFilterListener to skip a survey.
var ErrSurveyFiltered = errors.New("survey filtered out")

// SurveyFilterListener cancels PreIngestSurvey for surveys that are not in
// the allow list (when one is set) or that are in the deny list.
type SurveyFilterListener struct {
	logger *slog.Logger
	allow  map[string]bool
	deny   map[string]bool
}

// NewSurveyFilterListener creates a filter. An empty allow list allows every survey.
func NewSurveyFilterListener(logger *slog.Logger, allow, deny []string) *SurveyFilterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &SurveyFilterListener{
		logger: logger.With("component", "SurveyFilterListener"),
		allow:  make(map[string]bool, len(allow)),
		deny:   make(map[string]bool, len(deny)),
	}
	for _, s := range allow {
		l.allow[s] = true
	}
	for _, s := range deny {
		l.deny[s] = true
	}
	return l
}

// OnEvent handles PreIngestSurvey events.
func (l *SurveyFilterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreIngestSurvey {
		return nil
	}
	p, ok := event.Payload().(hooks.PreIngestSurveyPayload)
	if !ok {
		l.logger.Error("Received PreIngestSurvey event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if l.deny[p.Survey] || (len(l.allow) > 0 && !l.allow[p.Survey]) {
		l.logger.Info("Skipping survey", "survey", p.Survey)
		return fmt.Errorf("%w: %s", ErrSurveyFiltered, p.Survey)
	}
	return nil
}

// Priority runs filtering before any other pre-ingest listener.
func (l *SurveyFilterListener) Priority() int { return 1 }

func (l *SurveyFilterListener) IsAsync() bool { return false }
