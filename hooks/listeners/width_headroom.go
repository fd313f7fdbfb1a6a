package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/skyarchive/hooks"
)

// DefaultHeadroomFraction is the NPIX/width ratio above which a survey is flagged.
const DefaultHeadroomFraction = 0.95

// WidthHeadroomListener logs the largest pixel count of every encoded survey
// and warns when it gets close to the survey's container width, so operators
// can raise max_width before a later data release overflows it.
type WidthHeadroomListener struct {
	logger    *slog.Logger
	fraction  float64
	overrides map[string]float64
}

// NewWidthHeadroomListener creates the listener. overrides maps survey names
// to their own fraction.
func NewWidthHeadroomListener(logger *slog.Logger, fraction float64, overrides map[string]float64) *WidthHeadroomListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultHeadroomFraction
	}
	return &WidthHeadroomListener{
		logger:    logger.With("component", "WidthHeadroomListener"),
		fraction:  fraction,
		overrides: overrides,
	}
}

// OnEvent handles PostEncodeSpectra events.
func (l *WidthHeadroomListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostEncodeSpectra {
		return nil
	}
	p, ok := event.Payload().(hooks.SpectraEncodedPayload)
	if !ok {
		l.logger.Error("Received PostEncodeSpectra event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if p.MaxWidth <= 0 {
		return nil
	}

	fraction := l.fraction
	if f, ok := l.overrides[p.Survey]; ok {
		fraction = f
	}
	used := float64(p.MaxNPix) / float64(p.MaxWidth)
	if used > fraction {
		l.logger.Warn("Survey spectra close to container width",
			"survey", p.Survey,
			"max_npix", p.MaxNPix,
			"max_width", p.MaxWidth,
			"used", used,
			"threshold", fraction,
		)
		return nil
	}
	l.logger.Info("Max pix", "survey", p.Survey, "max_npix", p.MaxNPix, "max_width", p.MaxWidth)
	return nil
}

func (l *WidthHeadroomListener) Priority() int { return 100 }

func (l *WidthHeadroomListener) IsAsync() bool { return false }
