package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/skyarchive/hooks"
)

// CatalogGrowthListener logs how every survey changed the master catalog.
type CatalogGrowthListener struct {
	logger *slog.Logger
}

// NewCatalogGrowthListener creates a new listener for catalog extension events.
func NewCatalogGrowthListener(logger *slog.Logger) *CatalogGrowthListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CatalogGrowthListener{
		logger: logger.With("component", "CatalogGrowthListener"),
	}
}

// OnEvent handles the OnCatalogExtend event.
func (l *CatalogGrowthListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnCatalogExtend {
		return nil
	}
	payload, ok := event.Payload().(hooks.CatalogExtendPayload)
	if !ok {
		l.logger.Error("Received OnCatalogExtend event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	l.logger.Info("Master catalog extended",
		"survey", payload.Survey,
		"added", payload.Added,
		"joined", payload.Joined,
		"size", payload.Size,
	)
	return nil
}

func (l *CatalogGrowthListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *CatalogGrowthListener) IsAsync() bool { return true }
