package listeners

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/INLOpen/skyarchive/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWidthHeadroomListener(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	listener := NewWidthHeadroomListener(logger, 0.9, map[string]float64{"ESI": 0.5})

	t.Run("WarnsNearWidth", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostEncodeSpectraEvent(hooks.SpectraEncodedPayload{Survey: "KODIAQ_DR1", Records: 3, MaxNPix: 95, MaxWidth: 100})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Contains(t, logBuf.String(), "close to container width")
		assert.Contains(t, logBuf.String(), `"max_npix":95`)
	})

	t.Run("InfoWithHeadroom", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostEncodeSpectraEvent(hooks.SpectraEncodedPayload{Survey: "KODIAQ_DR1", MaxNPix: 50, MaxWidth: 100})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Contains(t, logBuf.String(), "Max pix")
		assert.NotContains(t, logBuf.String(), "close to container width")
	})

	t.Run("SurveyOverride", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostEncodeSpectraEvent(hooks.SpectraEncodedPayload{Survey: "ESI", MaxNPix: 60, MaxWidth: 100})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Contains(t, logBuf.String(), "close to container width")
	})

	t.Run("IgnoresOtherEvents", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPreBuildEvent(hooks.BuildPayload{})))
		assert.Empty(t, logBuf.String())
	})
}

func TestCatalogGrowthListener(t *testing.T) {
	var logBuf bytes.Buffer
	listener := NewCatalogGrowthListener(slog.New(slog.NewJSONHandler(&logBuf, nil)))
	event := hooks.NewOnCatalogExtendEvent(hooks.CatalogExtendPayload{Survey: "GGG", Added: 4, Joined: 1, Size: 12})
	require.NoError(t, listener.OnEvent(context.Background(), event))
	assert.Contains(t, logBuf.String(), "Master catalog extended")
	assert.Contains(t, logBuf.String(), `"added":4`)
	assert.True(t, listener.IsAsync())
}

func TestSurveyFilterListener(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	manager.Register(hooks.EventPreIngestSurvey, NewSurveyFilterListener(nil, []string{"A", "B"}, []string{"B"}))
	trigger := func(name string) error {
		width := 10
		return manager.Trigger(context.Background(), hooks.NewPreIngestSurveyEvent(hooks.PreIngestSurveyPayload{Survey: name, MaxWidth: &width}))
	}

	assert.NoError(t, trigger("A"))
	assert.True(t, errors.Is(trigger("B"), ErrSurveyFiltered), "deny wins over allow")
	assert.True(t, errors.Is(trigger("C"), ErrSurveyFiltered), "not in allow list")

	open := NewSurveyFilterListener(nil, nil, nil)
	width := 1
	assert.NoError(t, open.OnEvent(context.Background(), hooks.NewPreIngestSurveyEvent(hooks.PreIngestSurveyPayload{Survey: "Z", MaxWidth: &width})))
}
