package listeners

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/INLOpen/skyarchive/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReport(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	report := NewBuildReport(nil)
	report.Register(manager)
	ctx := context.Background()

	require.NoError(t, manager.Trigger(ctx, hooks.NewPostIngestSurveyEvent(hooks.SurveyResultPayload{
		Survey: "KODIAQ_DR1", State: "COMMITTED", Committed: true, Records: 3, Sources: 3, MaxNPix: 100, MaxWidth: 100,
	})))
	assert.True(t, report.OK())

	require.NoError(t, manager.Trigger(ctx, hooks.NewPostIngestSurveyEvent(hooks.SurveyResultPayload{
		Survey: "HD-LLS_DR1", State: "SPECTRA_ENCODED", Error: errors.New("record 2 has 101 pixels"),
	})))
	require.NoError(t, manager.Trigger(ctx, hooks.NewPostBuildEvent(hooks.PostBuildPayload{Version: "v01"})))

	assert.False(t, report.OK())
	assert.Equal(t, []string{"HD-LLS_DR1"}, report.Failed())
	require.Len(t, report.Results(), 2)

	var buf bytes.Buffer
	n, err := report.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	out := buf.String()
	assert.Contains(t, out, "KODIAQ_DR1")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "record 2 has 101 pixels")
}

func TestBuildReport_CheckedIsNotFailure(t *testing.T) {
	report := NewBuildReport(nil)
	require.NoError(t, report.OnEvent(context.Background(), hooks.NewPostIngestSurveyEvent(hooks.SurveyResultPayload{
		Survey: "KODIAQ_DR1", State: "META_VALIDATED", Records: 3,
	})))
	assert.True(t, report.OK())
	assert.Empty(t, report.Failed())

	var buf bytes.Buffer
	_, err := report.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "CHECKED")
}

func TestBuildReport_StoppedBuildIsNotOK(t *testing.T) {
	report := NewBuildReport(nil)
	require.NoError(t, report.OnEvent(context.Background(), hooks.NewPostBuildEvent(hooks.PostBuildPayload{Error: errors.New("disk full")})))
	assert.False(t, report.OK())

	var buf bytes.Buffer
	_, err := report.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "build stopped: disk full")
}
