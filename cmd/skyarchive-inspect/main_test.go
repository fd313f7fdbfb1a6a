package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/INLOpen/skyarchive/archive"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/ingest"
	"github.com/INLOpen/skyarchive/internal/testutil"
	"github.com/INLOpen/skyarchive/match"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := archive.OpenForBuild(root, archive.Options{Version: "v02", JoinRadius: match.Arcsec(2), Logger: logger})
	require.NoError(t, err)
	asm, err := ingest.New(ingest.Options{Archive: a, Logger: logger})
	require.NoError(t, err)

	shared := core.Position{RA: 150, Dec: 2}
	_, err = asm.Build(context.Background(), []ingest.Plan{
		{Source: testutil.NewSurvey("KODIAQ_DR1", []core.Position{shared, {RA: 151, Dec: 2}}, []int{4, 6}), MaxWidth: 8},
		{Source: testutil.NewSurvey("ESI_DLA", []core.Position{shared}, []int{3}), MaxWidth: 8},
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	return root
}

func TestRun(t *testing.T) {
	root := buildArchive(t)
	exec := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		require.NoError(t, run(append([]string{"-archive", root}, args...), &out, io.Discard))
		return out.String()
	}

	out := exec()
	assert.Contains(t, out, "version v02")
	assert.Contains(t, out, "catalog: 2 sources")
	assert.Contains(t, out, "KODIAQ_DR1")
	assert.Contains(t, out, "ESI_DLA")

	out = exec("-id", "0")
	assert.Contains(t, out, "surveys: [KODIAQ_DR1 ESI_DLA]")
	assert.Contains(t, out, "flag_survey 3")

	out = exec("-ra", "150", "-dec", "2", "-radius", "5")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)

	out = exec("-survey", "KODIAQ_DR1")
	assert.Contains(t, out, "2 records of 2 sources")
	assert.Contains(t, out, "KODIAQ_DR1_001.fits")

	out = exec("-survey", "ESI_DLA", "-row", "0")
	assert.Contains(t, out, "3 pixels")
	assert.Contains(t, out, "3000.0000")

	out = exec("-verify")
	assert.Contains(t, out, "KODIAQ_DR1\tOK")
}

func TestRun_Errors(t *testing.T) {
	assert.ErrorIs(t, run(nil, io.Discard, io.Discard), errUsage)
	assert.Error(t, run([]string{"-archive", t.TempDir()}, io.Discard, io.Discard))

	root := buildArchive(t)
	assert.Error(t, run([]string{"-archive", root, "-id", "99"}, io.Discard, io.Discard))
	assert.ErrorIs(t, run([]string{"-archive", root, "-survey", "NOPE"}, io.Discard, io.Discard), core.ErrUnknownSurvey)
}
