package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
archive:
  path: "/tmp/igm"
  compression: gzip
build:
  raw_data_root: "/data/raw"
  match_tolerance_arcsec: 0.2
versions:
  v01:
    surveys:
      - name: KODIAQ_DR1
        max_width: 200000
        references:
          - url: http://adsabs.harvard.edu/abs/2015AJ....150..111O
            bib: kodiaq
        source:
          meta_file: KODIAQ/meta.csv
          columns:
            RA: ra_deg
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/tmp/igm", cfg.Archive.Path)
	assert.Equal(t, "gzip", cfg.Archive.Compression)
	assert.Equal(t, "/data/raw", cfg.Build.RawDataRoot)
	assert.InDelta(t, 0.2, cfg.Build.MatchToleranceArcsec, 1e-12)

	// Defaults that were not overridden survive.
	assert.Equal(t, 16, cfg.Archive.RowsPerChunk)
	assert.Equal(t, "v01", cfg.Build.DefaultVersion)

	v, name, err := cfg.Version("")
	require.NoError(t, err)
	assert.Equal(t, "v01", name)
	require.Len(t, v.Surveys, 1)
	s := v.Surveys[0]
	assert.Equal(t, "KODIAQ_DR1", s.Name)
	assert.Equal(t, 200000, s.MaxWidth)
	assert.Equal(t, "kodiaq", s.References[0].Bib)
	assert.Equal(t, "ra_deg", s.Source.Columns["RA"])

	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "zstd", cfg.Archive.Compression)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cfg.Build.MatchToleranceArcsec, 1e-12)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("archive:\n  path: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./skyarchive", cfg.Archive.Path)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("build:\n  workers: 9\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Build.Workers)
}

func TestVersion_Unknown(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.Versions = map[string]VersionConfig{"v01": {}, "v02": {}}
	_, _, err = cfg.Version("v03")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known: v01, v02")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Versions = map[string]VersionConfig{"v01": {Surveys: []SurveyConfig{{Name: "A", MaxWidth: 0}}}}
	assert.ErrorContains(t, cfg.Validate(), "max_width must be positive")

	cfg = base()
	cfg.Versions = map[string]VersionConfig{"v01": {Surveys: []SurveyConfig{{Name: "A", MaxWidth: 1}, {Name: "A", MaxWidth: 1}}}}
	assert.ErrorContains(t, cfg.Validate(), "listed twice")

	cfg = base()
	cfg.Build.MatchToleranceArcsec = 0
	assert.ErrorContains(t, cfg.Validate(), "match_tolerance_arcsec")
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, 200*time.Millisecond, ParseDuration("200ms", time.Second, logger))
	assert.Equal(t, time.Second, ParseDuration("", time.Second, logger))
	assert.Equal(t, time.Second, ParseDuration("soon", time.Second, logger))
}
