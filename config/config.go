package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ArchiveConfig holds settings for the persisted archive.
type ArchiveConfig struct {
	Path           string `yaml:"path"`
	Compression    string `yaml:"compression"`      // none, snappy, lz4, zstd, gzip
	RowsPerChunk   int    `yaml:"rows_per_chunk"`   // container rows per compressed chunk
	ChunkCacheSize int    `yaml:"chunk_cache_size"` // decoded chunks kept by readers
	LockRetries    int    `yaml:"lock_retries"`
	LockRetryDelay string `yaml:"lock_retry_delay"`
}

// BuildConfig holds settings for an ingestion run.
type BuildConfig struct {
	// RawDataRoot is the directory survey sources resolve their raw files against.
	RawDataRoot             string  `yaml:"raw_data_root"`
	DefaultVersion          string  `yaml:"default_version"`
	MatchToleranceArcsec    float64 `yaml:"match_tolerance_arcsec"`
	CatalogJoinRadiusArcsec float64 `yaml:"catalog_join_radius_arcsec"`
	Workers                 int     `yaml:"workers"`
	TestRecords             int     `yaml:"test_records"` // records per survey kept in -test builds
}

// ColumnMap maps meta-table column names to the CSV header names of a tabular source.
type ColumnMap map[string]string

// SourceConfig describes a configuration-driven tabular survey source.
type SourceConfig struct {
	MetaFile     string            `yaml:"meta_file"`     // relative to raw_data_root
	SpectraDir   string            `yaml:"spectra_dir"`   // relative to raw_data_root
	FileColumn   string            `yaml:"file_column"`   // CSV column holding the spectrum file name
	UniqueColumn string            `yaml:"unique_column"` // CSV column identifying a source, optional
	Columns      ColumnMap         `yaml:"columns"`
	Constants    map[string]string `yaml:"constants"` // column values shared by every record
	Epoch        float64           `yaml:"epoch"`
	SType        string            `yaml:"stype"`
}

// ReferenceConfig is one literature reference of a survey.
type ReferenceConfig struct {
	URL string `yaml:"url"`
	Bib string `yaml:"bib"`
}

// SurveyConfig selects one survey for a build version.
type SurveyConfig struct {
	Name       string            `yaml:"name"`
	MaxWidth   int               `yaml:"max_width"`
	References []ReferenceConfig `yaml:"references"`
	Source     SourceConfig      `yaml:"source"`
}

// VersionConfig is the set of surveys making up one archive version.
type VersionConfig struct {
	Surveys []SurveyConfig `yaml:"surveys"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Archive  ArchiveConfig            `yaml:"archive"`
	Build    BuildConfig              `yaml:"build"`
	Versions map[string]VersionConfig `yaml:"versions"`
	Logging  LoggingConfig            `yaml:"logging"`
	Tracing  TracingConfig            `yaml:"tracing"`
}

// Version returns the survey set of a named version. An empty name selects
// the configured default version.
func (c *Config) Version(name string) (VersionConfig, string, error) {
	if name == "" {
		name = c.Build.DefaultVersion
	}
	v, ok := c.Versions[name]
	if !ok {
		known := make([]string, 0, len(c.Versions))
		for k := range c.Versions {
			known = append(known, k)
		}
		sort.Strings(known)
		return VersionConfig{}, name, fmt.Errorf("unknown version %q (known: %s)", name, strings.Join(known, ", "))
	}
	return v, name, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if c.Archive.Path == "" {
		return fmt.Errorf("archive.path must be set")
	}
	if c.Archive.RowsPerChunk <= 0 {
		return fmt.Errorf("archive.rows_per_chunk must be positive, got %d", c.Archive.RowsPerChunk)
	}
	if c.Build.MatchToleranceArcsec <= 0 {
		return fmt.Errorf("build.match_tolerance_arcsec must be positive, got %g", c.Build.MatchToleranceArcsec)
	}
	for vname, v := range c.Versions {
		seen := make(map[string]bool, len(v.Surveys))
		for _, s := range v.Surveys {
			if s.Name == "" {
				return fmt.Errorf("version %s: survey without name", vname)
			}
			if seen[s.Name] {
				return fmt.Errorf("version %s: survey %s listed twice", vname, s.Name)
			}
			seen[s.Name] = true
			if s.MaxWidth <= 0 {
				return fmt.Errorf("version %s: survey %s: max_width must be positive", vname, s.Name)
			}
		}
	}
	return nil
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Archive: ArchiveConfig{
			Path:           "./skyarchive",
			Compression:    "zstd",
			RowsPerChunk:   16,
			ChunkCacheSize: 8,
			LockRetries:    3,
			LockRetryDelay: "200ms",
		},
		Build: BuildConfig{
			RawDataRoot:             "./raw",
			DefaultVersion:          "v01",
			MatchToleranceArcsec:    0.1,
			CatalogJoinRadiusArcsec: 2.0,
			Workers:                 4,
			TestRecords:             10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "skyarchive-build.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
