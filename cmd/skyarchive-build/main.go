package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/skyarchive/archive"
	"github.com/INLOpen/skyarchive/config"
	"github.com/INLOpen/skyarchive/hooks"
	"github.com/INLOpen/skyarchive/hooks/listeners"
	"github.com/INLOpen/skyarchive/ingest"
	"github.com/INLOpen/skyarchive/ingest/tabular"
	"github.com/INLOpen/skyarchive/match"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates the TracerProvider of the build. With tracing
// disabled spans are recorded but never exported.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("skyarchive-build")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// preflight logs the resources available to the build and fills in the
// worker count when the config leaves it unset.
func preflight(cfg *config.Config, logger *slog.Logger) {
	if cfg.Build.Workers <= 0 {
		if n, err := cpu.Counts(true); err == nil && n > 0 {
			cfg.Build.Workers = n
		} else {
			cfg.Build.Workers = 1
		}
	}

	dir := cfg.Archive.Path
	for {
		if _, err := os.Stat(dir); err == nil || dir == filepath.Dir(dir) {
			break
		}
		dir = filepath.Dir(dir)
	}
	if du, err := disk.Usage(dir); err == nil {
		logger.Info("Archive disk", "path", dir, "free_bytes", du.Free, "used_percent", du.UsedPercent)
		if du.UsedPercent > 95 {
			logger.Warn("Archive disk is almost full", "path", dir, "used_percent", du.UsedPercent)
		}
	} else {
		logger.Warn("Failed to read disk usage", "path", dir, "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		logger.Info("System memory", "available_bytes", vm.Available, "used_percent", vm.UsedPercent, "workers", cfg.Build.Workers)
	}
}

type buildFlags struct {
	configPath string
	version    string
	archive    string
	test       bool
	checkMeta  bool
	surveys    string
}

// testArchivePath keeps test builds away from the real archive.
func testArchivePath(path string) string {
	return strings.TrimSuffix(path, string(filepath.Separator)) + "-test"
}

// splitList parses a comma separated flag value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run builds one archive version and writes the survey report to stdout.
// It returns an error when the build could not run or any survey failed.
func run(ctx context.Context, f buildFlags, stdout io.Writer, logger *slog.Logger, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	version, versionName, err := cfg.Version(f.version)
	if err != nil {
		return err
	}
	root := cfg.Archive.Path
	if f.archive != "" {
		root = f.archive
	}
	if f.test {
		root = testArchivePath(root)
	}
	cfg.Archive.Path = root
	preflight(cfg, logger)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	hm := hooks.NewHookManager(logger)
	report := listeners.NewBuildReport(logger)
	report.Register(hm)
	hm.Register(hooks.EventPreIngestSurvey, listeners.NewSurveyFilterListener(logger, splitList(f.surveys), nil))
	hm.Register(hooks.EventPostEncodeSpectra, listeners.NewWidthHeadroomListener(logger, listeners.DefaultHeadroomFraction, nil))
	hm.Register(hooks.EventOnCatalogExtend, listeners.NewCatalogGrowthListener(logger))

	arch, err := archive.OpenForBuild(root, archive.Options{
		Version:        versionName,
		Compression:    cfg.Archive.Compression,
		RowsPerChunk:   cfg.Archive.RowsPerChunk,
		JoinRadius:     match.Arcsec(cfg.Build.CatalogJoinRadiusArcsec),
		LockRetries:    cfg.Archive.LockRetries,
		LockRetryDelay: config.ParseDuration(cfg.Archive.LockRetryDelay, 200*time.Millisecond, logger),
		Logger:         logger,
		Tracer:         tp.Tracer("skyarchive/archive"),
		HookManager:    hm,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := arch.Close(); err != nil {
			logger.Error("Failed to close archive", "error", err)
		}
	}()

	plans := make([]ingest.Plan, 0, len(version.Surveys))
	for _, s := range version.Surveys {
		src, err := tabular.New(s, cfg.Build.RawDataRoot, logger)
		if err != nil {
			return err
		}
		plans = append(plans, ingest.Plan{Source: src, MaxWidth: s.MaxWidth})
	}

	opts := ingest.Options{
		Archive:     arch,
		Tolerance:   match.Arcsec(cfg.Build.MatchToleranceArcsec),
		Workers:     cfg.Build.Workers,
		CheckMeta:   f.checkMeta,
		Version:     versionName,
		Logger:      logger,
		Tracer:      tp.Tracer("skyarchive/ingest"),
		HookManager: hm,
	}
	if f.test {
		opts.TestRecords = cfg.Build.TestRecords
	}
	asm, err := ingest.New(opts)
	if err != nil {
		return err
	}

	logger.Info("Starting build", "version", versionName, "archive", root, "surveys", len(plans), "test", f.test, "check_meta", f.checkMeta)
	_, buildErr := asm.Build(ctx, plans)
	hm.Stop()

	if _, err := report.WriteTo(stdout); err != nil {
		logger.Error("Failed to write build report", "error", err)
	}
	if buildErr != nil {
		return buildErr
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d survey(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func main() {
	var f buildFlags
	flag.StringVar(&f.configPath, "config", "config.yaml", "Path to the configuration file")
	flag.StringVar(&f.version, "version", "", "Archive version to build (default from config)")
	flag.StringVar(&f.archive, "archive", "", "Archive directory (overrides archive.path)")
	flag.BoolVar(&f.test, "test", false, "Test build: keep a few records per survey and write to <archive>-test")
	flag.BoolVar(&f.checkMeta, "check-meta", false, "Validate every survey without committing it")
	flag.StringVar(&f.surveys, "surveys", "", "Comma separated list of surveys to build (default all)")
	flag.Parse()

	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", f.configPath, "error", err)
		os.Exit(1)
	}
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, os.Stdout, logger, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Build interrupted")
		}
		logger.Error("Build failed", "error", err)
		stop()
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
	logger.Info("Build finished")
}
