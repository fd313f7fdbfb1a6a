// Package archive owns the on-disk archive: the manifest, the survey bit
// table, the master catalog and one group per committed survey. Surveys are
// staged in a pending group and become visible only when committed.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/skyarchive/bitmask"
	"github.com/INLOpen/skyarchive/catalog"
	"github.com/INLOpen/skyarchive/compressors"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/hooks"
	"github.com/INLOpen/skyarchive/sys"

	"github.com/golang/geo/s1"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an archive opened for building.
type Options struct {
	// Version is the archive version being built. An existing archive must
	// hold the same version.
	Version        string
	Compression    string // container chunk compression, default zstd
	RowsPerChunk   int
	JoinRadius     s1.Angle
	LockRetries    int
	LockRetryDelay time.Duration
	LockStaleTTL   time.Duration

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

// Archive is an archive opened by the single writer of a build.
type Archive struct {
	root       string
	opts       Options
	compressor core.Compressor
	unlock     func() error
	buildID    string

	mu       sync.Mutex
	manifest *Manifest
	bits     *bitmask.BitTable
	catalog  *catalog.Catalog
	pending  *Pending
	closed   bool

	logger *slog.Logger
}

// OpenForBuild opens or creates the archive at root and takes its build
// lock. Pending groups left by an interrupted build and survey groups the
// manifest does not list are removed.
func OpenForBuild(root string, opts Options) (*Archive, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compression == "" {
		opts.Compression = "zstd"
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = 200 * time.Millisecond
	}
	if opts.LockStaleTTL == 0 {
		opts.LockStaleTTL = sys.DefaultLockStaleTTL
	}
	logger := opts.Logger.With("component", "Archive", "root", root)

	compressor, err := compressors.ForName(opts.Compression)
	if err != nil {
		return nil, err
	}
	surveysDir := filepath.Join(root, core.SurveysDirName)
	if err := os.MkdirAll(surveysDir, 0755); err != nil {
		return nil, core.WrapIO("create archive", root, err)
	}

	unlock, err := sys.AcquireFileLock(filepath.Join(root, core.LockFileName), opts.LockRetries, opts.LockRetryDelay, opts.LockStaleTTL)
	if err != nil {
		if errors.Is(err, sys.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrArchiveLocked, root, err)
		}
		return nil, core.WrapIO("lock archive", root, err)
	}

	a := &Archive{
		root:       root,
		opts:       opts,
		compressor: compressor,
		unlock:     unlock,
		buildID:    uuid.NewString(),
		logger:     logger,
	}
	if err := a.load(); err != nil {
		a.release()
		return nil, err
	}
	logger.Info("Archive opened for build", "version", a.manifest.Version, "build_id", a.buildID, "surveys", len(a.manifest.Surveys), "catalog", a.catalog.Len())
	return a, nil
}

func (a *Archive) load() error {
	surveysDir := filepath.Join(a.root, core.SurveysDirName)
	removed, err := sys.RemoveAllInDir(surveysDir, "*"+core.PendingGroupSuffix)
	if err != nil {
		return core.WrapIO("remove pending groups", surveysDir, err)
	}
	for _, name := range removed {
		a.logger.Warn("Removed pending survey group of an interrupted build", "group", name)
	}

	m, ok, err := ReadManifest(filepath.Join(a.root, core.ManifestFileName))
	if err != nil {
		return err
	}
	if !ok {
		now := time.Now().UTC()
		m = &Manifest{Version: a.opts.Version, CreatedAt: now, UpdatedAt: now}
	}
	if a.opts.Version != "" && m.Version != "" && m.Version != a.opts.Version {
		return fmt.Errorf("archive %s holds version %s, build requested %s", a.root, m.Version, a.opts.Version)
	}
	if m.Version == "" {
		m.Version = a.opts.Version
	}
	a.manifest = m

	entries, err := os.ReadDir(surveysDir)
	if err != nil {
		return core.WrapIO("list survey groups", surveysDir, err)
	}
	for _, e := range entries {
		if _, listed := m.Survey(e.Name()); listed {
			continue
		}
		if err := os.RemoveAll(filepath.Join(surveysDir, e.Name())); err != nil {
			return core.WrapIO("remove orphan survey group", e.Name(), err)
		}
		a.logger.Warn("Removed survey group missing from the manifest", "group", e.Name())
	}

	if a.bits, err = bitmask.OpenBitTable(a.root, a.opts.Logger, a.opts.HookManager); err != nil {
		return err
	}
	a.catalog, err = catalog.Load(filepath.Join(a.root, core.CatalogFileName), catalog.Options{
		JoinRadius:  a.opts.JoinRadius,
		Logger:      a.opts.Logger,
		HookManager: a.opts.HookManager,
	})
	if err != nil {
		a.bits.Close()
		return err
	}
	if n := a.catalog.Truncate(m.CatalogNextID); n > 0 {
		a.logger.Warn("Dropped catalog entries of uncommitted surveys", "entries", n, "next_id", m.CatalogNextID)
	}
	if n := a.catalog.ClearMembership(^m.committedMask()); n > 0 {
		a.logger.Warn("Cleared membership bits of uncommitted surveys", "entries", n)
	}
	return nil
}

// Root returns the archive directory.
func (a *Archive) Root() string { return a.root }

// BuildID identifies this build session. It is recorded with every survey
// committed by it.
func (a *Archive) BuildID() string { return a.buildID }

// Compression returns the container compression used for new surveys.
func (a *Archive) Compression() core.CompressionType { return a.compressor.Type() }

// Manifest returns a copy of the committed state.
func (a *Archive) Manifest() *Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifest.clone()
}

// HasSurvey reports whether survey is committed.
func (a *Archive) HasSurvey(survey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.manifest.Survey(survey)
	return ok
}

// Catalog returns the master catalog.
func (a *Archive) Catalog() *catalog.Catalog { return a.catalog }

// Bits returns the survey bit table.
func (a *Archive) Bits() *bitmask.BitTable { return a.bits }

// Begin stages a new survey group. Only one survey can be pending at a time.
func (a *Archive) Begin(survey string, maxWidth int) (*Pending, error) {
	if err := core.ValidateSurveyName(survey); err != nil {
		return nil, err
	}
	if maxWidth <= 0 {
		return nil, fmt.Errorf("survey %s: max width must be positive, got %d", survey, maxWidth)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("archive %s is closed", a.root)
	}
	if a.pending != nil {
		return nil, fmt.Errorf("survey %s: survey %s is still pending", survey, a.pending.survey)
	}
	if _, ok := a.manifest.Survey(survey); ok {
		return nil, fmt.Errorf("survey %s: %w", survey, core.ErrSurveyExists)
	}
	dir := core.PendingSurveyDir(a.root, survey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, core.WrapIO("create pending group", dir, err)
	}
	p := &Pending{
		a:        a,
		survey:   survey,
		dir:      dir,
		maxWidth: maxWidth,
		mark:     a.catalog.Mark(),
		logger:   a.logger.With("survey", survey),
	}
	a.pending = p
	return p, nil
}

// Close rolls back a pending survey and releases the build lock.
func (a *Archive) Close() error {
	a.mu.Lock()
	p := a.pending
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if p != nil {
		errs = append(errs, p.Rollback())
	}
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

func (a *Archive) release() error {
	var errs []error
	if a.bits != nil {
		errs = append(errs, a.bits.Close())
	}
	if a.unlock != nil {
		errs = append(errs, a.unlock())
		a.unlock = nil
	}
	return errors.Join(errs...)
}
