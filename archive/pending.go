package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/skyarchive/bitmask"
	"github.com/INLOpen/skyarchive/catalog"
	"github.com/INLOpen/skyarchive/container"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/hooks"
	"github.com/INLOpen/skyarchive/sys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pending is a survey group being staged. It ends with exactly one of
// Commit or Rollback; a failed Commit rolls back by itself.
type Pending struct {
	a        *Archive
	survey   string
	dir      string
	maxWidth int
	mark     catalog.Mark
	logger   *slog.Logger

	writer  *container.Writer
	records []core.SurveyRecord
	refs    []core.Reference
	meta    bool
	done    bool
}

// Survey returns the survey name.
func (p *Pending) Survey() string { return p.survey }

// Dir returns the staging directory.
func (p *Pending) Dir() string { return p.dir }

// MaxWidth returns the container width of the survey.
func (p *Pending) MaxWidth() int { return p.maxWidth }

// ExtendCatalog adds the survey's unique sources to the master catalog.
// The additions are undone by Rollback.
func (p *Pending) ExtendCatalog(candidates []core.CatalogCandidate) catalog.ExtendResult {
	return p.a.catalog.Extend(p.survey, candidates)
}

// CreateContainer creates the survey container with an initial capacity of
// capacity rows.
func (p *Pending) CreateContainer(capacity int) (*container.Writer, error) {
	if p.done {
		return nil, fmt.Errorf("survey %s: group already closed", p.survey)
	}
	if p.writer != nil {
		return nil, fmt.Errorf("survey %s: container already created", p.survey)
	}
	w, err := container.NewWriter(container.WriterOptions{
		Path:         filepath.Join(p.dir, core.ContainerFileName),
		MaxWidth:     p.maxWidth,
		RowsPerChunk: p.a.opts.RowsPerChunk,
		Compressor:   p.a.compressor,
		Tracer:       p.a.opts.Tracer,
		Logger:       p.a.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	w.Reserve(capacity)
	p.writer = w
	return w, nil
}

// WriteMeta writes the validated meta table and its references into the
// group. Every record must have a row in the container.
func (p *Pending) WriteMeta(records []core.SurveyRecord, refs []core.Reference) error {
	if p.done {
		return fmt.Errorf("survey %s: group already closed", p.survey)
	}
	if p.writer == nil {
		return fmt.Errorf("survey %s: meta table written before the container", p.survey)
	}
	if len(records) != p.writer.Len() {
		return &core.SizeMismatchError{What: fmt.Sprintf("survey %s meta rows vs container rows", p.survey), Want: p.writer.Len(), Got: len(records)}
	}
	if err := WriteMeta(filepath.Join(p.dir, core.MetaFileName), records, refs); err != nil {
		return err
	}
	p.records = records
	p.refs = refs
	p.meta = true
	return nil
}

// Commit finishes the container, assigns the survey bit, ORs it into every
// affected catalog entry and atomically moves the group into place. The
// survey is committed once the manifest listing it is written.
func (p *Pending) Commit(ctx context.Context) (info SurveyInfo, err error) {
	if p.a.opts.Tracer != nil {
		var span trace.Span
		ctx, span = p.a.opts.Tracer.Start(ctx, "archive.Commit", trace.WithAttributes(attribute.String("survey", p.survey)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if p.done {
		return SurveyInfo{}, fmt.Errorf("survey %s: group already closed", p.survey)
	}
	if !p.meta {
		return SurveyInfo{}, fmt.Errorf("survey %s: commit without meta table", p.survey)
	}
	defer func() {
		if err != nil && !p.done {
			if rerr := p.Rollback(); rerr != nil {
				p.logger.Error("Rollback after failed commit", "error", rerr)
			}
		}
	}()

	cinfo, err := p.writer.Finish(ctx)
	if err != nil {
		return SurveyInfo{}, err
	}
	if cinfo.Rows != len(p.records) || p.writer.Cap() != cinfo.Rows {
		return SurveyInfo{}, &core.SizeMismatchError{What: fmt.Sprintf("survey %s container rows vs meta rows", p.survey), Want: len(p.records), Got: cinfo.Rows}
	}

	ids := make([]int64, len(p.records))
	perSource := make(map[int64]int, len(p.records))
	maxNPix := 0
	for i, r := range p.records {
		ids[i] = r.GlobalID
		perSource[r.GlobalID]++
		if int(r.NPix) > maxNPix {
			maxNPix = int(r.NPix)
		}
	}
	observations := make(map[int]int)
	for _, n := range perSource {
		observations[n]++
	}
	members := bitmask.NewMembership(ids...)
	if err := members.WriteFile(filepath.Join(p.dir, core.MembersFileName)); err != nil {
		return SurveyInfo{}, err
	}
	if err := sys.SyncDir(p.dir); err != nil {
		return SurveyInfo{}, core.WrapIO("sync pending group", p.dir, err)
	}

	a := p.a
	bit, err := a.bits.Assign(p.survey)
	if err != nil {
		return SurveyInfo{}, err
	}

	final := core.SurveyDir(a.root, p.survey)
	if err := sys.Rename(p.dir, final); err != nil {
		return SurveyInfo{}, core.WrapIO("commit survey group", final, err)
	}
	// Past this point the group is in place and only the manifest decides
	// whether it is committed.
	p.done = true
	catalogPath := filepath.Join(a.root, core.CatalogFileName)
	catalogWritten := false
	undo := func(cause error) (SurveyInfo, error) {
		a.catalog.ClearMembership(1 << bit)
		if rerr := os.RemoveAll(final); rerr != nil {
			p.logger.Error("Failed to remove survey group after failed commit", "path", final, "error", rerr)
		}
		a.catalog.Rollback(p.mark)
		if catalogWritten {
			// The next open also drops entries above the manifest's catalog
			// bound, so a failure here only delays the cleanup.
			if werr := a.catalog.WriteFile(catalogPath); werr != nil {
				p.logger.Error("Failed to restore catalog after failed commit", "path", catalogPath, "error", werr)
			}
		}
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
		return SurveyInfo{}, cause
	}

	affected, err := a.catalog.OrMembership(members.IDs(), bit)
	if err != nil {
		return undo(err)
	}
	if err := a.catalog.WriteFile(catalogPath); err != nil {
		return undo(err)
	}
	catalogWritten = true

	info = SurveyInfo{
		Name:         p.survey,
		Bit:          bit,
		Records:      len(p.records),
		Sources:      len(perSource),
		MaxWidth:     p.maxWidth,
		MaxNPix:      maxNPix,
		Compression:  a.compressor.Type().String(),
		References:   p.refs,
		Observations: observations,
		BuildID:      a.buildID,
		CommittedAt:  time.Now().UTC(),
	}
	a.mu.Lock()
	next := a.manifest.clone()
	next.Surveys = append(next.Surveys, info)
	next.BuildID = a.buildID
	next.CatalogNextID = a.catalog.NextID()
	next.UpdatedAt = info.CommittedAt
	manifestPath := filepath.Join(a.root, core.ManifestFileName)
	if err := WriteManifest(manifestPath, next); err != nil {
		a.mu.Unlock()
		return undo(err)
	}
	a.manifest = next
	a.pending = nil
	a.mu.Unlock()

	if err := sys.SyncDir(filepath.Join(a.root, core.SurveysDirName)); err != nil {
		p.logger.Warn("Failed to sync surveys directory", "error", err)
	}
	p.logger.Info("Survey committed", "bit", bit, "records", info.Records, "sources", info.Sources, "affected_entries", affected, "max_npix", maxNPix)
	if a.opts.HookManager != nil {
		a.opts.HookManager.Trigger(ctx, hooks.NewPostManifestWriteEvent(hooks.ManifestWritePayload{
			Path:    manifestPath,
			Surveys: next.SurveyNames(),
		}))
	}
	return info, nil
}

// Rollback discards the group, its container and its catalog additions.
func (p *Pending) Rollback() error {
	if p.done {
		return nil
	}
	p.done = true
	var errs []error
	if p.writer != nil {
		errs = append(errs, p.writer.Abort())
	}
	if err := os.RemoveAll(p.dir); err != nil {
		errs = append(errs, core.WrapIO("remove pending group", p.dir, err))
	}
	p.a.catalog.Rollback(p.mark)

	p.a.mu.Lock()
	if p.a.pending == p {
		p.a.pending = nil
	}
	p.a.mu.Unlock()
	p.logger.Info("Survey group rolled back")
	return errors.Join(errs...)
}
