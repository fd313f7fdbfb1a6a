package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/skyarchive/archive"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/encoder"
	"github.com/INLOpen/skyarchive/hooks"
	"github.com/INLOpen/skyarchive/match"
	"github.com/INLOpen/skyarchive/resolution"
	"github.com/INLOpen/skyarchive/schema"

	"github.com/caio/go-tdigest/v4"
	"github.com/golang/geo/s1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultBatchSize is the number of spectra read and encoded together.
const DefaultBatchSize = 256

// Options configures an Assembler.
type Options struct {
	Archive   *archive.Archive
	Registry  *resolution.Registry // nil uses resolution.DefaultRegistry
	Tolerance s1.Angle             // zero uses match.DefaultTolerance
	Workers   int
	BatchSize int
	// TestRecords > 0 keeps only the first TestRecords meta rows of every
	// survey.
	TestRecords int
	// CheckMeta runs every survey up to META_VALIDATED and rolls it back
	// instead of committing.
	CheckMeta bool
	Version   string

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

// Plan is one survey of a build.
type Plan struct {
	Source   Source
	MaxWidth int
}

// Result is the outcome of one survey.
type Result struct {
	Survey    string
	State     State
	Committed bool
	Records   int
	Sources   int
	MaxNPix   int
	MaxWidth  int
	NPixP50   float64
	NPixP99   float64
	Info      archive.SurveyInfo
	Duration  time.Duration
	Err       error
}

// BuildResult summarizes a build.
type BuildResult struct {
	Results   []Result
	Committed []string
	Checked   []string // passed validation in check-meta mode
	Failed    []string
	Skipped   []string
	Duration  time.Duration
}

// OK reports whether no survey failed.
func (b *BuildResult) OK() bool { return len(b.Failed) == 0 }

// Assembler drives surveys through ingestion into an archive. Surveys are
// processed one at a time.
type Assembler struct {
	opts    Options
	archive *archive.Archive
	reg     *resolution.Registry
	enc     *encoder.Encoder
	tracer  trace.Tracer
	hooks   hooks.HookManager
	logger  *slog.Logger
}

// New creates an Assembler.
func New(opts Options) (*Assembler, error) {
	if opts.Archive == nil {
		return nil, fmt.Errorf("ingest: archive is nil")
	}
	if opts.Registry == nil {
		opts.Registry = resolution.DefaultRegistry()
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = match.DefaultTolerance
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("ingest")
	}
	return &Assembler{
		opts:    opts,
		archive: opts.Archive,
		reg:     opts.Registry,
		enc:     encoder.New(encoder.Options{Workers: opts.Workers, Logger: opts.Logger}),
		tracer:  opts.Tracer,
		hooks:   opts.HookManager,
		logger:  opts.Logger.With("component", "Assembler"),
	}, nil
}

func (a *Assembler) trigger(ctx context.Context, event hooks.HookEvent) error {
	if a.hooks == nil {
		return nil
	}
	return a.hooks.Trigger(ctx, event)
}

// Build ingests every planned survey in order. A survey failure is logged
// and reported before the next survey starts; an I/O failure or a cancelled
// context stops the build and is returned.
func (a *Assembler) Build(ctx context.Context, plans []Plan) (*BuildResult, error) {
	names := make([]string, len(plans))
	for i, p := range plans {
		names[i] = p.Source.Name()
	}
	if err := a.trigger(ctx, hooks.NewPreBuildEvent(hooks.BuildPayload{
		Version: a.opts.Version,
		Surveys: names,
		Test:    a.opts.TestRecords > 0,
	})); err != nil {
		return nil, fmt.Errorf("build cancelled: %w", err)
	}

	start := time.Now()
	out := &BuildResult{}
	var fatal error
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		name := plan.Source.Name()
		if a.archive.HasSurvey(name) && !a.opts.CheckMeta {
			a.logger.Info("Survey already committed, skipping", "survey", name)
			out.Skipped = append(out.Skipped, name)
			continue
		}

		res, err := a.IngestSurvey(ctx, plan)
		if errors.Is(err, ErrSurveySkipped) {
			out.Skipped = append(out.Skipped, name)
			continue
		}
		out.Results = append(out.Results, res)
		switch {
		case err != nil:
			out.Failed = append(out.Failed, name)
			if core.IsFatal(err) || ctx.Err() != nil {
				fatal = err
			}
		case res.Committed:
			out.Committed = append(out.Committed, name)
		default:
			out.Checked = append(out.Checked, name)
		}
		if fatal != nil {
			a.logger.Error("Stopping build", "survey", name, "error", fatal)
			break
		}
	}
	out.Duration = time.Since(start)

	a.trigger(ctx, hooks.NewPostBuildEvent(hooks.PostBuildPayload{
		Version:   a.opts.Version,
		Committed: out.Committed,
		Failed:    out.Failed,
		Duration:  out.Duration,
		Error:     fatal,
	}))
	a.logger.Info("Build finished", "committed", len(out.Committed), "checked", len(out.Checked), "failed", len(out.Failed), "skipped", len(out.Skipped), "duration", out.Duration)
	return out, fatal
}

// IngestSurvey runs one survey through the state machine. On failure the
// survey's pending group is rolled back and a *SurveyError is returned.
func (a *Assembler) IngestSurvey(ctx context.Context, plan Plan) (Result, error) {
	name := plan.Source.Name()
	width := plan.MaxWidth
	if err := a.trigger(ctx, hooks.NewPreIngestSurveyEvent(hooks.PreIngestSurveyPayload{Survey: name, MaxWidth: &width})); err != nil {
		a.logger.Info("Survey skipped by hook", "survey", name, "reason", err)
		return Result{Survey: name}, fmt.Errorf("%w: %s: %v", ErrSurveySkipped, name, err)
	}

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "ingest.Survey", trace.WithAttributes(
		attribute.String("survey", name),
		attribute.Int("max_width", width),
	))
	defer span.End()

	run := &surveyRun{
		a:      a,
		src:    plan.Source,
		name:   name,
		width:  width,
		logger: a.logger.With("survey", name),
	}
	res, err := run.execute(ctx)
	res.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("state", res.State.String()), attribute.Int("records", res.Records))

	a.trigger(ctx, hooks.NewPostIngestSurveyEvent(hooks.SurveyResultPayload{
		Survey:    name,
		State:     res.State.String(),
		Committed: res.Committed,
		Records:   res.Records,
		Sources:   res.Sources,
		MaxNPix:   res.MaxNPix,
		MaxWidth:  res.MaxWidth,
		NPixP50:   res.NPixP50,
		NPixP99:   res.NPixP99,
		Duration:  res.Duration,
		Error:     res.Err,
	}))
	return res, err
}

// surveyRun holds the state of one survey while it moves through ingestion.
type surveyRun struct {
	a      *Assembler
	src    Source
	name   string
	width  int
	logger *slog.Logger

	state     State
	pending   *archive.Pending
	subset    []core.CatalogCandidate
	subsetIDs []int64
	meta      *schema.Table
	maxNPix   int
	digest    *tdigest.TDigest
}

func (r *surveyRun) advance(ctx context.Context, s State) {
	r.state = s
	r.logger.Info("Survey state", "state", s.String())
	r.a.trigger(ctx, hooks.NewOnSurveyStateEvent(hooks.SurveyStatePayload{Survey: r.name, State: s.String()}))
}

// stage runs fn inside a child span.
func (r *surveyRun) stage(ctx context.Context, name string, fn func(context.Context) (int, error)) (int, error) {
	ctx, span := r.a.tracer.Start(ctx, "ingest."+name)
	defer span.End()
	row, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return row, err
}

func (r *surveyRun) execute(ctx context.Context) (Result, error) {
	res := Result{Survey: r.name, MaxWidth: r.width}
	fail := func(row int, err error) (Result, error) {
		if r.pending != nil {
			if rerr := r.pending.Rollback(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		serr := &SurveyError{Survey: r.name, State: r.state, Row: row, Err: err}
		r.logger.Error("Survey failed", "state", r.state.String(), "row", row, "error", err)
		res.State = r.state
		res.Err = serr
		return res, serr
	}

	r.state = StateStart
	pending, err := r.a.archive.Begin(r.name, r.width)
	if err != nil {
		return fail(-1, err)
	}
	r.pending = pending
	r.advance(ctx, StateStart)

	steps := []struct {
		name string
		next State
		fn   func(context.Context) (int, error)
	}{
		{"BuildMeta", StateMetaBuilt, r.buildMeta},
		{"MatchIDs", StateIDMatched, r.matchIDs},
		{"EncodeSpectra", StateSpectraEncoded, r.encodeSpectra},
		{"ValidateMeta", StateMetaValidated, r.validateMeta},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fail(-1, err)
		}
		if row, err := r.stage(ctx, step.name, step.fn); err != nil {
			return fail(row, err)
		}
		r.advance(ctx, step.next)
	}

	res.Records = r.meta.Len()
	res.MaxNPix = r.maxNPix
	if r.digest != nil && r.digest.Count() > 0 {
		res.NPixP50 = r.digest.Quantile(0.5)
		res.NPixP99 = r.digest.Quantile(0.99)
	}
	if col, ok := r.meta.Column(schema.ColGlobalID); ok {
		res.Sources = match.Distinct(col.Ints)
	}

	if r.a.opts.CheckMeta {
		if err := r.pending.Rollback(); err != nil {
			return fail(-1, err)
		}
		r.logger.Info("Meta check passed, survey not committed")
		res.State = r.state
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return fail(-1, err)
	}
	info, err := r.pending.Commit(ctx)
	if err != nil {
		return fail(-1, err)
	}
	r.advance(ctx, StateCommitted)
	res.State = r.state
	res.Committed = true
	res.Info = info
	return res, nil
}

// buildMeta loads the raw meta table and extends the master catalog with
// the survey's unique sources that its rows refer to.
func (r *surveyRun) buildMeta(ctx context.Context) (int, error) {
	subset, err := r.src.BuildSubset(ctx)
	if err != nil {
		return -1, fmt.Errorf("build subset: %w", err)
	}
	if len(subset) == 0 {
		return -1, fmt.Errorf("build subset is empty")
	}
	meta, err := r.src.Metadata(ctx)
	if err != nil {
		return -1, fmt.Errorf("meta table: %w", err)
	}
	if n := r.a.opts.TestRecords; n > 0 && meta.Len() > n {
		meta = meta.Head(n)
		r.logger.Info("Test build, meta table cut", "records", n)
	}
	if meta.Len() == 0 {
		return -1, fmt.Errorf("meta table is empty")
	}
	if positions, err := meta.Positions(); err == nil {
		if kept := referencedSources(subset, positions, r.a.opts.Tolerance); len(kept) > 0 && len(kept) < len(subset) {
			r.logger.Info("Build subset sources without meta rows left out of the catalog", "sources", len(subset), "kept", len(kept))
			subset = kept
		}
	}
	ext := r.pending.ExtendCatalog(subset)
	r.subset = subset
	r.subsetIDs = ext.IDs
	r.meta = meta
	return -1, nil
}

// referencedSources keeps the subset sources that are the nearest match of
// at least one meta row. Sources no row refers to would enter the catalog
// without the survey's membership bit.
func referencedSources(subset []core.CatalogCandidate, rows []core.Position, tol s1.Angle) []core.CatalogCandidate {
	index := match.NewIndex(tol)
	for i, c := range subset {
		index.Add(int64(i), c.Position)
	}
	used := make([]bool, len(subset))
	for _, pos := range rows {
		if hit, ok := index.Nearest(pos); ok && hit.Sep <= tol {
			used[hit.ID] = true
		}
	}
	kept := make([]core.CatalogCandidate, 0, len(subset))
	for i, c := range subset {
		if used[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

// matchIDs gives every meta row the global id of its build-subset source.
func (r *surveyRun) matchIDs(ctx context.Context) (int, error) {
	positions, err := r.meta.Positions()
	if err != nil {
		return -1, err
	}
	tol := r.a.opts.Tolerance
	index := match.NewIndex(tol)
	for i, c := range r.subset {
		index.Add(int64(i), c.Position)
	}
	local, err := match.Match(positions, index, tol)
	if err != nil {
		var me *match.MatchError
		if errors.As(err, &me) {
			return me.Row, err
		}
		return -1, err
	}
	ids := make([]int64, len(local))
	for i, l := range local {
		ids[i] = r.subsetIDs[l]
	}
	if err := r.meta.SetInts(schema.ColGlobalID, ids); err != nil {
		return -1, err
	}
	if !r.meta.Has(schema.ColSurveyID) {
		seq := make([]int64, r.meta.Len())
		for i := range seq {
			seq[i] = int64(i)
		}
		if err := r.meta.SetInts(schema.ColSurveyID, seq); err != nil {
			return -1, err
		}
	}
	r.logger.Debug("Matched records", "records", len(ids), "sources", match.Distinct(ids))
	return -1, nil
}

// encodeSpectra reads every spectrum in meta order, appends it to the
// survey container and fills the derived columns.
func (r *surveyRun) encodeSpectra(ctx context.Context) (int, error) {
	n := r.meta.Len()
	w, err := r.pending.CreateContainer(n)
	if err != nil {
		return -1, err
	}
	if r.digest, err = tdigest.New(); err != nil {
		return -1, fmt.Errorf("tdigest.New failed: %w", err)
	}

	var (
		npix         = make([]int64, n)
		wvMin, wvMax = make([]float64, n), make([]float64, n)
		headers      = make([]core.Header, n)
		needR        = !r.meta.Has(schema.ColR)
		needInstr    = !r.meta.Has(schema.ColInstrument)
		powers       []float64
		instruments  []string
	)
	if needR {
		powers = make([]float64, n)
	}
	if needInstr {
		instruments = make([]string, n)
	} else if col, _ := r.meta.Column(schema.ColInstrument); col.Kind == schema.KindString {
		instruments = col.Strings
	}

	batchSize := r.a.opts.BatchSize
	batch := make([]core.Spectrum, 0, batchSize)
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		batch = batch[:0]
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return i, err
			}
			spec, hdr, err := r.src.ReadSpectrum(ctx, i)
			if err != nil {
				return i, fmt.Errorf("read spectrum: %w", err)
			}
			headers[i] = hdr
			if needInstr {
				if instruments[i], err = resolution.InstrumentFromHeader(hdr); err != nil {
					return i, err
				}
			}
			if needR {
				instr := ""
				if instruments != nil {
					instr = strings.TrimSpace(instruments[i])
				}
				if powers[i], err = r.a.reg.Resolve(instr, hdr); err != nil {
					return i, err
				}
			}
			batch = append(batch, spec)
		}

		derived, err := r.a.enc.EncodeAndStore(ctx, w, batch, r.width)
		if err != nil {
			row := start
			var oe *core.OversizeError
			if errors.As(err, &oe) {
				oe.Row += start
				row = oe.Row
			}
			return row, err
		}
		for j, d := range derived {
			i := start + j
			npix[i], wvMin[i], wvMax[i] = int64(d.NPix), d.WvMin, d.WvMax
			if d.NPix > r.maxNPix {
				r.maxNPix = d.NPix
			}
			if err := r.digest.Add(float64(d.NPix)); err != nil {
				return i, fmt.Errorf("tdigest Add failed: %w", err)
			}
		}
	}

	if err := r.meta.SetInts(schema.ColNPix, npix); err != nil {
		return -1, err
	}
	if err := r.meta.SetFloats(schema.ColWvMin, wvMin); err != nil {
		return -1, err
	}
	if err := r.meta.SetFloats(schema.ColWvMax, wvMax); err != nil {
		return -1, err
	}
	if needInstr {
		if err := r.meta.SetStrings(schema.ColInstrument, instruments); err != nil {
			return -1, err
		}
	}
	if needR {
		if err := r.meta.SetFloats(schema.ColR, powers); err != nil {
			return -1, err
		}
	}
	if an, ok := r.src.(Annotator); ok {
		if err := an.Annotate(ctx, r.meta, headers); err != nil {
			return -1, fmt.Errorf("annotate meta table: %w", err)
		}
	}

	r.a.trigger(ctx, hooks.NewPostEncodeSpectraEvent(hooks.SpectraEncodedPayload{
		Survey:   r.name,
		Records:  w.Len(),
		MaxNPix:  r.maxNPix,
		MaxWidth: r.width,
	}))
	return -1, nil
}

// validateMeta checks the completed meta table and writes it into the
// pending group.
func (r *surveyRun) validateMeta(ctx context.Context) (int, error) {
	report := schema.Validate(r.meta, r.a.reg.Instruments())
	if len(report.Normalized) > 0 {
		r.logger.Warn("Converted non-ASCII text", "columns", report.Normalized)
	}
	if !report.OK() {
		row := -1
		if v := report.Violations[0]; v.Row >= 0 {
			row = v.Row
		}
		return row, report.Err()
	}
	records, err := r.meta.Records()
	if err != nil {
		return -1, err
	}
	if err := r.pending.WriteMeta(records, r.src.References()); err != nil {
		return -1, err
	}
	return -1, nil
}
