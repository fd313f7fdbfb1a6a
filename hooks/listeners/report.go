package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/skyarchive/hooks"
)

// BuildReport collects the outcome of every survey in a build run so the
// driver can print a pass/fail summary and pick its exit code.
type BuildReport struct {
	mu      sync.Mutex
	logger  *slog.Logger
	results []hooks.SurveyResultPayload
	build   *hooks.PostBuildPayload
}

// NewBuildReport creates an empty report.
func NewBuildReport(logger *slog.Logger) *BuildReport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BuildReport{logger: logger.With("component", "BuildReport")}
}

// Register subscribes the report to the events it consumes.
func (r *BuildReport) Register(m hooks.HookManager) {
	m.Register(hooks.EventPostIngestSurvey, r)
	m.Register(hooks.EventPostBuild, r)
}

// OnEvent records survey results and the final build summary.
func (r *BuildReport) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.SurveyResultPayload:
		r.mu.Lock()
		r.results = append(r.results, p)
		r.mu.Unlock()
		switch {
		case p.Committed:
			r.logger.Info("Survey committed", "survey", p.Survey, "records", p.Records, "sources", p.Sources, "max_npix", p.MaxNPix, "max_width", p.MaxWidth)
		case p.Error == nil:
			r.logger.Info("Survey checked", "survey", p.Survey, "state", p.State, "records", p.Records)
		default:
			r.logger.Error("Survey failed", "survey", p.Survey, "state", p.State, "error", p.Error)
		}
	case hooks.PostBuildPayload:
		r.mu.Lock()
		r.build = &p
		r.mu.Unlock()
	default:
		r.logger.Error("Received event with unexpected payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
	}
	return nil
}

// Priority runs the report before other listeners.
func (r *BuildReport) Priority() int { return 0 }

// IsAsync is false so that results are recorded before the next survey starts.
func (r *BuildReport) IsAsync() bool { return false }

// Results returns the recorded survey outcomes in ingestion order.
func (r *BuildReport) Results() []hooks.SurveyResultPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.SurveyResultPayload, len(r.results))
	copy(out, r.results)
	return out
}

// Failed returns the names of surveys that failed. Surveys that passed a
// check-meta run without committing are not failures.
func (r *BuildReport) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []string
	for _, res := range r.results {
		if res.Error != nil {
			failed = append(failed, res.Survey)
		}
	}
	return failed
}

// OK reports whether no survey failed and the build was not stopped.
func (r *BuildReport) OK() bool {
	r.mu.Lock()
	stopped := r.build != nil && r.build.Error != nil
	r.mu.Unlock()
	return !stopped && len(r.Failed()) == 0
}

// WriteTo prints one line per survey.
func (r *BuildReport) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SURVEY\tRESULT\tSTATE\tRECORDS\tSOURCES\tMAX NPIX\tWIDTH\tNPIX p50/p99\tTIME\tREASON")
	for _, res := range r.Results() {
		result, reason := "PASS", ""
		switch {
		case res.Error != nil:
			result, reason = "FAIL", res.Error.Error()
		case !res.Committed:
			result = "CHECKED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.0f/%.0f\t%s\t%s\n",
			res.Survey, result, res.State, res.Records, res.Sources, res.MaxNPix, res.MaxWidth,
			res.NPixP50, res.NPixP99, res.Duration.Round(time.Millisecond), reason)
	}
	r.mu.Lock()
	build := r.build
	r.mu.Unlock()
	if build != nil && build.Error != nil {
		fmt.Fprintf(tw, "build stopped: %v\n", build.Error)
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
