// Package encoder turns variable-length measurements into the fixed-width
// rows a survey container stores.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/INLOpen/skyarchive/container"
	"github.com/INLOpen/skyarchive/core"
	"golang.org/x/sync/errgroup"
)

// Derived holds the per-record metadata computed from the true pixels.
type Derived struct {
	NPix  int
	WvMin float64
	WvMax float64
}

// Options configures an Encoder.
type Options struct {
	// Workers bounds the number of records padded concurrently. Zero uses
	// GOMAXPROCS.
	Workers int
	// BatchSize is the number of records padded before they are appended.
	// It bounds the memory held by padded rows. Zero uses 4*Workers.
	BatchSize int
	Logger    *slog.Logger
}

// Encoder pads spectra and appends them to a container in input order.
type Encoder struct {
	workers int
	batch   int
	logger  *slog.Logger
}

// New creates an Encoder.
func New(opts Options) *Encoder {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 4 * opts.Workers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Encoder{
		workers: opts.Workers,
		batch:   opts.BatchSize,
		logger:  opts.Logger.With("component", "Encoder"),
	}
}

// EncodeAndStore encodes spectra with a default Encoder.
func EncodeAndStore(ctx context.Context, w *container.Writer, spectra []core.Spectrum, maxWidth int) ([]Derived, error) {
	return New(Options{}).EncodeAndStore(ctx, w, spectra, maxWidth)
}

// Check verifies that every spectrum fits maxWidth and has equal channel
// lengths, returning the derived metadata. It does not touch any container.
func Check(spectra []core.Spectrum, maxWidth int) ([]Derived, error) {
	derived := make([]Derived, len(spectra))
	for i := range spectra {
		s := &spectra[i]
		if err := s.CheckLengths(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if s.NPix() > maxWidth {
			return nil, &core.OversizeError{Row: i, NPix: s.NPix(), MaxWidth: maxWidth}
		}
		derived[i] = derive(s)
	}
	return derived, nil
}

func derive(s *core.Spectrum) Derived {
	d := Derived{NPix: s.NPix()}
	if d.NPix == 0 {
		return d
	}
	d.WvMin, d.WvMax = s.Wave[0], s.Wave[0]
	for _, v := range s.Wave[1:] {
		if v < d.WvMin {
			d.WvMin = v
		}
		if v > d.WvMax {
			d.WvMax = v
		}
	}
	return d
}

// Pad returns a copy of s with every channel zero-filled to width.
func Pad(s *core.Spectrum, width int) *core.Spectrum {
	p := &core.Spectrum{
		Wave: make([]float64, width),
		Flux: make([]float32, width),
		Sig:  make([]float32, width),
	}
	copy(p.Wave, s.Wave)
	copy(p.Flux, s.Flux)
	copy(p.Sig, s.Sig)
	return p
}

// EncodeAndStore pads every spectrum to maxWidth and appends it to w as the
// next row. All records are checked before the first append, so an oversize
// or malformed record leaves the container length unchanged. A failure
// after that point (cancellation or a write error) leaves a partially
// filled container that the caller must abort.
func (e *Encoder) EncodeAndStore(ctx context.Context, w *container.Writer, spectra []core.Spectrum, maxWidth int) ([]Derived, error) {
	if maxWidth != w.MaxWidth() {
		return nil, &core.SizeMismatchError{What: "encoder width vs container width", Want: w.MaxWidth(), Got: maxWidth}
	}
	derived, err := Check(spectra, maxWidth)
	if err != nil {
		return nil, err
	}
	w.Reserve(w.Len() + len(spectra))

	rows := make([]*core.Spectrum, e.batch)
	for start := 0; start < len(spectra); start += e.batch {
		end := min(start+e.batch, len(spectra))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rows[i-start] = Pad(&spectra[i], maxWidth)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i := start; i < end; i++ {
			if err := w.Append(rows[i-start]); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			rows[i-start] = nil
		}
	}

	e.logger.Debug("Encoded spectra", "records", len(spectra), "max_width", maxWidth, "container_len", w.Len())
	return derived, nil
}

// MaxNPix returns the largest pixel count in derived.
func MaxNPix(derived []Derived) int {
	m := 0
	for _, d := range derived {
		if d.NPix > m {
			m = d.NPix
		}
	}
	return m
}
