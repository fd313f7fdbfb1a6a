// Package tabular reads surveys laid out as a CSV meta file plus one ASCII
// spectrum file per row, described entirely by configuration.
package tabular

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/INLOpen/skyarchive/config"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/schema"
)

// DefaultSType is the source type of catalog candidates when none is configured.
const DefaultSType = "QSO"

// Source is an ingest.Source backed by files under the raw data root.
type Source struct {
	name   string
	refs   []core.Reference
	cfg    config.SourceConfig
	root   string
	logger *slog.Logger

	once   sync.Once
	table  *schema.Table
	unique []string // per-row source key
	err    error
}

// New creates the source of one configured survey. Paths in the survey
// config are resolved against rawRoot.
func New(survey config.SurveyConfig, rawRoot string, logger *slog.Logger) (*Source, error) {
	if survey.Source.MetaFile == "" {
		return nil, fmt.Errorf("survey %s: source.meta_file is not set", survey.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	refs := make([]core.Reference, len(survey.References))
	for i, r := range survey.References {
		refs[i] = core.Reference{URL: r.URL, Bib: r.Bib}
	}
	return &Source{
		name:   survey.Name,
		refs:   refs,
		cfg:    survey.Source,
		root:   rawRoot,
		logger: logger.With("component", "TabularSource", "survey", survey.Name),
	}, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) References() []core.Reference { return s.refs }

// Metadata returns a copy of the parsed meta table.
func (s *Source) Metadata(ctx context.Context) (*schema.Table, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.table.Head(s.table.Len()), nil
}

// BuildSubset returns one candidate per distinct unique_column value, or per
// distinct position when no unique column is configured. The first row of
// each source provides its attributes.
func (s *Source) BuildSubset(ctx context.Context) ([]core.CatalogCandidate, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	positions, err := s.table.Positions()
	if err != nil {
		return nil, err
	}
	zem := floatColumn(s.table, schema.ColZem)
	sigZem := floatColumn(s.table, schema.ColSigZem)
	flagZem := stringColumn(s.table, schema.ColFlagZem)
	stype := s.cfg.SType
	if stype == "" {
		stype = DefaultSType
	}

	seen := make(map[string]bool, len(positions))
	var out []core.CatalogCandidate
	for i, pos := range positions {
		key := s.unique[i]
		if seen[key] {
			continue
		}
		seen[key] = true
		c := core.CatalogCandidate{Position: pos, SType: stype, FlagZem: s.name}
		if zem != nil {
			c.Zem = zem[i]
		}
		if sigZem != nil {
			c.SigZem = sigZem[i]
		}
		if flagZem != nil && flagZem[i] != "" {
			c.FlagZem = flagZem[i]
		}
		out = append(out, c)
	}
	s.logger.Debug("Build subset", "rows", len(positions), "sources", len(out))
	return out, nil
}

// ReadSpectrum reads the spectrum file named in SPEC_FILE of row i.
func (s *Source) ReadSpectrum(ctx context.Context, i int) (core.Spectrum, core.Header, error) {
	if err := s.load(); err != nil {
		return core.Spectrum{}, nil, err
	}
	files := stringColumn(s.table, schema.ColSpecFile)
	if i < 0 || i >= len(files) {
		return core.Spectrum{}, nil, fmt.Errorf("row %d out of range [0, %d)", i, len(files))
	}
	return ReadSpectrumFile(filepath.Join(s.root, s.cfg.SpectraDir, files[i]))
}

func (s *Source) load() error {
	s.once.Do(func() {
		path := filepath.Join(s.root, s.cfg.MetaFile)
		f, err := os.Open(path)
		if err != nil {
			s.err = fmt.Errorf("open meta file: %w", err)
			return
		}
		defer f.Close()
		s.table, s.unique, s.err = s.parse(f)
		if s.err != nil {
			s.err = fmt.Errorf("meta file %s: %w", path, s.err)
			return
		}
		s.logger.Info("Loaded meta file", "path", path, "rows", s.table.Len(), "columns", len(s.table.Names()))
	})
	return s.err
}

// csvName returns the CSV header holding a meta column.
func (s *Source) csvName(column string) string {
	if name, ok := s.cfg.Columns[column]; ok && name != "" {
		return name
	}
	if column == schema.ColSpecFile && s.cfg.FileColumn != "" {
		return s.cfg.FileColumn
	}
	return column
}

func (s *Source) parse(r io.Reader) (*schema.Table, []string, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	n := len(rows)
	t := schema.NewTable(n)

	for _, f := range schema.MetaSchema {
		col, ok := index[s.csvName(f.Name)]
		if !ok {
			continue
		}
		if err := setColumn(t, f, rows, col); err != nil {
			return nil, nil, err
		}
	}

	for name, value := range s.cfg.Constants {
		f, ok := schema.Lookup(name)
		if !ok {
			return nil, nil, fmt.Errorf("constant for unknown column %s", name)
		}
		if t.Has(name) {
			continue
		}
		if f.Kind == schema.KindString {
			err = t.FillStrings(name, value)
		} else {
			var v float64
			if v, err = strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				err = t.FillFloats(name, v)
			}
		}
		if err != nil {
			return nil, nil, fmt.Errorf("constant %s: %w", name, err)
		}
	}
	if !t.Has(schema.ColEpoch) && s.cfg.Epoch > 0 {
		if err := t.FillFloats(schema.ColEpoch, s.cfg.Epoch); err != nil {
			return nil, nil, err
		}
	}

	unique := make([]string, n)
	if col, ok := index[s.cfg.UniqueColumn]; ok && s.cfg.UniqueColumn != "" {
		for i, row := range rows {
			unique[i] = strings.TrimSpace(row[col])
		}
	} else if positions, err := t.Positions(); err == nil {
		for i, p := range positions {
			unique[i] = strconv.FormatFloat(p.RA, 'f', 7, 64) + "," + strconv.FormatFloat(p.Dec, 'f', 7, 64)
		}
	} else {
		return nil, nil, err
	}
	return t, unique, nil
}

func setColumn(t *schema.Table, f schema.Field, rows [][]string, col int) error {
	switch f.Kind {
	case schema.KindInt:
		v := make([]int64, len(rows))
		for i, row := range rows {
			x, err := strconv.ParseInt(strings.TrimSpace(row[col]), 10, 64)
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", i, f.Name, err)
			}
			v[i] = x
		}
		return t.SetInts(f.Name, v)
	case schema.KindFloat:
		v := make([]float64, len(rows))
		for i, row := range rows {
			x, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", i, f.Name, err)
			}
			v[i] = x
		}
		return t.SetFloats(f.Name, v)
	default:
		v := make([]string, len(rows))
		for i, row := range rows {
			v[i] = strings.TrimSpace(row[col])
		}
		return t.SetStrings(f.Name, v)
	}
}

func floatColumn(t *schema.Table, name string) []float64 {
	col, ok := t.Column(name)
	if !ok {
		return nil
	}
	out := make([]float64, col.Len())
	for i := range out {
		out[i] = col.Float(i)
	}
	return out
}

func stringColumn(t *schema.Table, name string) []string {
	col, ok := t.Column(name)
	if !ok || col.Kind != schema.KindString {
		return nil
	}
	return col.Strings
}

// headerColumns are meta columns filled from spectrum header keywords when the
// meta file does not provide them.
var headerColumns = []struct{ column, keyword string }{
	{schema.ColDateObs, "DATE-OBS"},
	{schema.ColTelescope, "TELESCOP"},
	{schema.ColGrating, "GRATING"},
}

// Annotate fills DATE-OBS, TELESCOPE and GRATING from the spectrum headers
// when the meta file lacks them.
func (s *Source) Annotate(ctx context.Context, meta *schema.Table, headers []core.Header) error {
	for _, hc := range headerColumns {
		if meta.Has(hc.column) {
			continue
		}
		values := make([]string, meta.Len())
		found := false
		for i, h := range headers {
			if v, ok := h.Get(hc.keyword); ok {
				values[i] = v
				found = true
			}
		}
		if !found {
			continue
		}
		if hc.column == schema.ColDateObs {
			for i, v := range values {
				// Some headers carry a full timestamp; the date is enough.
				if d, _, ok := strings.Cut(v, "T"); ok {
					values[i] = d
				}
			}
		}
		if err := meta.SetStrings(hc.column, values); err != nil {
			return err
		}
	}
	return nil
}
