package archive

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/INLOpen/skyarchive/bitmask"
	"github.com/INLOpen/skyarchive/catalog"
	"github.com/INLOpen/skyarchive/container"
	"github.com/INLOpen/skyarchive/core"

	"github.com/golang/geo/s1"
)

// CatalogQuery answers questions about the master catalog.
type CatalogQuery interface {
	Cone(pos core.Position, radius s1.Angle) []core.CatalogEntry
	Entry(id int64) (core.CatalogEntry, bool)
	Surveys() []string
	SurveyInfo(survey string) (SurveyInfo, bool)
	Membership(id int64) ([]string, error)
	SurveyMembers(survey string) (*bitmask.Membership, error)
}

// RecordRetrieval reads the records and measurements of committed surveys.
type RecordRetrieval interface {
	Records(survey string) ([]core.SurveyRecord, error)
	References(survey string) ([]core.Reference, error)
	Spectrum(survey string, row int) (core.Spectrum, error)
	Observations(id int64) ([]Observation, error)
}

// Observation is one survey record of a catalog source.
type Observation struct {
	Survey string
	Row    int
	Record core.SurveyRecord
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	ChunkCacheSize int
	Logger         *slog.Logger
}

type surveyMeta struct {
	records []core.SurveyRecord
	refs    []core.Reference
}

// Reader is a read-only view of the committed state of an archive. It does
// not take the build lock and sees the manifest as of Open.
type Reader struct {
	root     string
	opts     ReaderOptions
	manifest *Manifest
	catalog  *catalog.Catalog
	weights  map[string]uint64

	mu         sync.Mutex
	meta       map[string]*surveyMeta
	containers map[string]*container.Reader
	logger     *slog.Logger
}

var (
	_ CatalogQuery    = (*Reader)(nil)
	_ RecordRetrieval = (*Reader)(nil)
)

// Open opens the archive at root for reading.
func Open(root string, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m, ok, err := ReadManifest(filepath.Join(root, core.ManifestFileName))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.WrapIO("open archive", root, fmt.Errorf("no manifest, not an archive"))
	}
	cat, err := catalog.Load(filepath.Join(root, core.CatalogFileName), catalog.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	// Entries and bits the manifest does not account for are not committed.
	cat.Truncate(m.CatalogNextID)
	cat.ClearMembership(^m.committedMask())

	weights := make(map[string]uint64, len(m.Surveys))
	for _, s := range m.Surveys {
		weights[s.Name] = 1 << s.Bit
	}
	return &Reader{
		root:       root,
		opts:       opts,
		manifest:   m,
		catalog:    cat,
		weights:    weights,
		meta:       make(map[string]*surveyMeta),
		containers: make(map[string]*container.Reader),
		logger:     opts.Logger.With("component", "ArchiveReader", "root", root),
	}, nil
}

// Manifest returns the manifest the reader was opened with.
func (r *Reader) Manifest() *Manifest { return r.manifest.clone() }

// Catalog returns the master catalog.
func (r *Reader) Catalog() *catalog.Catalog { return r.catalog }

// Cone returns the catalog entries within radius of pos, closest first.
func (r *Reader) Cone(pos core.Position, radius s1.Angle) []core.CatalogEntry {
	return r.catalog.Cone(pos, radius)
}

// Entry returns a catalog entry by global id.
func (r *Reader) Entry(id int64) (core.CatalogEntry, bool) {
	return r.catalog.Entry(id)
}

// Surveys returns the committed surveys ordered by bit.
func (r *Reader) Surveys() []string { return r.manifest.SurveyNames() }

// SurveyInfo returns the manifest entry of a survey.
func (r *Reader) SurveyInfo(survey string) (SurveyInfo, bool) {
	return r.manifest.Survey(survey)
}

// Weights returns the membership weight of every committed survey.
func (r *Reader) Weights() map[string]uint64 {
	w := make(map[string]uint64, len(r.weights))
	for k, v := range r.weights {
		w[k] = v
	}
	return w
}

// Membership decodes the surveys contributing to a catalog entry.
func (r *Reader) Membership(id int64) ([]string, error) {
	e, ok := r.catalog.Entry(id)
	if !ok {
		return nil, fmt.Errorf("global id %d is not in the catalog", id)
	}
	return bitmask.Decode(e.Membership, r.weights), nil
}

// SurveyMembers loads the global ids a survey contributes to.
func (r *Reader) SurveyMembers(survey string) (*bitmask.Membership, error) {
	if _, ok := r.manifest.Survey(survey); !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSurvey, survey)
	}
	return bitmask.ReadMembership(filepath.Join(core.SurveyDir(r.root, survey), core.MembersFileName))
}

func (r *Reader) surveyMeta(survey string) (*surveyMeta, error) {
	if _, ok := r.manifest.Survey(survey); !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSurvey, survey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meta[survey]; ok {
		return m, nil
	}
	records, refs, err := ReadMeta(filepath.Join(core.SurveyDir(r.root, survey), core.MetaFileName))
	if err != nil {
		return nil, err
	}
	m := &surveyMeta{records: records, refs: refs}
	r.meta[survey] = m
	return m, nil
}

// Records returns the meta table of a survey.
func (r *Reader) Records(survey string) ([]core.SurveyRecord, error) {
	m, err := r.surveyMeta(survey)
	if err != nil {
		return nil, err
	}
	return append([]core.SurveyRecord(nil), m.records...), nil
}

// References returns the literature references of a survey.
func (r *Reader) References(survey string) ([]core.Reference, error) {
	m, err := r.surveyMeta(survey)
	if err != nil {
		return nil, err
	}
	return m.refs, nil
}

func (r *Reader) openContainer(survey string) (*container.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[survey]; ok {
		return c, nil
	}
	c, err := container.Open(filepath.Join(core.SurveyDir(r.root, survey), core.ContainerFileName), container.ReaderOptions{
		ChunkCacheSize: r.opts.ChunkCacheSize,
		Logger:         r.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.containers[survey] = c
	return c, nil
}

// Spectrum returns the measurement of row of a survey without padding.
func (r *Reader) Spectrum(survey string, row int) (core.Spectrum, error) {
	m, err := r.surveyMeta(survey)
	if err != nil {
		return core.Spectrum{}, err
	}
	if row < 0 || row >= len(m.records) {
		return core.Spectrum{}, fmt.Errorf("survey %s: row %d out of range [0, %d)", survey, row, len(m.records))
	}
	c, err := r.openContainer(survey)
	if err != nil {
		return core.Spectrum{}, err
	}
	if c.Len() != len(m.records) {
		return core.Spectrum{}, &core.SizeMismatchError{What: fmt.Sprintf("survey %s container rows vs meta rows", survey), Want: len(m.records), Got: c.Len()}
	}
	return c.Spectrum(row, int(m.records[row].NPix))
}

// Verify checks every chunk checksum of a survey container and that its row
// count matches the meta table.
func (r *Reader) Verify(survey string) error {
	m, err := r.surveyMeta(survey)
	if err != nil {
		return err
	}
	c, err := r.openContainer(survey)
	if err != nil {
		return err
	}
	if c.Len() != len(m.records) {
		return &core.SizeMismatchError{What: fmt.Sprintf("survey %s container rows vs meta rows", survey), Want: len(m.records), Got: c.Len()}
	}
	return c.Verify()
}

// Observations returns every survey record of a catalog source, in survey
// bit order then row order.
func (r *Reader) Observations(id int64) ([]Observation, error) {
	surveys, err := r.Membership(id)
	if err != nil {
		return nil, err
	}
	var out []Observation
	for _, s := range surveys {
		m, err := r.surveyMeta(s)
		if err != nil {
			return nil, err
		}
		for i, rec := range m.records {
			if rec.GlobalID == id {
				out = append(out, Observation{Survey: s, Row: i, Record: rec})
			}
		}
	}
	return out, nil
}

// Close closes every open container.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, c := range r.containers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.containers, name)
	}
	return first
}
