package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/skyarchive/catalog"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/match"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func testOptions() Options {
	return Options{
		Version:      "v01",
		Compression:  "snappy",
		RowsPerChunk: 2,
		Tracer:       noop.NewTracerProvider().Tracer("test"),
	}
}

func spectrum(npix int, start float64) *core.Spectrum {
	s := &core.Spectrum{Wave: make([]float64, npix), Flux: make([]float32, npix), Sig: make([]float32, npix)}
	for i := range s.Wave {
		s.Wave[i] = start + float64(i)
		s.Flux[i] = float32(i)
		s.Sig[i] = 0.1
	}
	return s
}

func padded(s *core.Spectrum, width int) *core.Spectrum {
	p := &core.Spectrum{Wave: make([]float64, width), Flux: make([]float32, width), Sig: make([]float32, width)}
	copy(p.Wave, s.Wave)
	copy(p.Flux, s.Flux)
	copy(p.Sig, s.Sig)
	return p
}

// stageSurvey stages a survey with one record per position and npix pixels each.
func stageSurvey(t *testing.T, a *Archive, name string, width int, positions []core.Position, npix []int) *Pending {
	t.Helper()
	p, err := a.Begin(name, width)
	require.NoError(t, err)

	cands := make([]core.CatalogCandidate, len(positions))
	for i, pos := range positions {
		cands[i] = core.CatalogCandidate{Position: pos, Zem: 2, FlagZem: "BOSS", SType: "QSO"}
	}
	res := p.ExtendCatalog(cands)

	w, err := p.CreateContainer(len(positions))
	require.NoError(t, err)
	records := make([]core.SurveyRecord, len(positions))
	for i, pos := range positions {
		s := spectrum(npix[i], 3000+float64(i))
		require.NoError(t, w.Append(padded(s, width)))
		records[i] = core.SurveyRecord{
			GlobalID: res.IDs[i], SurveyID: int64(i), RA: pos.RA, Dec: pos.Dec, Epoch: 2000,
			Instrument: "ESI", Telescope: "Keck-II", DateObs: "2010-01-02", R: 4545,
			NPix: int64(npix[i]), WvMin: s.Wave[0], WvMax: s.Wave[npix[i]-1], SpecFile: name + ".fits",
		}
	}
	require.NoError(t, p.WriteMeta(records, []core.Reference{{URL: "http://example.org/" + name, Bib: name}}))
	return p
}

func TestOpenForBuild_Lock(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)

	_, err = OpenForBuild(root, testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrArchiveLocked))
	assert.True(t, core.IsFatal(err))

	require.NoError(t, a.Close())
	b, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestCommitAndRead(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)

	positions := []core.Position{{RA: 10, Dec: 10}, {RA: 20, Dec: 20}, {RA: 10, Dec: 10}}
	p := stageSurvey(t, a, "ESI_DLA", 8, positions, []int{4, 8, 2})
	info, err := p.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(0), info.Bit)
	assert.Equal(t, 3, info.Records)
	assert.Equal(t, 2, info.Sources)
	assert.Equal(t, 8, info.MaxNPix)
	assert.Equal(t, map[int]int{1: 1, 2: 1}, info.Observations)
	assert.Equal(t, a.BuildID(), info.BuildID)
	assert.True(t, a.HasSurvey("ESI_DLA"))

	_, err = os.Stat(core.PendingSurveyDir(root, "ESI_DLA"))
	assert.True(t, os.IsNotExist(err))

	p2 := stageSurvey(t, a, "HD-LLS_DR1", 4, []core.Position{{RA: 20, Dec: 20}, {RA: 30, Dec: 30}}, []int{3, 4})
	info2, err := p2.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), info2.Bit)
	require.NoError(t, a.Close())

	r, err := Open(root, ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"ESI_DLA", "HD-LLS_DR1"}, r.Surveys())

	hits := r.Cone(core.Position{RA: 20, Dec: 20}, match.Arcsec(1))
	require.Len(t, hits, 1)
	id := hits[0].GlobalID
	members, err := r.Membership(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ESI_DLA", "HD-LLS_DR1"}, members)
	assert.Equal(t, uint64(3), hits[0].Membership)

	obs, err := r.Observations(id)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "ESI_DLA", obs[0].Survey)
	assert.Equal(t, 1, obs[0].Row)
	assert.Equal(t, "HD-LLS_DR1", obs[1].Survey)
	assert.Equal(t, 0, obs[1].Row)

	recs, err := r.Records("ESI_DLA")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, recs[0].GlobalID, recs[2].GlobalID, "repeat observation shares the id")
	refs, err := r.References("ESI_DLA")
	require.NoError(t, err)
	assert.Equal(t, []core.Reference{{URL: "http://example.org/ESI_DLA", Bib: "ESI_DLA"}}, refs)

	s, err := r.Spectrum("ESI_DLA", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{3002, 3003}, s.Wave)

	m, err := r.SurveyMembers("HD-LLS_DR1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Contains(id))

	require.NoError(t, r.Verify("ESI_DLA"))
	require.NoError(t, r.Verify("HD-LLS_DR1"))

	_, err = r.Records("NOPE")
	assert.ErrorIs(t, err, core.ErrUnknownSurvey)
	assert.ErrorIs(t, r.Verify("NOPE"), core.ErrUnknownSurvey)
}

func TestRollback_LeavesNoTrace(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)
	defer a.Close()

	p := stageSurvey(t, a, "BAD", 4, []core.Position{{RA: 1, Dec: 1}}, []int{4})
	require.NoError(t, p.Rollback())
	require.NoError(t, p.Rollback())

	_, err = os.Stat(core.PendingSurveyDir(root, "BAD"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(core.SurveyDir(root, "BAD"))
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, a.Catalog().Len())
	assert.False(t, a.HasSurvey("BAD"))
	_, assigned := a.Bits().Lookup("BAD")
	assert.False(t, assigned)

	// The name can be staged again.
	p = stageSurvey(t, a, "BAD", 4, []core.Position{{RA: 1, Dec: 1}}, []int{4})
	_, err = p.Commit(context.Background())
	require.NoError(t, err)
}

func TestCommit_ManifestFailureKeepsCommittedCatalog(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)
	base := []core.Position{{RA: 10, Dec: 10}, {RA: 20, Dec: 20}, {RA: 30, Dec: 30}}
	_, err = stageSurvey(t, a, "BASE", 4, base, []int{2, 3, 4}).Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Manifest().CatalogNextID)

	// A directory in place of the manifest temp file makes the commit point fail.
	blocker := filepath.Join(root, core.ManifestFileName+core.TempFileSuffix)
	require.NoError(t, os.Mkdir(blocker, 0755))
	p := stageSurvey(t, a, "NEW", 4, []core.Position{{RA: 40, Dec: 40}, {RA: 50, Dec: 50}}, []int{1, 2})
	_, err = p.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, 3, a.Catalog().Len())
	assert.False(t, a.HasSurvey("NEW"))
	_, err = os.Stat(core.SurveyDir(root, "NEW"))
	assert.True(t, os.IsNotExist(err))

	onDisk, err := catalog.Load(filepath.Join(root, core.CatalogFileName), catalog.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, onDisk.Len(), "catalog file restored to the committed state")
	require.NoError(t, os.Remove(blocker))
	require.NoError(t, a.Close())

	// A crash between the catalog and manifest writes leaves extra entries
	// on disk; opening the archive drops them.
	crashed, err := catalog.FromEntries(append(onDisk.Entries(),
		core.CatalogEntry{GlobalID: 3, RA: 40, Dec: 40, Membership: 1 << 1},
		core.CatalogEntry{GlobalID: 4, RA: 50, Dec: 50, Membership: 1 << 1},
	), catalog.Options{})
	require.NoError(t, err)
	require.NoError(t, crashed.WriteFile(filepath.Join(root, core.CatalogFileName)))

	r, err := Open(root, ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Catalog().Len())
	assert.Empty(t, r.Cone(core.Position{RA: 40, Dec: 40}, match.Arcsec(1)))
	require.NoError(t, r.Close())

	a, err = OpenForBuild(root, testOptions())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 3, a.Catalog().Len())
	assert.Equal(t, []string{"BASE"}, a.Manifest().SurveyNames())

	// The survey can be retried and reuses the freed ids.
	p = stageSurvey(t, a, "NEW", 4, []core.Position{{RA: 40, Dec: 40}, {RA: 50, Dec: 50}}, []int{1, 2})
	info, err := p.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, info.Sources)
	assert.Equal(t, 5, a.Catalog().Len())
	assert.Equal(t, int64(5), a.Manifest().CatalogNextID)
	e, ok := a.Catalog().Entry(4)
	require.True(t, ok)
	assert.Equal(t, uint64(1)<<info.Bit, e.Membership)
}

func TestBegin_Errors(t *testing.T) {
	a, err := OpenForBuild(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer a.Close()

	p := stageSurvey(t, a, "ONE", 4, []core.Position{{RA: 1, Dec: 1}}, []int{1})
	_, err = a.Begin("TWO", 4)
	assert.Error(t, err, "only one pending survey")
	_, err = p.Commit(context.Background())
	require.NoError(t, err)

	_, err = a.Begin("ONE", 4)
	assert.ErrorIs(t, err, core.ErrSurveyExists)
	_, err = a.Begin("../escape", 4)
	assert.Error(t, err)
	_, err = a.Begin("ZERO", 0)
	assert.Error(t, err)
}

func TestWriteMeta_RowMismatch(t *testing.T) {
	a, err := OpenForBuild(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer a.Close()

	p, err := a.Begin("S", 4)
	require.NoError(t, err)
	assert.Error(t, p.WriteMeta(nil, nil), "meta before container")

	w, err := p.CreateContainer(1)
	require.NoError(t, err)
	require.NoError(t, w.Append(padded(spectrum(2, 1), 4)))
	err = p.WriteMeta([]core.SurveyRecord{{}, {}}, nil)
	assert.ErrorIs(t, err, core.ErrSizeMismatch)

	_, err = p.Commit(context.Background())
	assert.Error(t, err, "commit without meta")
	require.NoError(t, p.Rollback())
}

func TestOpenForBuild_CleansInterruptedBuild(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)
	p := stageSurvey(t, a, "KEEP", 4, []core.Position{{RA: 1, Dec: 1}}, []int{1})
	_, err = p.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Leftovers of a crashed build: a pending group and an unlisted group.
	require.NoError(t, os.MkdirAll(core.PendingSurveyDir(root, "HALF"), 0755))
	require.NoError(t, os.MkdirAll(core.SurveyDir(root, "ORPHAN"), 0755))

	a, err = OpenForBuild(root, testOptions())
	require.NoError(t, err)
	defer a.Close()
	_, err = os.Stat(core.PendingSurveyDir(root, "HALF"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(core.SurveyDir(root, "ORPHAN"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(core.SurveyDir(root, "KEEP"))
	assert.NoError(t, err)
	assert.Equal(t, 1, a.Catalog().Len())
	assert.Equal(t, []string{"KEEP"}, a.Manifest().SurveyNames())
}

func TestOpenForBuild_VersionMismatch(t *testing.T) {
	root := t.TempDir()
	a, err := OpenForBuild(root, testOptions())
	require.NoError(t, err)
	p := stageSurvey(t, a, "S", 4, []core.Position{{RA: 1, Dec: 1}}, []int{1})
	_, err = p.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	opts := testOptions()
	opts.Version = "v02"
	_, err = OpenForBuild(root, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds version v01")

	// The failed open released the lock.
	a, err = OpenForBuild(root, testOptions())
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestManifest_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), core.ManifestFileName)
	m := &Manifest{Version: "v01", BuildID: "b", Surveys: []SurveyInfo{{Name: "A", Bit: 0, Records: 3}}}
	require.NoError(t, WriteManifest(path, m))

	got, ok, err := ReadManifest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v01", got.Version)
	assert.Equal(t, 3, got.Surveys[0].Records)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0644))
	_, _, err = ReadManifest(path)
	assert.Error(t, err)

	_, ok, err = ReadManifest(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_NotAnArchive(t *testing.T) {
	_, err := Open(t.TempDir(), ReaderOptions{})
	assert.ErrorIs(t, err, core.ErrIO)
}
