// Package ingest runs every survey of a build through the ingestion state
// machine and commits the ones that pass into the archive.
package ingest

import (
	"context"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/schema"
)

// Source is the raw data of one survey.
type Source interface {
	// Name is the survey name, used as its group name in the archive.
	Name() string
	// References are the literature references stored with the meta table.
	References() []core.Reference
	// BuildSubset returns the unique sources of the survey. They extend the
	// master catalog before the survey's records are matched.
	BuildSubset(ctx context.Context) ([]core.CatalogCandidate, error)
	// Metadata returns the raw meta table with one row per spectrum. The
	// assembler fills IGM_ID, SURVEY_ID, NPIX, WV_MIN and WV_MAX, and R when
	// the source does not provide it.
	Metadata(ctx context.Context) (*schema.Table, error)
	// ReadSpectrum returns the measurement of meta row i and its header.
	ReadSpectrum(ctx context.Context, i int) (core.Spectrum, core.Header, error)
}

// Annotator is implemented by sources that derive meta columns from the
// spectrum headers. Annotate is called once every spectrum is encoded, with
// one header per meta row.
type Annotator interface {
	Annotate(ctx context.Context, meta *schema.Table, headers []core.Header) error
}
