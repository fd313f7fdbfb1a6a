package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/INLOpen/skyarchive/archive"
	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/match"
)

var errUsage = errors.New("usage")

// run executes one inspection against the archive named by -archive.
func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("skyarchive-inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("archive", "", "Archive directory")
	id := fs.Int64("id", -1, "Show the membership and observations of a global id")
	ra := fs.Float64("ra", 0, "Cone search center RA in degrees")
	dec := fs.Float64("dec", 0, "Cone search center DEC in degrees")
	radius := fs.Float64("radius", 0, "Cone search radius in arcsec (enables the cone search)")
	survey := fs.String("survey", "", "Show the records of a survey")
	row := fs.Int("row", -1, "With -survey, print the spectrum of a row")
	verify := fs.Bool("verify", false, "Verify every survey container")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" {
		fs.Usage()
		return errUsage
	}

	r, err := archive.Open(*root, archive.ReaderOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer r.Close()

	switch {
	case *id >= 0:
		return showSource(stdout, r, *id)
	case *radius > 0:
		return showCone(stdout, r, core.Position{RA: *ra, Dec: *dec}, *radius)
	case *survey != "" && *row >= 0:
		return showSpectrum(stdout, r, *survey, *row)
	case *survey != "":
		return showSurvey(stdout, r, *survey)
	case *verify:
		return verifyAll(stdout, r)
	default:
		return showSummary(stdout, r)
	}
}

func showSummary(w io.Writer, r *archive.Reader) error {
	m := r.Manifest()
	fmt.Fprintf(w, "version %s, build %s, updated %s\n", m.Version, m.BuildID, m.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "catalog: %d sources\n\n", r.Catalog().Len())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SURVEY\tBIT\tWEIGHT\tRECORDS\tSOURCES\tMAX NPIX\tWIDTH\tCOMPRESSION\tCOMMITTED")
	for _, s := range m.Surveys {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			s.Name, s.Bit, uint64(1)<<s.Bit, s.Records, s.Sources, s.MaxNPix, s.MaxWidth, s.Compression,
			s.CommittedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func showSource(w io.Writer, r *archive.Reader, id int64) error {
	e, ok := r.Entry(id)
	if !ok {
		return fmt.Errorf("global id %d is not in the catalog", id)
	}
	surveys, err := r.Membership(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "IGM_ID %d at %s zem %.4f (%s) %s flag_survey %d\n", e.GlobalID, e.Position(), e.Zem, e.FlagZem, e.SType, e.Membership)
	fmt.Fprintf(w, "surveys: %v\n", surveys)
	obs, err := r.Observations(id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SURVEY\tROW\tINSTR\tDATE-OBS\tR\tNPIX\tWV_MIN\tWV_MAX\tSPEC_FILE")
	for _, o := range obs {
		rec := o.Record
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.0f\t%d\t%.2f\t%.2f\t%s\n",
			o.Survey, o.Row, rec.Instrument, rec.DateObs, rec.R, rec.NPix, rec.WvMin, rec.WvMax, rec.SpecFile)
	}
	return tw.Flush()
}

func showCone(w io.Writer, r *archive.Reader, center core.Position, arcsec float64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IGM_ID\tRA\tDEC\tSEP\"\tzem\tSURVEYS")
	for _, e := range r.Cone(center, match.Arcsec(arcsec)) {
		surveys, err := r.Membership(e.GlobalID)
		if err != nil {
			return err
		}
		sep := match.Separation(center, e.Position()).Degrees() * 3600
		fmt.Fprintf(tw, "%d\t%.6f\t%+.6f\t%.3f\t%.4f\t%v\n", e.GlobalID, e.RA, e.Dec, sep, e.Zem, surveys)
	}
	return tw.Flush()
}

func showSurvey(w io.Writer, r *archive.Reader, survey string) error {
	info, ok := r.SurveyInfo(survey)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownSurvey, survey)
	}
	refs, err := r.References(survey)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: bit %d, %d records of %d sources, width %d (max npix %d)\n", info.Name, info.Bit, info.Records, info.Sources, info.MaxWidth, info.MaxNPix)
	for _, ref := range refs {
		fmt.Fprintf(w, "  %s %s\n", ref.Bib, ref.URL)
	}
	if len(info.Observations) > 0 {
		counts := make([]int, 0, len(info.Observations))
		for n := range info.Observations {
			counts = append(counts, n)
		}
		sort.Ints(counts)
		for _, n := range counts {
			fmt.Fprintf(w, "  %d source(s) observed %d time(s)\n", info.Observations[n], n)
		}
	}

	recs, err := r.Records(survey)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tIGM_ID\tRA\tDEC\tzem\tINSTR\tR\tNPIX\tSPEC_FILE")
	for i, rec := range recs {
		fmt.Fprintf(tw, "%d\t%d\t%.6f\t%+.6f\t%.4f\t%s\t%.0f\t%d\t%s\n",
			i, rec.GlobalID, rec.RA, rec.Dec, rec.Zem, rec.Instrument, rec.R, rec.NPix, rec.SpecFile)
	}
	return tw.Flush()
}

func showSpectrum(w io.Writer, r *archive.Reader, survey string, row int) error {
	s, err := r.Spectrum(survey, row)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s row %d, %d pixels\n", survey, row, s.NPix())
	for i := range s.Wave {
		fmt.Fprintf(w, "%.4f %g %g\n", s.Wave[i], s.Flux[i], s.Sig[i])
	}
	return nil
}

func verifyAll(w io.Writer, r *archive.Reader) error {
	var failed int
	for _, s := range r.Surveys() {
		if err := r.Verify(s); err != nil {
			failed++
			fmt.Fprintf(w, "%s\tFAIL\t%v\n", s, err)
			continue
		}
		fmt.Fprintf(w, "%s\tOK\n", s)
	}
	if failed > 0 {
		return fmt.Errorf("%d survey container(s) failed verification", failed)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "skyarchive-inspect:", err)
		}
		os.Exit(1)
	}
}
