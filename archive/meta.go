package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/sys"

	"github.com/parquet-go/parquet-go"
)

// WriteMeta atomically writes a survey meta table with its references
// stored under the Refs key of the file metadata.
func WriteMeta(path string, records []core.SurveyRecord, refs []core.Reference) error {
	encoded, err := core.EncodeReferences(refs)
	if err != nil {
		return err
	}
	err = sys.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[core.SurveyRecord](w, parquet.KeyValueMetadata(core.RefsAttribute, encoded))
		if _, err := pw.Write(records); err != nil {
			return fmt.Errorf("failed to write meta rows: %w", err)
		}
		return pw.Close()
	})
	return core.WrapIO("write meta table", path, err)
}

// ReadMeta reads a meta table and its references.
func ReadMeta(path string) ([]core.SurveyRecord, []core.Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, core.WrapIO("open meta table", path, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, nil, core.WrapIO("stat meta table", path, err)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("meta table %s: %w", path, err)
	}
	var refs []core.Reference
	if v, ok := pf.Lookup(core.RefsAttribute); ok {
		if refs, err = core.DecodeReferences(v); err != nil {
			return nil, nil, fmt.Errorf("meta table %s: %w", path, err)
		}
	}

	reader := parquet.NewGenericReader[core.SurveyRecord](f)
	defer reader.Close()
	records := make([]core.SurveyRecord, reader.NumRows())
	if len(records) > 0 {
		n, err := reader.Read(records)
		if err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("meta table %s: failed to read rows: %w", path, err)
		}
		if n != len(records) {
			return nil, nil, &core.SizeMismatchError{What: "meta table rows read", Want: len(records), Got: n}
		}
	}
	return records, refs, nil
}
