package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"time"

	"github.com/INLOpen/skyarchive/core"
	"github.com/INLOpen/skyarchive/sys"
)

// SurveyInfo describes one committed survey group.
type SurveyInfo struct {
	Name        string           `json:"name"`
	Bit         uint             `json:"bit"`
	Records     int              `json:"records"`
	Sources     int              `json:"sources"` // distinct global ids
	MaxWidth    int              `json:"max_width"`
	MaxNPix     int              `json:"max_npix"`
	Compression string           `json:"compression"`
	References  []core.Reference `json:"references,omitempty"`
	// Observations maps an observation count to the number of sources the
	// survey observed that many times.
	Observations map[int]int `json:"observations,omitempty"`
	BuildID      string      `json:"build_id"`
	CommittedAt  time.Time   `json:"committed_at"`
}

// Manifest is the committed state of an archive. A survey exists in the
// archive iff it is listed here.
type Manifest struct {
	Version   string       `json:"version"`
	BuildID   string       `json:"build_id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Surveys   []SurveyInfo `json:"surveys"`
	// CatalogNextID bounds the committed catalog: entries with a global id
	// at or above it were added by a survey that never committed.
	CatalogNextID int64 `json:"catalog_next_id"`
}

// Survey returns the info of a committed survey.
func (m *Manifest) Survey(name string) (SurveyInfo, bool) {
	for _, s := range m.Surveys {
		if s.Name == name {
			return s, true
		}
	}
	return SurveyInfo{}, false
}

// SurveyNames returns the committed surveys ordered by bit.
func (m *Manifest) SurveyNames() []string {
	s := append([]SurveyInfo(nil), m.Surveys...)
	sort.Slice(s, func(i, j int) bool { return s[i].Bit < s[j].Bit })
	names := make([]string, len(s))
	for i := range s {
		names[i] = s[i].Name
	}
	return names
}

// committedMask returns the OR of the bits of every committed survey.
func (m *Manifest) committedMask() uint64 {
	var mask uint64
	for _, s := range m.Surveys {
		mask |= 1 << s.Bit
	}
	return mask
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Surveys = append([]SurveyInfo(nil), m.Surveys...)
	return &c
}

// WriteManifest atomically writes m as header | length | json | crc32.
func WriteManifest(path string, m *Manifest) error {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	err = sys.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		header := core.NewFileHeader(core.ManifestMagicNumber, core.CompressionNone)
		if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(body))); err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, crc32.ChecksumIEEE(body))
	})
	return core.WrapIO("write manifest", path, err)
}

// ReadManifest reads a manifest written by WriteManifest. ok is false when
// the file does not exist.
func ReadManifest(path string) (m *Manifest, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, core.WrapIO("read manifest", path, err)
	}
	r := bytes.NewReader(data)
	if _, err := core.ReadFileHeader(r, core.ManifestMagicNumber); err != nil {
		return nil, true, fmt.Errorf("manifest %s: %w", path, err)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, true, fmt.Errorf("manifest %s: failed to read length: %w", path, err)
	}
	if int(n)+core.ChecksumSize != r.Len() {
		return nil, true, &core.SizeMismatchError{What: "manifest body length", Want: int(n) + core.ChecksumSize, Got: r.Len()}
	}
	body := make([]byte, n)
	io.ReadFull(r, body)
	var sum uint32
	binary.Read(r, binary.LittleEndian, &sum)
	if crc32.ChecksumIEEE(body) != sum {
		return nil, true, fmt.Errorf("manifest %s: checksum mismatch", path)
	}
	m = &Manifest{}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, true, fmt.Errorf("manifest %s: failed to decode: %w", path, err)
	}
	return m, true, nil
}
