package tabular

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/INLOpen/skyarchive/core"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ReadSpectrumFile reads an ASCII spectrum: one "wave flux sigma" triplet
// per line. Lines starting with '#' are comments; "# KEY = VALUE" comments
// form the header. Files ending in .gz or .zst are decompressed.
func ReadSpectrumFile(path string) (core.Spectrum, core.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Spectrum{}, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return core.Spectrum{}, nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return core.Spectrum{}, nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	spec, hdr, err := ParseSpectrum(r)
	if err != nil {
		return core.Spectrum{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, hdr, nil
}

// ParseSpectrum parses the ASCII spectrum format of ReadSpectrumFile.
func ParseSpectrum(r io.Reader) (core.Spectrum, core.Header, error) {
	var (
		spec core.Spectrum
		hdr  = core.Header{}
		line int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if key, value, ok := strings.Cut(strings.TrimPrefix(text, "#"), "="); ok {
				hdr[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), "'")
			}
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 {
			return core.Spectrum{}, nil, fmt.Errorf("line %d: want 3 columns, got %d", line, len(fields))
		}
		var v [3]float64
		for j := range v {
			x, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return core.Spectrum{}, nil, fmt.Errorf("line %d: %w", line, err)
			}
			v[j] = x
		}
		spec.Wave = append(spec.Wave, v[0])
		spec.Flux = append(spec.Flux, float32(v[1]))
		spec.Sig = append(spec.Sig, float32(v[2]))
	}
	if err := sc.Err(); err != nil {
		return core.Spectrum{}, nil, err
	}
	return spec, hdr, nil
}
