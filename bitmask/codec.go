package bitmask

import (
	"fmt"

	"github.com/INLOpen/skyarchive/core"
)

// BitLookup resolves a survey name to its bit.
type BitLookup interface {
	Lookup(name string) (uint, bool)
}

// Encode ORs the bits of names into a membership flag.
func Encode(table BitLookup, names []string) (uint64, error) {
	var flag uint64
	for _, name := range names {
		bit, ok := table.Lookup(name)
		if !ok {
			return 0, fmt.Errorf("encode membership: %w: %s", core.ErrUnknownSurvey, name)
		}
		flag |= 1 << bit
	}
	return flag, nil
}

// Decode returns the surveys of weights whose weight is set in flag,
// ordered by bit. A survey with weight w is a member iff
// flag % (2*w) >= w, so bits the table does not know are ignored and an
// older table decodes flags written with a newer one.
func Decode(flag uint64, weights map[string]uint64) []string {
	var out []string
	for _, name := range sortedByWeight(weights) {
		w := weights[name]
		if w == 0 {
			continue
		}
		if w == 1<<63 {
			// 2*w overflows; the member test reduces to the top bit.
			if flag >= w {
				out = append(out, name)
			}
			continue
		}
		if flag%(2*w) >= w {
			out = append(out, name)
		}
	}
	return out
}
