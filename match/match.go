package match

import (
	"fmt"

	"github.com/INLOpen/skyarchive/core"
	"github.com/golang/geo/s1"
)

// MatchError reports a failed match. Row is the first offending input; Failed
// counts every input beyond tolerance.
type MatchError struct {
	Row       int
	Position  core.Position
	Nearest   *Hit // nil when the master index is empty
	Tolerance s1.Angle
	Failed    int
}

func (e *MatchError) Error() string {
	if e.Nearest == nil {
		return fmt.Sprintf("row %d at %s: master catalog is empty", e.Row, e.Position)
	}
	return fmt.Sprintf("row %d at %s: nearest master entry %d is %.4f arcsec away, tolerance %.4f arcsec (%d rows beyond tolerance)",
		e.Row, e.Position, e.Nearest.ID, e.Nearest.Sep.Degrees()*3600, e.Tolerance.Degrees()*3600, e.Failed)
}

func (e *MatchError) Unwrap() error { return core.ErrMatchTooFar }

// Match returns, for every subset position in order, the id of its nearest
// master entry. If any nearest separation exceeds tol no ids are returned
// and the error wraps core.ErrMatchTooFar.
func Match(subset []core.Position, master *Index, tol s1.Angle) ([]int64, error) {
	ids := make([]int64, len(subset))
	var first *MatchError
	for i, pos := range subset {
		hit, ok := master.Nearest(pos)
		if ok && hit.Sep <= tol {
			ids[i] = hit.ID
			continue
		}
		if first == nil {
			first = &MatchError{Row: i, Position: pos, Tolerance: tol}
			if ok {
				h := hit
				first.Nearest = &h
			}
		}
		first.Failed++
	}
	if first != nil {
		return nil, first
	}
	return ids, nil
}

// Distinct returns the number of distinct ids.
func Distinct(ids []int64) int {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
