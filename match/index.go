// Package match assigns global identifiers to survey positions by
// great-circle nearest-neighbour matching against the master catalog.
package match

import (
	"sort"

	"github.com/INLOpen/skyarchive/core"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Arcsecond is one second of arc.
const Arcsecond = s1.Degree / 3600

// Arcsec converts a value in arcseconds to an angle.
func Arcsec(v float64) s1.Angle {
	return s1.Angle(v) * Arcsecond
}

// DefaultTolerance is the largest separation accepted when matching a survey
// record to its master catalog entry.
var DefaultTolerance = Arcsec(0.1)

// bruteForceFactor: queries wider than this many cells scan every point.
const bruteForceFactor = 8

// Hit is one indexed position found by a query.
type Hit struct {
	ID       int64
	Position core.Position
	Sep      s1.Angle
}

// maxCellLevel is the deepest S2 cell level (leaf cells).
const maxCellLevel = 30

// Index buckets positions by S2 cell at a single level, chosen so that a
// cell is at least as wide as the typical query radius.
type Index struct {
	level     int
	cellWidth float64 // radians
	ids       []int64
	positions []core.Position
	points    []s2.Point
	cells     map[s2.CellID][]int32
	coverer   *s2.RegionCoverer
}

// NewIndex creates an empty index tuned for queries of about radius.
func NewIndex(radius s1.Angle) *Index {
	level := maxCellLevel
	if radius > 0 {
		level = s2.MinWidthMetric.MaxLevel(radius.Radians())
	}
	if level < 0 {
		level = 0
	}
	if level > maxCellLevel {
		level = maxCellLevel
	}
	return &Index{
		level:     level,
		cellWidth: s2.MinWidthMetric.Value(level),
		cells:     make(map[s2.CellID][]int32),
		coverer:   &s2.RegionCoverer{MinLevel: level, MaxLevel: level, MaxCells: 16},
	}
}

func latLngOf(p core.Position) s2.LatLng {
	return s2.LatLngFromDegrees(p.Dec, p.RA)
}

// PointOf converts a sky position in degrees to an S2 point.
func PointOf(p core.Position) s2.Point {
	return s2.PointFromLatLng(latLngOf(p))
}

// Separation returns the great-circle distance between two positions.
func Separation(a, b core.Position) s1.Angle {
	return PointOf(a).Distance(PointOf(b))
}

// Level returns the S2 cell level used for bucketing.
func (x *Index) Level() int { return x.level }

// Len returns the number of indexed positions.
func (x *Index) Len() int { return len(x.ids) }

// Add indexes a position under id.
func (x *Index) Add(id int64, pos core.Position) {
	ll := latLngOf(pos)
	pt := s2.PointFromLatLng(ll)
	n := int32(len(x.ids))
	x.ids = append(x.ids, id)
	x.positions = append(x.positions, pos)
	x.points = append(x.points, pt)
	cell := s2.CellIDFromLatLng(ll).Parent(x.level)
	x.cells[cell] = append(x.cells[cell], n)
}

func (x *Index) hit(i int32, sep s1.Angle) Hit {
	return Hit{ID: x.ids[i], Position: x.positions[i], Sep: sep}
}

// Within returns every indexed position within radius of pos, closest first.
func (x *Index) Within(pos core.Position, radius s1.Angle) []Hit {
	if len(x.ids) == 0 || radius < 0 {
		return nil
	}
	center := PointOf(pos)
	var hits []Hit
	if radius.Radians() > bruteForceFactor*x.cellWidth {
		for i, pt := range x.points {
			if sep := center.Distance(pt); sep <= radius {
				hits = append(hits, x.hit(int32(i), sep))
			}
		}
	} else {
		covering := x.coverer.Covering(s2.CapFromCenterAngle(center, radius))
		for _, cell := range covering {
			for _, i := range x.cells[cell] {
				if sep := center.Distance(x.points[i]); sep <= radius {
					hits = append(hits, x.hit(i, sep))
				}
			}
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Sep != hits[b].Sep {
			return hits[a].Sep < hits[b].Sep
		}
		return hits[a].ID < hits[b].ID
	})
	return hits
}

// Nearest returns the closest indexed position to pos. ok is false for an
// empty index.
func (x *Index) Nearest(pos core.Position) (Hit, bool) {
	if len(x.ids) == 0 {
		return Hit{}, false
	}
	// Everything within one cell width is covered by a local query, so a local
	// hit is the global nearest.
	if hits := x.Within(pos, s1.Angle(x.cellWidth)); len(hits) > 0 {
		return hits[0], true
	}
	center := PointOf(pos)
	best, bestSep := int32(0), center.Distance(x.points[0])
	for i := 1; i < len(x.points); i++ {
		if sep := center.Distance(x.points[i]); sep < bestSep || (sep == bestSep && x.ids[i] < x.ids[best]) {
			best, bestSep = int32(i), sep
		}
	}
	return x.hit(best, bestSep), true
}
