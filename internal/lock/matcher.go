package lock

import (
	"math"
	"sort"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/skeleton"
)

// Candidate is a visible person with a valid sample this cycle.
type Candidate struct {
	ID       skeleton.PersonID
	Position geom.Vec3 // torso, reference frame
}

// Match is the closest candidate found by the Matcher.
type Match struct {
	ID       skeleton.PersonID
	Distance float64 // planar (x, y) metres
}

// Matcher picks the re-lock candidate nearest the last estimate.
type Matcher struct {
	Threshold float64 // metres; a match must be strictly closer
}

// Best returns the candidate with the smallest planar distance to ref.
// Candidates are visited in ascending ID order and only a strictly smaller
// distance replaces the current best, so equal distances resolve to the
// lowest ID regardless of sensor enumeration order. ok is false when there
// are no candidates or the closest is not under the threshold; the closest
// candidate is still returned for logging.
func (m Matcher) Best(ref geom.Vec3, candidates []Candidate) (best Match, ok bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best = Match{Distance: math.Inf(1)}
	for _, c := range sorted {
		d := ref.PlanarDistance(c.Position)
		if d < best.Distance {
			best = Match{ID: c.ID, Distance: d}
		}
	}
	if best.ID == skeleton.NoTarget {
		// Every distance was NaN.
		return Match{}, false
	}
	return best, best.Distance < m.Threshold
}
