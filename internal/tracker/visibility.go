package tracker

import (
	"sort"

	"github.com/banshee-data/persontrack/internal/skeleton"
)

// Visibility remembers last cycle's visible set so that enter and exit
// events can be synthesised by diffing, instead of relying on sensor
// callbacks.
type Visibility struct {
	prev map[skeleton.PersonID]struct{}
}

// NewVisibility returns an empty visibility tracker.
func NewVisibility() *Visibility {
	return &Visibility{prev: make(map[skeleton.PersonID]struct{})}
}

// Diff records visible as the current set and returns the ids that entered
// and exited since the previous call, each in ascending order.
func (v *Visibility) Diff(visible []skeleton.PersonID) (entered, exited []skeleton.PersonID) {
	cur := make(map[skeleton.PersonID]struct{}, len(visible))
	for _, id := range visible {
		cur[id] = struct{}{}
		if _, ok := v.prev[id]; !ok {
			entered = append(entered, id)
		}
	}
	for id := range v.prev {
		if _, ok := cur[id]; !ok {
			exited = append(exited, id)
		}
	}
	v.prev = cur
	sortIDs(entered)
	sortIDs(exited)
	return entered, exited
}

func sortIDs(ids []skeleton.PersonID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
