package lock

import (
	"github.com/banshee-data/persontrack/internal/skeleton"
	"go.uber.org/atomic"
)

// TargetStore is the shared desired-target parameter. Operators (the HTTP
// API, the -target flag) write it; the cycle loop reads it at the top of
// every cycle and writes back re-locks and abandonment.
type TargetStore struct {
	id atomic.Uint32
}

// NewTargetStore returns a store holding initial.
func NewTargetStore(initial skeleton.PersonID) *TargetStore {
	s := &TargetStore{}
	s.id.Store(uint32(initial))
	return s
}

// Load returns the current desired target.
func (s *TargetStore) Load() skeleton.PersonID {
	return skeleton.PersonID(s.id.Load())
}

// Store sets the desired target.
func (s *TargetStore) Store(id skeleton.PersonID) {
	s.id.Store(uint32(id))
}

// CompareAndSwap replaces old with next only if no one else has changed the
// target since old was read.
func (s *TargetStore) CompareAndSwap(old, next skeleton.PersonID) bool {
	return s.id.CompareAndSwap(uint32(old), uint32(next))
}
