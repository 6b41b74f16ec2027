package publish

import (
	"context"
	"sync"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/trackdb"
)

// Store is the persistence the Recorder writes to.
type Store interface {
	RecordEvent(ctx context.Context, e lock.Event) error
	RecordEstimate(ctx context.Context, e trackdb.Estimate) error
}

// Recorder persists lock events and, while a session is active, the
// predicted torso position of every cycle. It is both a lock.EventSink and a
// Publisher, so the estimate rows carry the session they belong to.
type Recorder struct {
	store Store

	mu      sync.Mutex
	session string
	target  skeleton.PersonID
}

var (
	_ lock.EventSink = (*Recorder)(nil)
	_ Publisher      = (*Recorder)(nil)
)

// NewRecorder returns a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// RecordEvent tracks the active session and forwards e to the store.
func (r *Recorder) RecordEvent(ctx context.Context, e lock.Event) error {
	r.mu.Lock()
	switch e.Kind {
	case lock.EventLocked, lock.EventRetargeted, lock.EventRelocked:
		r.session = e.SessionID
		r.target = e.Target
	case lock.EventAbandoned, lock.EventReleased:
		r.session = ""
		r.target = skeleton.NoTarget
	}
	r.mu.Unlock()
	return r.store.RecordEvent(ctx, e)
}

// Publish stores the predicted pose, if the batch has one and a session is
// active.
func (r *Recorder) Publish(ctx context.Context, poses []geom.StampedPose) error {
	r.mu.Lock()
	session, target := r.session, r.target
	r.mu.Unlock()
	if session == "" {
		return nil
	}
	for _, p := range poses {
		if p.Name != skeleton.PredictedName {
			continue
		}
		return r.store.RecordEstimate(ctx, trackdb.Estimate{
			SessionID: session,
			Target:    target,
			Position:  p.Pose.Position,
			At:        p.Stamp,
		})
	}
	return nil
}
