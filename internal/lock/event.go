package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/persontrack/internal/skeleton"
)

// EventKind names a lock transition.
type EventKind string

const (
	EventLocked     EventKind = "locked"     // idle → tracking on operator request
	EventLost       EventKind = "lost"       // tracking → searching
	EventRelocked   EventKind = "relocked"   // searching → tracking via the matcher
	EventAbandoned  EventKind = "abandoned"  // searching → idle after the timeout
	EventReleased   EventKind = "released"   // operator cleared the target
	EventRetargeted EventKind = "retargeted" // operator chose a different target
)

// Event records one state transition.
type Event struct {
	Kind      EventKind         `json:"kind"`
	SessionID string            `json:"session_id"`
	From      State             `json:"from"`
	To        State             `json:"to"`
	Target    skeleton.PersonID `json:"target"`
	Previous  skeleton.PersonID `json:"previous,omitempty"`
	Distance  float64           `json:"distance,omitempty"` // metres; relocks only
	At        time.Time         `json:"at"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventRelocked:
		return fmt.Sprintf("%s %s: %d -> %d at %.3fm", e.SessionID, e.Kind, e.Previous, e.Target, e.Distance)
	case EventRetargeted:
		return fmt.Sprintf("%s %s: %d -> %d", e.SessionID, e.Kind, e.Previous, e.Target)
	}
	return fmt.Sprintf("%s %s: target %d (%s -> %s)", e.SessionID, e.Kind, e.Target, e.From, e.To)
}

// EventSink receives lock transitions, e.g. for persistence.
type EventSink interface {
	RecordEvent(ctx context.Context, e Event) error
}
