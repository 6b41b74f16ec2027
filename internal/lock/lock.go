// Package lock decides, cycle by cycle, which person is the authoritative
// tracking target: lock on operator request, detect loss, reacquire by
// proximity to the last estimate and abandon after a timeout.
package lock

import (
	"fmt"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/google/uuid"
)

// State is the lock lifecycle state.
type State string

const (
	StateIdle      State = "idle"      // no target; all visible people published
	StateTracking  State = "tracking"  // target fused every cycle
	StateSearching State = "searching" // target unseen; estimator coasts, candidates scanned
)

// Config holds the lock tuning.
type Config struct {
	AbandonAfter       time.Duration // searching → idle after this long without fusion
	ProximityThreshold float64       // metres; planar re-lock gate
}

// DefaultConfig returns the reference tuning: 3 s abandonment, 0.8 m gate.
func DefaultConfig() Config {
	return Config{
		AbandonAfter:       3 * time.Second,
		ProximityThreshold: 0.8,
	}
}

// Session is one lock from operator request until release or abandonment.
// Re-locks onto a different id keep the session.
type Session struct {
	ID         string            `json:"id"`
	Target     skeleton.PersonID `json:"target"`
	State      State             `json:"state"`
	Started    time.Time         `json:"started"`
	LastFusion time.Time         `json:"last_fusion"`
}

// Action tells the cycle driver what to do with this cycle's samples.
type Action int

const (
	// ActionPublishAll publishes every visible person; the estimator is idle.
	ActionPublishAll Action = iota
	// ActionFuse publishes the target and fuses Result.Sample.
	ActionFuse
	// ActionCoast runs the estimator prediction only.
	ActionCoast
)

func (a Action) String() string {
	switch a {
	case ActionPublishAll:
		return "publish-all"
	case ActionFuse:
		return "fuse"
	case ActionCoast:
		return "coast"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Observation is the state machine's view of one cycle.
type Observation struct {
	Now time.Time
	// Samples holds every valid sample this cycle, keyed by person.
	Samples map[skeleton.PersonID]skeleton.PoseSample
	// Reference is the estimator's latest predicted position; HasReference is
	// false while the estimator is unseeded.
	Reference    geom.Vec3
	HasReference bool
}

// Result is the decision for one cycle.
type Result struct {
	Action Action
	Target skeleton.PersonID
	Sample skeleton.PoseSample // set for ActionFuse

	// StopOthers asks the pose provider to stop tracking everyone but Target.
	StopOthers bool
	// StartAll asks the pose provider to resume tracking every visible body.
	StartAll bool
	// ResetEstimator discards the estimate; the next fusion reseeds.
	ResetEstimator bool

	Events []Event
}

// StateMachine owns the lock session. It is not safe for concurrent use;
// the cycle loop is its only caller.
type StateMachine struct {
	cfg     Config
	store   *TargetStore
	matcher Matcher
	session *Session
	newID   func() string
}

// NewStateMachine returns an idle state machine bound to store.
func NewStateMachine(cfg Config, store *TargetStore) *StateMachine {
	return &StateMachine{
		cfg:     cfg,
		store:   store,
		matcher: Matcher{Threshold: cfg.ProximityThreshold},
		newID:   func() string { return "lck_" + uuid.NewString() },
	}
}

// State returns the current lifecycle state.
func (sm *StateMachine) State() State {
	if sm.session == nil {
		return StateIdle
	}
	return sm.session.State
}

// Session returns a copy of the active session.
func (sm *StateMachine) Session() (Session, bool) {
	if sm.session == nil {
		return Session{}, false
	}
	return *sm.session, true
}

// Step runs one cycle of the lock state machine.
func (sm *StateMachine) Step(obs Observation) Result {
	desired := sm.store.Load()
	var res Result

	if sm.session == nil {
		if desired == skeleton.NoTarget {
			res.Action = ActionPublishAll
			return res
		}
		sm.start(desired, obs.Now, &res, EventLocked, skeleton.NoTarget)
	} else if desired != sm.session.Target {
		if desired == skeleton.NoTarget {
			sm.end(obs.Now, &res, EventReleased)
			res.StartAll = true
			res.Action = ActionPublishAll
			return res
		}
		prev := *sm.session
		sm.end(obs.Now, &res, "")
		sm.start(desired, obs.Now, &res, EventRetargeted, prev.Target)
		res.Events[len(res.Events)-1].From = prev.State
	}

	res.Target = sm.session.Target
	switch sm.session.State {
	case StateTracking:
		sm.track(obs, &res)
	case StateSearching:
		sm.search(obs, &res)
	}
	return res
}

func (sm *StateMachine) track(obs Observation, res *Result) {
	s := sm.session
	if sample, ok := obs.Samples[s.Target]; ok {
		s.LastFusion = obs.Now
		res.Action = ActionFuse
		res.Sample = sample
		return
	}
	sm.transition(StateSearching, obs.Now, res, Event{Kind: EventLost, Target: s.Target})
	res.StartAll = true
	res.Action = ActionCoast
}

func (sm *StateMachine) search(obs Observation, res *Result) {
	s := sm.session
	res.Action = ActionCoast

	if m, ok := sm.reacquire(obs); ok {
		prev := s.Target
		s.Target = m.ID
		s.LastFusion = obs.Now
		sm.store.CompareAndSwap(prev, m.ID)
		sm.transition(StateTracking, obs.Now, res, Event{
			Kind: EventRelocked, Target: m.ID, Previous: prev, Distance: m.Distance,
		})
		res.Target = m.ID
		return
	}

	if obs.Now.Sub(s.LastFusion) >= sm.cfg.AbandonAfter {
		target := s.Target
		sm.store.CompareAndSwap(target, skeleton.NoTarget)
		sm.end(obs.Now, res, EventAbandoned)
		res.Target = skeleton.NoTarget
		res.Action = ActionPublishAll
	}
}

// reacquire runs the matcher over every valid sample. Without a reference
// (the target was never fused) only the original target may re-lock.
func (sm *StateMachine) reacquire(obs Observation) (Match, bool) {
	if !obs.HasReference {
		if _, ok := obs.Samples[sm.session.Target]; ok {
			return Match{ID: sm.session.Target}, true
		}
		return Match{}, false
	}
	candidates := make([]Candidate, 0, len(obs.Samples))
	for id, s := range obs.Samples {
		candidates = append(candidates, Candidate{ID: id, Position: s.Position()})
	}
	return sm.matcher.Best(obs.Reference, candidates)
}

func (sm *StateMachine) start(target skeleton.PersonID, now time.Time, res *Result, kind EventKind, prev skeleton.PersonID) {
	sm.session = &Session{
		ID:         sm.newID(),
		Target:     target,
		State:      StateTracking,
		Started:    now,
		LastFusion: now,
	}
	res.StopOthers = true
	res.ResetEstimator = true
	res.Events = append(res.Events, Event{
		Kind:      kind,
		SessionID: sm.session.ID,
		From:      StateIdle,
		To:        StateTracking,
		Target:    target,
		Previous:  prev,
		At:        now,
	})
}

// end closes the session. An empty kind ends it silently (retargeting emits
// its own event for the new session).
func (sm *StateMachine) end(now time.Time, res *Result, kind EventKind) {
	s := sm.session
	sm.session = nil
	res.ResetEstimator = true
	if kind == "" {
		return
	}
	res.Events = append(res.Events, Event{
		Kind:      kind,
		SessionID: s.ID,
		From:      s.State,
		To:        StateIdle,
		Target:    s.Target,
		At:        now,
	})
}

func (sm *StateMachine) transition(to State, now time.Time, res *Result, e Event) {
	e.SessionID = sm.session.ID
	e.From = sm.session.State
	e.To = to
	e.At = now
	sm.session.State = to
	res.Events = append(res.Events, e)
}
