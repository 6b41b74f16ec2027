// Package tracker runs the per-cycle tracking loop: pull a sensor frame,
// turn bodies into pose samples, step the lock state machine, fuse or coast
// the estimator and hand the resulting named poses to a publisher.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/persontrack/internal/config"
	"github.com/banshee-data/persontrack/internal/estimator"
	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/timeutil"
)

// PoseProvider is a body-tracking sensor. Update advances one frame and
// returns io.EOF once a finite source is exhausted.
type PoseProvider interface {
	Update(ctx context.Context) error
	Visible() []skeleton.PersonID
	Body(id skeleton.PersonID) (skeleton.RawBody, bool)
	StartTracking(id skeleton.PersonID)
	StopTracking(id skeleton.PersonID)
}

// TransformProvider looks up the pose of the sensor frame in the reference
// frame.
type TransformProvider interface {
	Lookup(reference, sensor string) (geom.Pose6D, error)
}

// Publisher receives the poses produced in one cycle.
type Publisher interface {
	Publish(ctx context.Context, poses []geom.StampedPose) error
}

// Config holds the loop settings.
type Config struct {
	Interval         time.Duration
	LogInterval      time.Duration // 0 disables periodic stats logging
	MaxUsers         int
	CameraFrame      string
	ReferenceFrame   string
	PublishAllJoints bool

	Lock   lock.Config
	Policy skeleton.Policy
	Tuning estimator.Tuning
}

// DefaultConfig returns the built-in loop settings (30 Hz).
func DefaultConfig() Config {
	cfg, _ := ConfigFromTuning(config.EmptyTuningConfig())
	return cfg
}

// ConfigFromTuning builds a Config from a tuning file.
func ConfigFromTuning(tc *config.TuningConfig) (Config, error) {
	rule, err := skeleton.ParseCoMRule(tc.GetCoMRule())
	if err != nil {
		return Config{}, fmt.Errorf("tuning: %w", err)
	}
	return Config{
		Interval:         tc.GetLoopInterval(),
		MaxUsers:         tc.GetMaxUsers(),
		CameraFrame:      tc.GetCameraFrameID(),
		ReferenceFrame:   tc.GetReferenceFrameID(),
		PublishAllJoints: tc.GetPublishAllJoints(),
		Lock: lock.Config{
			AbandonAfter:       tc.GetAbandonAfter(),
			ProximityThreshold: tc.GetProximityThreshold(),
		},
		Policy: skeleton.Policy{
			MinConfidence: tc.GetMinConfidence(),
			CoM:           rule,
		},
		Tuning: estimator.Tuning{
			ProcessNoisePos:  float32(tc.GetProcessNoisePos()),
			ProcessNoiseVel:  float32(tc.GetProcessNoiseVel()),
			MeasurementNoise: float32(tc.GetMeasurementNoise()),
			InitialErrorCov:  float32(tc.GetInitialErrorCov()),
			MinDT:            tc.GetMinDT(),
			MaxDT:            tc.GetMaxDT(),
		},
	}, nil
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEstimator replaces the default dual Kalman estimator.
func WithEstimator(e estimator.Estimator) Option {
	return func(t *Tracker) { t.est = e }
}

// WithEventSink records every lock transition to s.
func WithEventSink(s lock.EventSink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithClock sets the clock used for cycle timestamps, dt and the loop ticker.
func WithClock(c timeutil.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// Snapshot is a point-in-time copy of the tracker state for the API.
type Snapshot struct {
	State           lock.State          `json:"state"`
	Target          skeleton.PersonID   `json:"target"`
	Session         *lock.Session       `json:"session,omitempty"`
	Estimate        *estimator.State    `json:"estimate,omitempty"`
	Visible         []skeleton.PersonID `json:"visible"`
	GlobalAvailable bool                `json:"global_available"`
	// Mount is the camera pose in the reference frame; nil while the
	// transform is unavailable.
	Mount *Mount `json:"mount,omitempty"`
	// EstimateInCamera is Estimate mapped back into the camera frame.
	EstimateInCamera *geom.Vec3 `json:"estimate_in_camera,omitempty"`
	Cycle            int64      `json:"cycle"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Mount summarises where the camera sits in the reference frame.
type Mount struct {
	Position geom.Vec3 `json:"position"`
	Yaw      float64   `json:"yaw"`
}

// Tracker owns the lock state machine, the estimator and the visibility
// state. Step must only be called from one goroutine; Snapshot and the
// TargetStore are safe to use from others.
type Tracker struct {
	cfg        Config
	poses      PoseProvider
	transforms TransformProvider
	pub        Publisher
	store      *lock.TargetStore

	machine *lock.StateMachine
	est     estimator.Estimator
	sampler *skeleton.Sampler
	vis     *Visibility
	sink    lock.EventSink
	clock   timeutil.Clock
	delta   *timeutil.DeltaTimer
	stats   *CycleStats

	// parent is the last known reference-from-camera transform; identity
	// until one has been received.
	parent      geom.Pose6D
	transformOK bool
	cycle       int64

	mu   sync.RWMutex
	snap Snapshot
}

// New returns a tracker in the idle state. store carries the desired target
// id between the operator and the loop.
func New(cfg Config, poses PoseProvider, transforms TransformProvider, pub Publisher, store *lock.TargetStore, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		poses:      poses,
		transforms: transforms,
		pub:        pub,
		store:      store,
		sampler:    skeleton.NewSampler(cfg.Policy),
		vis:        NewVisibility(),
		clock:      timeutil.RealClock{},
		parent:     geom.Identity(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.est == nil {
		t.est = estimator.NewDual(cfg.Tuning)
	}
	t.machine = lock.NewStateMachine(cfg.Lock, store)
	t.delta = timeutil.NewDeltaTimer(t.clock)
	t.stats = NewCycleStats(t.clock)
	t.snap = Snapshot{State: lock.StateIdle}
	return t
}

// Store returns the desired-target store shared with the operator surface.
func (t *Tracker) Store() *lock.TargetStore { return t.store }

// Stats returns the cycle counters.
func (t *Tracker) Stats() *CycleStats { return t.stats }

// Snapshot returns a copy of the state published at the end of the last cycle.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snap
	s.Visible = append([]skeleton.PersonID(nil), t.snap.Visible...)
	return s
}

// Run steps the tracker at cfg.Interval until ctx is cancelled or the pose
// source is exhausted.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.cfg.Interval
	if interval <= 0 {
		interval = time.Second / 30
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()

	var logC <-chan time.Time
	if t.cfg.LogInterval > 0 {
		lt := t.clock.NewTicker(t.cfg.LogInterval)
		defer lt.Stop()
		logC = lt.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-logC:
			t.stats.LogStats()
		case <-ticker.C():
			if err := t.Step(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					if err != io.EOF {
						monitoring.Logf("[tracker] pose source ended: %v", err)
					}
					monitoring.Logf("[tracker] pose source exhausted after %d cycles", t.cycle)
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Step runs one tracking cycle. It returns io.EOF when the pose source is
// exhausted; every other fault is logged, counted and absorbed.
func (t *Tracker) Step(ctx context.Context) error {
	now, dt := t.delta.Tick()
	t.cycle++
	var cs StatsSnapshot
	cs.Cycles = 1
	defer func() { t.stats.Add(func(s *StatsSnapshot) { accumulate(s, cs) }) }()

	globalOK := t.refreshTransform(&cs)

	// A failed update counts as an empty frame; visibility bookkeeping is
	// left alone so a transient fault does not restart tracking.
	var visible []skeleton.PersonID
	if err := t.poses.Update(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		monitoring.Logf("[tracker] pose update failed: %v", err)
		cs.SourceErrors++
	} else {
		visible = t.visibleIDs()
		t.applyVisibility(visible)
	}

	bodies := make([]skeleton.RawBody, 0, len(visible))
	samples := make(map[skeleton.PersonID]skeleton.PoseSample, len(visible))
	for _, id := range visible {
		b, ok := t.poses.Body(id)
		if !ok {
			continue
		}
		bodies = append(bodies, b)
		s, err := t.sampler.Sample(b, t.parent)
		switch {
		case err == nil:
			samples[id] = s
		case errors.Is(err, geom.ErrNonFinite):
			cs.NonFinite++
		default:
			cs.Invalid++
		}
	}
	cs.Samples = int64(len(samples))

	obs := lock.Observation{Now: now, Samples: samples}
	if e, ok := t.est.Estimate(); ok {
		obs.Reference = e.Position
		obs.HasReference = true
	}
	res := t.machine.Step(obs)

	if res.ResetEstimator {
		t.est.Reset()
	}
	if res.StopOthers {
		for _, id := range visible {
			if id != res.Target {
				t.poses.StopTracking(id)
			}
		}
	}
	if res.StartAll {
		for _, id := range visible {
			t.poses.StartTracking(id)
		}
	}
	t.emit(ctx, res.Events)

	var out []geom.StampedPose
	switch res.Action {
	case lock.ActionPublishAll:
		for _, id := range sortedKeys(samples) {
			out = t.appendSample(out, samples[id], now, globalOK)
		}
	case lock.ActionFuse:
		out = t.appendSample(out, res.Sample, now, globalOK)
		if _, err := t.est.Correct(res.Sample.Position(), dt); err != nil {
			monitoring.Logf("[tracker] fusing person %d: %v", res.Target, err)
			if errors.Is(err, estimator.ErrNonFinite) {
				cs.NonFinite++
			}
		}
	}
	if t.cfg.PublishAllJoints {
		out = t.appendJoints(out, bodies, now, globalOK, &cs)
	}

	var estimate *estimator.State
	if t.est.Seeded() {
		s, err := t.est.Predict(dt)
		if err != nil {
			monitoring.Logf("[tracker] predicting: %v", err)
			if errors.Is(err, estimator.ErrNonFinite) {
				cs.NonFinite++
			}
		} else {
			p := geom.Identity()
			p.Position = s.Position
			out = append(out, geom.StampedPose{
				Name:   skeleton.PredictedName,
				Parent: t.cfg.ReferenceFrame,
				Pose:   p,
				Stamp:  now,
			})
			estimate = &s
		}
	}

	out = validPoses(out, &cs)
	if len(out) > 0 {
		if err := t.pub.Publish(ctx, out); err != nil {
			monitoring.Logf("[tracker] publish failed: %v", err)
			cs.PublishErrors++
		} else {
			cs.Published = int64(len(out))
		}
	}

	t.updateSnapshot(now, visible, estimate, globalOK)
	return nil
}

// refreshTransform looks up this cycle's camera pose. On a miss the last
// known transform is kept for matching but global output is suppressed.
func (t *Tracker) refreshTransform(cs *StatsSnapshot) bool {
	p, err := t.transforms.Lookup(t.cfg.ReferenceFrame, t.cfg.CameraFrame)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		cs.TransformMisses++
		if t.transformOK {
			monitoring.Logf("[tracker] transform %s -> %s unavailable: %v", t.cfg.ReferenceFrame, t.cfg.CameraFrame, err)
		}
		t.transformOK = false
		return false
	}
	if !t.transformOK {
		monitoring.Logf("[tracker] transform %s -> %s available", t.cfg.ReferenceFrame, t.cfg.CameraFrame)
	}
	t.parent = p
	t.transformOK = true
	return true
}

// visibleIDs returns the sorted visible ids capped at MaxUsers. The cap drops
// the highest ids but never the locked (or desired) target.
func (t *Tracker) visibleIDs() []skeleton.PersonID {
	ids := append([]skeleton.PersonID(nil), t.poses.Visible()...)
	sortIDs(ids)
	if t.cfg.MaxUsers <= 0 || len(ids) <= t.cfg.MaxUsers {
		return ids
	}
	keep := t.store.Load()
	if s, ok := t.machine.Session(); ok {
		keep = s.Target
	}
	capped := ids[:t.cfg.MaxUsers]
	if keep != skeleton.NoTarget && !containsID(capped, keep) && containsID(ids, keep) {
		capped[len(capped)-1] = keep
		sortIDs(capped)
	}
	return capped
}

func containsID(ids []skeleton.PersonID, id skeleton.PersonID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// applyVisibility forwards enter and exit events to the sensor. Newcomers are
// only tracked while no target is held.
func (t *Tracker) applyVisibility(visible []skeleton.PersonID) {
	entered, exited := t.vis.Diff(visible)
	state := t.machine.State()
	for _, id := range entered {
		if state != lock.StateTracking {
			t.poses.StartTracking(id)
		}
	}
	for _, id := range exited {
		t.poses.StopTracking(id)
	}
}

func (t *Tracker) emit(ctx context.Context, events []lock.Event) {
	for _, e := range events {
		monitoring.Opsf("%s", e)
		if t.sink == nil {
			continue
		}
		if err := t.sink.RecordEvent(ctx, e); err != nil {
			monitoring.Logf("[tracker] recording %s event: %v", e.Kind, err)
		}
	}
}

func (t *Tracker) appendSample(out []geom.StampedPose, s skeleton.PoseSample, now time.Time, global bool) []geom.StampedPose {
	out = append(out,
		geom.StampedPose{Name: skeleton.TorsoName(s.ID, false), Parent: t.cfg.CameraFrame, Pose: s.TorsoLocal, Stamp: now},
		geom.StampedPose{Name: skeleton.HeadName(s.ID, false), Parent: t.cfg.CameraFrame, Pose: s.HeadLocal, Stamp: now},
	)
	if global {
		out = append(out,
			geom.StampedPose{Name: skeleton.TorsoName(s.ID, true), Parent: t.cfg.ReferenceFrame, Pose: s.Torso, Stamp: now},
			geom.StampedPose{Name: skeleton.HeadName(s.ID, true), Parent: t.cfg.ReferenceFrame, Pose: s.Head, Stamp: now},
		)
	}
	return out
}

// appendJoints publishes every confident joint of every visible body,
// independent of the lock state.
func (t *Tracker) appendJoints(out []geom.StampedPose, bodies []skeleton.RawBody, now time.Time, global bool, cs *StatsSnapshot) []geom.StampedPose {
	for _, b := range bodies {
		if t.cfg.Policy.CheckBody(b) != nil {
			continue
		}
		for j := skeleton.Joint(0); j < skeleton.NumJoints; j++ {
			rj, ok := b.Joint(j)
			if !ok || t.cfg.Policy.CheckJoint(rj) != nil {
				continue
			}
			local := skeleton.LocalPose(rj)
			if !local.Valid() {
				cs.NonFinite++
				continue
			}
			out = append(out, geom.StampedPose{Name: skeleton.JointName(b.ID, j, false), Parent: t.cfg.CameraFrame, Pose: local, Stamp: now})
			if global {
				out = append(out, geom.StampedPose{Name: skeleton.JointName(b.ID, j, true), Parent: t.cfg.ReferenceFrame, Pose: t.parent.Mul(local), Stamp: now})
			}
		}
	}
	return out
}

func (t *Tracker) updateSnapshot(now time.Time, visible []skeleton.PersonID, estimate *estimator.State, globalOK bool) {
	snap := Snapshot{
		State:           t.machine.State(),
		Target:          t.store.Load(),
		Estimate:        estimate,
		Visible:         visible,
		GlobalAvailable: globalOK,
		Cycle:           t.cycle,
		UpdatedAt:       now,
	}
	if s, ok := t.machine.Session(); ok {
		snap.Session = &s
	}
	if globalOK {
		snap.Mount = &Mount{Position: t.parent.Position, Yaw: geom.Yaw(t.parent.Orientation)}
	}
	if estimate != nil {
		local := t.parent.Inverse().Apply(estimate.Position)
		snap.EstimateInCamera = &local
	}
	t.mu.Lock()
	t.snap = snap
	t.mu.Unlock()
}

// validPoses drops non-finite poses in place.
func validPoses(in []geom.StampedPose, cs *StatsSnapshot) []geom.StampedPose {
	out := in[:0]
	for _, p := range in {
		if !p.Pose.Valid() {
			cs.NonFinite++
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortedKeys(m map[skeleton.PersonID]skeleton.PoseSample) []skeleton.PersonID {
	ids := make([]skeleton.PersonID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func accumulate(dst *StatsSnapshot, d StatsSnapshot) {
	dst.Cycles += d.Cycles
	dst.Samples += d.Samples
	dst.Invalid += d.Invalid
	dst.NonFinite += d.NonFinite
	dst.Published += d.Published
	dst.TransformMisses += d.TransformMisses
	dst.SourceErrors += d.SourceErrors
	dst.PublishErrors += d.PublishErrors
}
