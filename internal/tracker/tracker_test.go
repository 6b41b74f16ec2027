package tracker

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/persontrack/internal/config"
	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/sensor"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const cycle = 33 * time.Millisecond

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// scriptedSource replays one frame per Update and returns io.EOF afterwards.
type scriptedSource struct {
	mu      sync.Mutex
	frames  [][]skeleton.RawBody
	current map[skeleton.PersonID]skeleton.RawBody
	updErr  error
	started []skeleton.PersonID
	stopped []skeleton.PersonID
}

func (s *scriptedSource) push(bodies ...skeleton.RawBody) {
	s.frames = append(s.frames, bodies)
}

func (s *scriptedSource) Update(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updErr != nil {
		err := s.updErr
		s.updErr = nil
		return err
	}
	if len(s.frames) == 0 {
		return io.EOF
	}
	s.current = make(map[skeleton.PersonID]skeleton.RawBody)
	for _, b := range s.frames[0] {
		s.current[b.ID] = b
	}
	s.frames = s.frames[1:]
	return nil
}

func (s *scriptedSource) Visible() []skeleton.PersonID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]skeleton.PersonID, 0, len(s.current))
	for id := range s.current {
		ids = append(ids, id)
	}
	return ids
}

func (s *scriptedSource) Body(id skeleton.PersonID) (skeleton.RawBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.current[id]
	return b, ok
}

func (s *scriptedSource) StartTracking(id skeleton.PersonID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
}

func (s *scriptedSource) StopTracking(id skeleton.PersonID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
}

type fixedTransform struct {
	pose geom.Pose6D
	err  error
}

func (f *fixedTransform) Lookup(reference, sensor string) (geom.Pose6D, error) {
	if f.err != nil {
		return geom.Pose6D{}, f.err
	}
	return f.pose, nil
}

type capturePublisher struct {
	batches [][]geom.StampedPose
	err     error
}

func (c *capturePublisher) Publish(ctx context.Context, poses []geom.StampedPose) error {
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, append([]geom.StampedPose(nil), poses...))
	return nil
}

func (c *capturePublisher) last() map[string]geom.StampedPose {
	if len(c.batches) == 0 {
		return nil
	}
	m := make(map[string]geom.StampedPose)
	for _, p := range c.batches[len(c.batches)-1] {
		m[p.Name] = p
	}
	return m
}

type eventLog struct {
	events []lock.Event
}

func (e *eventLog) RecordEvent(ctx context.Context, ev lock.Event) error {
	e.events = append(e.events, ev)
	return nil
}

func (e *eventLog) kinds() []lock.EventKind {
	out := make([]lock.EventKind, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	tr     *Tracker
	src    *scriptedSource
	xf     *fixedTransform
	pub    *capturePublisher
	events *eventLog
	clock  *timeutil.MockClock
	store  *lock.TargetStore
}

func newHarness(t *testing.T, target skeleton.PersonID, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		src:    &scriptedSource{},
		xf:     &fixedTransform{pose: geom.Identity()},
		pub:    &capturePublisher{},
		events: &eventLog{},
		clock:  timeutil.NewMockClock(t0),
		store:  lock.NewTargetStore(target),
	}
	h.tr = New(cfg, h.src, h.xf, h.pub, h.store, WithClock(h.clock), WithEventSink(h.events))
	return h
}

// step runs one cycle at the next 33 ms boundary.
func (h *harness) step(t *testing.T, bodies ...skeleton.RawBody) {
	t.Helper()
	h.src.push(bodies...)
	require.NoError(t, h.tr.Step(context.Background()))
	h.clock.Advance(cycle)
}

func at(x, y, z float64) geom.Vec3 { return geom.Vec3{X: x, Y: y, Z: z} }

// ---------------------------------------------------------------------------
// Idle
// ---------------------------------------------------------------------------

func TestStep_IdlePublishesEveryone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	h.step(t, skeleton.BodyAt(4, at(2, 1, 1)), skeleton.BodyAt(3, at(1, 1, 1)))

	got := h.pub.last()
	for _, name := range []string{
		"torso_3", "head_3", "global_torso_3", "global_head_3",
		"torso_4", "head_4", "global_torso_4", "global_head_4",
	} {
		assert.Contains(t, got, name)
	}
	assert.NotContains(t, got, skeleton.PredictedName)
	assert.Equal(t, "camera_depth_frame", got["torso_3"].Parent)
	assert.Equal(t, "map", got["global_torso_3"].Parent)
	assert.InDelta(t, 1.0, got["global_torso_3"].Pose.Position.X, 1e-9)

	assert.Equal(t, []skeleton.PersonID{3, 4}, h.src.started)
	assert.Empty(t, h.events.events)

	snap := h.tr.Snapshot()
	assert.Equal(t, lock.StateIdle, snap.State)
	assert.Equal(t, []skeleton.PersonID{3, 4}, snap.Visible)
	assert.Nil(t, snap.Estimate)
	assert.True(t, snap.GlobalAvailable)
}

func TestStep_MaxUsersCapsVisibleSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget, func(c *Config) { c.MaxUsers = 1 })
	h.step(t, skeleton.BodyAt(4, at(2, 1, 1)), skeleton.BodyAt(3, at(1, 1, 1)))

	got := h.pub.last()
	assert.Contains(t, got, "torso_3")
	assert.NotContains(t, got, "torso_4")
}

func TestStep_MaxUsersKeepsLockedTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 9, func(c *Config) { c.MaxUsers = 2 })
	crowd := []skeleton.RawBody{
		skeleton.BodyAt(9, at(1, 0, 1.5)),
		skeleton.BodyAt(2, at(2, 1, 1)),
		skeleton.BodyAt(3, at(3, 1, 1)),
		skeleton.BodyAt(4, at(4, 1, 1)),
	}
	for i := 0; i < 5; i++ {
		h.step(t, crowd...)
	}

	assert.Equal(t, []lock.EventKind{lock.EventLocked}, h.events.kinds())
	snap := h.tr.Snapshot()
	assert.Equal(t, lock.StateTracking, snap.State)
	assert.Equal(t, []skeleton.PersonID{2, 9}, snap.Visible)
	assert.Contains(t, h.pub.last(), "torso_9")
}

// ---------------------------------------------------------------------------
// Lock, loss and reacquisition
// ---------------------------------------------------------------------------

func TestStep_LockSeedsAndPredicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7)
	h.step(t, skeleton.BodyAt(7, at(1.0, 0, 1.5)), skeleton.BodyAt(2, at(3, 3, 1)))

	require.Equal(t, []lock.EventKind{lock.EventLocked}, h.events.kinds())
	assert.Equal(t, []skeleton.PersonID{2}, h.src.stopped)

	got := h.pub.last()
	assert.Contains(t, got, "torso_7")
	assert.Contains(t, got, "global_head_7")
	assert.NotContains(t, got, "torso_2")
	require.Contains(t, got, skeleton.PredictedName)
	k := got[skeleton.PredictedName]
	assert.Equal(t, "map", k.Parent)
	assert.InDelta(t, 1.0, k.Pose.Position.X, 1e-3)
	assert.InDelta(t, 1.5, k.Pose.Position.Z, 1e-3)
	assert.Equal(t, geom.Identity().Orientation, k.Pose.Orientation)

	snap := h.tr.Snapshot()
	assert.Equal(t, lock.StateTracking, snap.State)
	assert.Equal(t, skeleton.PersonID(7), snap.Target)
	require.NotNil(t, snap.Session)
	assert.Equal(t, snap.Session.ID, h.events.events[0].SessionID)
	require.NotNil(t, snap.Estimate)
}

func TestStep_ReacquiresNearestAfterGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7)
	for i := 0; i < 10; i++ {
		h.step(t, skeleton.BodyAt(7, at(1.0, 0, 1.5)))
	}
	require.Equal(t, lock.StateTracking, h.tr.Snapshot().State)

	// One second with nobody in view: the estimate coasts.
	for i := 0; i < 30; i++ {
		h.step(t)
	}
	snap := h.tr.Snapshot()
	require.Equal(t, lock.StateSearching, snap.State)
	require.NotNil(t, snap.Estimate)
	assert.InDelta(t, 1.0, snap.Estimate.Position.X, 0.05)
	assert.InDelta(t, 0.0, snap.Estimate.Position.Y, 0.05)
	assert.Contains(t, h.pub.last(), skeleton.PredictedName)

	h.step(t, skeleton.BodyAt(9, at(1.3, 0.1, 1.5)))
	assert.Equal(t, skeleton.PersonID(9), h.store.Load())
	assert.Equal(t, lock.StateTracking, h.tr.Snapshot().State)
	require.Equal(t, []lock.EventKind{lock.EventLocked, lock.EventLost, lock.EventRelocked}, h.events.kinds())
	relock := h.events.events[2]
	assert.Equal(t, skeleton.PersonID(7), relock.Previous)
	assert.Equal(t, skeleton.PersonID(9), relock.Target)
	assert.InDelta(t, math.Sqrt(0.1), relock.Distance, 0.05)
	assert.Equal(t, h.events.events[0].SessionID, relock.SessionID)

	// Next cycle fuses the new target.
	h.step(t, skeleton.BodyAt(9, at(1.3, 0.1, 1.5)))
	assert.Contains(t, h.pub.last(), "torso_9")
}

func TestStep_LossRestartsTrackingForEveryone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7)
	h.step(t, skeleton.BodyAt(7, at(1, 0, 1.5)), skeleton.BodyAt(5, at(4, 4, 1)))
	h.src.started = nil

	// 7 drops out of view; 5 is still there and must be retracked.
	h.step(t, skeleton.BodyAt(5, at(4, 4, 1)))
	assert.Equal(t, lock.StateSearching, h.tr.Snapshot().State)
	assert.Equal(t, []skeleton.PersonID{5}, h.src.started)
	assert.Contains(t, h.src.stopped, skeleton.PersonID(7))
}

func TestStep_AbandonsAfterTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7)
	h.step(t, skeleton.BodyAt(7, at(1, 0, 1.5)))

	far := skeleton.BodyAt(8, at(4, 4, 1.5))
	// 3 s at 33 ms per cycle, plus margin.
	for i := 0; i < 95; i++ {
		h.step(t, far)
	}

	snap := h.tr.Snapshot()
	assert.Equal(t, lock.StateIdle, snap.State)
	assert.Equal(t, skeleton.NoTarget, h.store.Load())
	assert.Nil(t, snap.Estimate)
	assert.Equal(t, []lock.EventKind{lock.EventLocked, lock.EventLost, lock.EventAbandoned}, h.events.kinds())

	got := h.pub.last()
	assert.NotContains(t, got, skeleton.PredictedName)
	assert.Contains(t, got, "torso_8")
}

func TestStep_OperatorRelease(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7)
	h.step(t, skeleton.BodyAt(7, at(1, 0, 1.5)))
	h.store.Store(skeleton.NoTarget)
	h.step(t, skeleton.BodyAt(7, at(1, 0, 1.5)))

	assert.Equal(t, lock.StateIdle, h.tr.Snapshot().State)
	assert.Equal(t, []lock.EventKind{lock.EventLocked, lock.EventReleased}, h.events.kinds())
	assert.NotContains(t, h.pub.last(), skeleton.PredictedName)
	assert.Contains(t, h.pub.last(), "torso_7")
}

// ---------------------------------------------------------------------------
// Degraded inputs
// ---------------------------------------------------------------------------

func TestStep_TransformUnavailableSuppressesGlobal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	h.xf.err = errors.New("no transform")
	h.step(t, skeleton.BodyAt(3, at(1, 1, 1)))

	got := h.pub.last()
	assert.Contains(t, got, "torso_3")
	assert.NotContains(t, got, "global_torso_3")
	assert.False(t, h.tr.Snapshot().GlobalAvailable)
	assert.Equal(t, int64(1), h.tr.Stats().Peek().TransformMisses)

	h.xf.err = nil
	h.step(t, skeleton.BodyAt(3, at(1, 1, 1)))
	assert.Contains(t, h.pub.last(), "global_torso_3")
}

func TestStep_TransformAppliedToGlobalPoses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	h.xf.pose = geom.NewPose(at(10, 0, 0), geom.Identity().Orientation)
	h.step(t, skeleton.BodyAt(3, at(1, 1, 1)))

	got := h.pub.last()
	assert.InDelta(t, 1.0, got["torso_3"].Pose.Position.X, 1e-9)
	assert.InDelta(t, 11.0, got["global_torso_3"].Pose.Position.X, 1e-9)
}

func TestStep_SnapshotReportsMountAndCameraEstimate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.xf.pose = geom.NewPose(at(10, 0, 0), geom.QuatFromEulerZYX(math.Pi/2, 0, 0))
	h.step(t, skeleton.BodyAt(3, at(1, 0, 1.5)))

	snap := h.tr.Snapshot()
	require.NotNil(t, snap.Mount)
	assert.InDelta(t, 10.0, snap.Mount.Position.X, 1e-9)
	assert.InDelta(t, math.Pi/2, snap.Mount.Yaw, 1e-9)

	require.NotNil(t, snap.Estimate)
	assert.InDelta(t, 10.0, snap.Estimate.Position.X, 1e-3)
	assert.InDelta(t, 1.0, snap.Estimate.Position.Y, 1e-3)
	require.NotNil(t, snap.EstimateInCamera)
	assert.InDelta(t, 1.0, snap.EstimateInCamera.X, 1e-3)
	assert.InDelta(t, 0.0, snap.EstimateInCamera.Y, 1e-3)
	assert.InDelta(t, 1.5, snap.EstimateInCamera.Z, 1e-3)

	h.xf.err = errors.New("no transform")
	h.step(t, skeleton.BodyAt(3, at(1, 0, 1.5)))
	assert.Nil(t, h.tr.Snapshot().Mount)
}

func TestStep_NonFiniteBodyDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	bad := skeleton.BodyAt(6, at(1, 1, 1))
	torso := bad.Joints[skeleton.JointTorso]
	torso.Position[0] = math.NaN()
	bad.Joints[skeleton.JointTorso] = torso

	h.step(t, bad, skeleton.BodyAt(3, at(1, 1, 1)))

	got := h.pub.last()
	assert.NotContains(t, got, "torso_6")
	assert.Contains(t, got, "torso_3")
	st := h.tr.Stats().Peek()
	assert.Equal(t, int64(1), st.NonFinite)
	assert.Equal(t, int64(1), st.Samples)
}

func TestStep_LowConfidenceCountsInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	weak := skeleton.BodyAt(6, at(1, 1, 1))
	head := weak.Joints[skeleton.JointHead]
	head.Confidence = 0.5
	weak.Joints[skeleton.JointHead] = head

	h.step(t, weak)
	assert.Empty(t, h.pub.batches)
	assert.Equal(t, int64(1), h.tr.Stats().Peek().Invalid)
}

func TestStep_UpdateErrorIsAbsorbed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	h.step(t, skeleton.BodyAt(3, at(1, 1, 1)))

	h.src.updErr = errors.New("usb hiccup")
	require.NoError(t, h.tr.Step(context.Background()))
	assert.Equal(t, int64(1), h.tr.Stats().Peek().SourceErrors)
	assert.Empty(t, h.src.stopped)
}

func TestStep_PublishErrorCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	h.pub.err = errors.New("socket closed")
	h.step(t, skeleton.BodyAt(3, at(1, 1, 1)))

	st := h.tr.Stats().Peek()
	assert.Equal(t, int64(1), st.PublishErrors)
	assert.Zero(t, st.Published)
}

func TestStep_EOF(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	err := h.tr.Step(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

// ---------------------------------------------------------------------------
// Full skeleton
// ---------------------------------------------------------------------------

func TestStep_PublishAllJoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 7, func(c *Config) { c.PublishAllJoints = true })
	h.step(t, skeleton.BodyAt(7, at(1, 0, 1.5)), skeleton.BodyAt(2, at(3, 3, 1)))

	got := h.pub.last()
	assert.Contains(t, got, "user_7_torso")
	assert.Contains(t, got, "user_7_global_head")
	// Joint output does not depend on the lock.
	assert.Contains(t, got, "user_2_torso")
	assert.NotContains(t, got, "torso_2")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_StopsAtEndOfSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	for i := 0; i < 5; i++ {
		h.src.push(skeleton.BodyAt(3, at(1, 1, 1)))
	}

	done := make(chan error, 1)
	go func() { done <- h.tr.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Len(t, h.pub.batches, 5)
			assert.Equal(t, int64(5), h.tr.Snapshot().Cycle)
			return
		case <-deadline:
			t.Fatal("Run did not return after the source was exhausted")
		default:
			h.clock.Advance(cycle)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRun_StopsWhenReplayUnreadable(t *testing.T) {
	t.Parallel()

	huge := strings.Repeat("x", 2<<20)
	src := sensor.NewReplayProvider(strings.NewReader(huge + "\n"))
	clock := timeutil.NewMockClock(t0)
	tr := New(DefaultConfig(), src, &fixedTransform{pose: geom.Identity()}, &capturePublisher{},
		lock.NewTargetStore(skeleton.NoTarget), WithClock(clock))

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			stats := tr.Stats().Peek()
			assert.Equal(t, int64(1), stats.Cycles)
			assert.Zero(t, stats.SourceErrors)
			return
		case <-deadline:
			t.Fatal("Run kept cycling on an unreadable replay")
		default:
			clock.Advance(cycle)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, skeleton.NoTarget)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.tr.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFromTuning(config.DefaultTuningConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Second/30, cfg.Interval)
	assert.Equal(t, 15, cfg.MaxUsers)
	assert.Equal(t, lock.DefaultConfig(), cfg.Lock)
	assert.Equal(t, skeleton.DefaultPolicy(), cfg.Policy)
	assert.Equal(t, "camera_depth_frame", cfg.CameraFrame)
	assert.Equal(t, "map", cfg.ReferenceFrame)
	assert.InDelta(t, 10.0, float64(cfg.Tuning.ProcessNoiseVel), 1e-6)

	bad := config.EmptyTuningConfig()
	rule := "sometimes"
	bad.CoMRule = &rule
	_, err = ConfigFromTuning(bad)
	assert.Error(t, err)
}
