package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/timeutil"
)

// CycleStats tracks per-cycle counters with thread-safe operations.
type CycleStats struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	counts    StatsSnapshot
	lastReset time.Time
}

// StatsSnapshot is a copy of the counters over one reporting interval.
type StatsSnapshot struct {
	Cycles          int64         `json:"cycles"`
	Samples         int64         `json:"samples"`
	Invalid         int64         `json:"invalid"`
	NonFinite       int64         `json:"non_finite"`
	Published       int64         `json:"published"`
	TransformMisses int64         `json:"transform_misses"`
	SourceErrors    int64         `json:"source_errors"`
	PublishErrors   int64         `json:"publish_errors"`
	Duration        time.Duration `json:"duration"`
}

// NewCycleStats creates a new CycleStats instance.
func NewCycleStats(c timeutil.Clock) *CycleStats {
	return &CycleStats{clock: c, lastReset: c.Now()}
}

// Add applies fn to the counters under the lock.
func (cs *CycleStats) Add(fn func(s *StatsSnapshot)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn(&cs.counts)
}

// Peek returns the counters accumulated since the last reset.
func (cs *CycleStats) Peek() StatsSnapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s := cs.counts
	s.Duration = cs.clock.Since(cs.lastReset)
	return s
}

// GetAndReset returns current stats and resets counters.
func (cs *CycleStats) GetAndReset() StatsSnapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.clock.Now()
	s := cs.counts
	s.Duration = now.Sub(cs.lastReset)
	cs.counts = StatsSnapshot{}
	cs.lastReset = now
	return s
}

// LogStats logs and resets the counters. Quiet intervals are not logged.
func (cs *CycleStats) LogStats() {
	s := cs.GetAndReset()
	if s.Cycles == 0 {
		return
	}
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("Tracker stats (/sec): %.1f cycles, %.1f samples, %.1f poses published",
		float64(s.Cycles)/secs, float64(s.Samples)/secs, float64(s.Published)/secs)
	if s.Invalid > 0 || s.NonFinite > 0 {
		msg += fmt.Sprintf(", %d invalid, %d non-finite dropped", s.Invalid, s.NonFinite)
	}
	if s.TransformMisses > 0 {
		msg += fmt.Sprintf(", %d transform misses", s.TransformMisses)
	}
	if s.SourceErrors > 0 || s.PublishErrors > 0 {
		msg += fmt.Sprintf(", %d source / %d publish errors", s.SourceErrors, s.PublishErrors)
	}
	monitoring.Logf("%s", msg)
}
