package timeutil

import "time"

// DeltaTimer measures the wall-clock interval between successive cycles.
type DeltaTimer struct {
	clock Clock
	last  time.Time
}

// NewDeltaTimer returns a timer whose first Tick reports zero elapsed time.
func NewDeltaTimer(c Clock) *DeltaTimer {
	return &DeltaTimer{clock: c}
}

// Tick reads the clock once and returns the reading together with the
// seconds elapsed since the previous Tick. The result is negative if the
// clock stepped backwards; callers decide how to guard it.
func (d *DeltaTimer) Tick() (time.Time, float64) {
	now := d.clock.Now()
	if d.last.IsZero() {
		d.last = now
		return now, 0
	}
	dt := now.Sub(d.last).Seconds()
	d.last = now
	return now, dt
}
