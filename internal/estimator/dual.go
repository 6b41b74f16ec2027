package estimator

import (
	"fmt"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/monitoring"
)

// Dual cascades a correction filter fed with real measurements into a
// prediction filter that free-runs through gaps. Every corrected cycle the
// correction filter's smoothed position is fed to the prediction filter as
// a pseudo-measurement, keeping the two in step.
type Dual struct {
	tuning     Tuning
	correction *KalmanFilter
	prediction *KalmanFilter
	seeded     bool
	estimate   State
}

var _ Estimator = (*Dual)(nil)

// NewDual returns an unseeded estimator.
func NewDual(t Tuning) *Dual {
	d := &Dual{tuning: t}
	d.Reset()
	return d
}

// Reset discards both filters.
func (d *Dual) Reset() {
	d.correction = NewKalmanFilter(d.tuning)
	d.prediction = NewKalmanFilter(d.tuning)
	d.seeded = false
	d.estimate = State{}
}

// Seeded reports whether a measurement has initialised the filters.
func (d *Dual) Seeded() bool { return d.seeded }

// Seed sets both filters to (p, 0) and steps each through one predict with
// an identity transition, so the first estimate is the measurement itself
// rather than a blend with an arbitrary prior.
func (d *Dual) Seed(p geom.Vec3) {
	d.Reset()
	s := [stateSize]float32{float32(p.X), float32(p.Y), float32(p.Z), 0, 0, 0}
	d.correction.SetState(s)
	d.prediction.SetState(s)
	d.correction.Predict()
	d.estimate = toState(d.prediction.Predict())
	d.seeded = true
}

// Correct runs one measured cycle: correct the correction filter, predict it
// forward by dt, then correct the prediction filter with the smoothed
// position. The returned state is the correction filter's smoothed output.
func (d *Dual) Correct(p geom.Vec3, dt float64) (State, error) {
	if !d.seeded {
		d.Seed(p)
		return d.estimate, nil
	}
	dt = d.tuning.ClampDT(dt)

	z := [measSize]float32{float32(p.X), float32(p.Y), float32(p.Z)}
	if _, err := d.correction.Correct(z); err != nil {
		d.Reset()
		return State{}, fmt.Errorf("correction filter: %w", err)
	}
	d.correction.SetDT(float32(dt))
	smoothed := d.correction.Predict()

	pseudo := [measSize]float32{smoothed[0], smoothed[1], smoothed[2]}
	if _, err := d.prediction.Correct(pseudo); err != nil {
		d.Reset()
		return State{}, fmt.Errorf("prediction filter: %w", err)
	}
	if !d.correction.Finite() || !d.prediction.Finite() {
		monitoring.Logf("[estimator] non-finite state after correction at (%.3f, %.3f, %.3f); resetting", p.X, p.Y, p.Z)
		d.Reset()
		return State{}, ErrNonFinite
	}
	return toState(smoothed), nil
}

// Predict advances only the prediction filter by dt. Its output is the
// published predicted pose and the reference for reacquisition.
func (d *Dual) Predict(dt float64) (State, error) {
	if !d.seeded {
		return State{}, ErrNotSeeded
	}
	d.prediction.SetDT(float32(d.tuning.ClampDT(dt)))
	s := d.prediction.Predict()
	if !d.prediction.Finite() {
		monitoring.Logf("[estimator] non-finite prediction; resetting")
		d.Reset()
		return State{}, ErrNonFinite
	}
	d.estimate = toState(s)
	return d.estimate, nil
}

// Estimate returns the prediction filter's latest predicted state.
func (d *Dual) Estimate() (State, bool) {
	return d.estimate, d.seeded
}

func toState(s [stateSize]float32) State {
	return State{
		Position: geom.Vec3{X: float64(s[0]), Y: float64(s[1]), Z: float64(s[2])},
		Velocity: geom.Vec3{X: float64(s[3]), Y: float64(s[4]), Z: float64(s[5])},
	}
}
