// Package estimator smooths and extrapolates the locked target's torso
// position with a pair of cascaded constant-velocity Kalman filters.
package estimator

import (
	"github.com/banshee-data/persontrack/internal/geom"
)

// State is a position and velocity in the reference frame.
type State struct {
	Position geom.Vec3 `json:"position"`
	Velocity geom.Vec3 `json:"velocity"`
}

// Estimator hides how measurements are smoothed and gaps bridged. Tests in
// other packages substitute a simpler implementation.
type Estimator interface {
	// Seed initialises the estimate at p with zero velocity.
	Seed(p geom.Vec3)
	// Correct fuses a measurement taken dt seconds after the previous cycle.
	// An unseeded estimator seeds from p instead.
	Correct(p geom.Vec3, dt float64) (State, error)
	// Predict extrapolates dt seconds forward without a measurement.
	Predict(dt float64) (State, error)
	// Estimate returns the most recent prediction.
	Estimate() (State, bool)
	Seeded() bool
	// Reset discards all state; the next Correct reseeds.
	Reset()
}

// Tuning holds the filter covariances and dt guards.
type Tuning struct {
	ProcessNoisePos  float32 // Q diagonal, position terms
	ProcessNoiseVel  float32 // Q diagonal, velocity terms
	MeasurementNoise float32 // R diagonal
	InitialErrorCov  float32 // P0 diagonal
	MinDT            float64 // floor for non-positive dt (seconds)
	MaxDT            float64 // ceiling for dt after a stalled cycle (seconds)
}

// DefaultTuning returns the reference filter tuning: position trusted
// moderately, velocity loosely so direction changes are followed quickly.
func DefaultTuning() Tuning {
	return Tuning{
		ProcessNoisePos:  1e-2,
		ProcessNoiseVel:  1e1,
		MeasurementNoise: 1e-2,
		InitialErrorCov:  1e-1,
		MinDT:            0.001,
		MaxDT:            1.0,
	}
}

// ClampDT floors non-positive dt to MinDT and caps it at MaxDT. A backwards
// clock read is an environment fault; the filter still moves forward.
func (t Tuning) ClampDT(dt float64) float64 {
	if dt <= 0 || dt != dt {
		return t.MinDT
	}
	if t.MaxDT > 0 && dt > t.MaxDT {
		return t.MaxDT
	}
	return dt
}
