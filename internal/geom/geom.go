// Package geom holds the rigid-body math shared by the pose pipeline and the
// estimator: positions, unit quaternions and 6-DoF poses in a named frame.
package geom

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// ErrNonFinite is returned when a pose contains NaN or ±Inf in any component.
var ErrNonFinite = errors.New("pose has non-finite component")

// Vec3 is a position or velocity in metres (or metres per second).
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v*s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// PlanarDistance is the distance between v and o ignoring Z (height).
func (v Vec3) PlanarDistance(o Vec3) float64 {
	return math.Hypot(v.X-o.X, v.Y-o.Y)
}

// Finite reports whether all components are finite.
func (v Vec3) Finite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// Pose6D is a position plus unit-quaternion orientation. Used both for joint
// poses and for frame-to-frame transforms (the parent-from-child transform).
type Pose6D struct {
	Position    Vec3        `json:"position"`
	Orientation quat.Number `json:"orientation"`
}

// Identity returns the identity transform.
func Identity() Pose6D {
	return Pose6D{Orientation: quat.Number{Real: 1}}
}

// NewPose builds a pose from a position and orientation.
func NewPose(p Vec3, q quat.Number) Pose6D {
	return Pose6D{Position: p, Orientation: q}
}

// Valid reports whether every position and quaternion component is finite.
// A pose that fails this check must never be published or fused.
func (p Pose6D) Valid() bool {
	q := p.Orientation
	return p.Position.Finite() &&
		isFinite(q.Real) && isFinite(q.Imag) && isFinite(q.Jmag) && isFinite(q.Kmag)
}

// Validate returns ErrNonFinite for invalid poses.
func (p Pose6D) Validate() error {
	if !p.Valid() {
		return ErrNonFinite
	}
	return nil
}

// Mul composes p with o (p * o): o is expressed in p's child frame and the
// result is expressed in p's parent frame.
func (p Pose6D) Mul(o Pose6D) Pose6D {
	return Pose6D{
		Position:    p.Position.Add(Rotate(p.Orientation, o.Position)),
		Orientation: quat.Mul(p.Orientation, o.Orientation),
	}
}

// Apply maps point v from p's child frame into its parent frame.
func (p Pose6D) Apply(v Vec3) Vec3 {
	return p.Position.Add(Rotate(p.Orientation, v))
}

// Inverse returns the transform mapping parent coordinates back into the child frame.
func (p Pose6D) Inverse() Pose6D {
	qi := quat.Conj(p.Orientation)
	return Pose6D{
		Position:    Rotate(qi, p.Position).Scale(-1),
		Orientation: qi,
	}
}

// Rotate rotates v by the unit quaternion q (q * v * q⁻¹).
func Rotate(q quat.Number, v Vec3) Vec3 {
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return Vec3{r.Imag, r.Jmag, r.Kmag}
}

// Normalize scales q to unit length. A zero quaternion is returned unchanged
// so that degenerate input surfaces as an invalid orientation downstream
// instead of being silently replaced.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return q
	}
	return quat.Scale(1/n, q)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
