package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// quatEpsilon is the trace threshold below which the diagonal branches of the
// matrix-to-quaternion conversion are used.
const quatEpsilon = 1e-12

// QuatFromRotationMatrix converts a row-major 3x3 rotation matrix into a
// quaternion. The branch on the largest diagonal element keeps the square
// root argument positive for rotations near 180°.
func QuatFromRotationMatrix(m [9]float64) quat.Number {
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[3], m[4], m[5]
	r20, r21, r22 := m[6], m[7], m[8]

	var w, x, y, z float64
	trace := r00 + r11 + r22
	switch {
	case trace > quatEpsilon:
		s := 0.5 / math.Sqrt(trace+1)
		w = 0.25 / s
		x = (r21 - r12) * s
		y = (r02 - r20) * s
		z = (r10 - r01) * s
	case r00 > r11 && r00 > r22:
		s := 2 * math.Sqrt(1+r00-r11-r22)
		w = (r21 - r12) / s
		x = 0.25 * s
		y = (r01 + r10) / s
		z = (r02 + r20) / s
	case r11 > r22:
		s := 2 * math.Sqrt(1+r11-r00-r22)
		w = (r02 - r20) / s
		x = (r01 + r10) / s
		y = 0.25 * s
		z = (r12 + r21) / s
	default:
		s := 2 * math.Sqrt(1+r22-r00-r11)
		w = (r10 - r01) / s
		x = (r02 + r20) / s
		y = (r12 + r21) / s
		z = 0.25 * s
	}
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// QuatFromEulerZYX builds a quaternion from yaw (Z), pitch (Y) and roll (X)
// applied in that order.
func QuatFromEulerZYX(yaw, pitch, roll float64) quat.Number {
	sy, cy := math.Sincos(yaw / 2)
	sp, cp := math.Sincos(pitch / 2)
	sr, cr := math.Sincos(roll / 2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// Yaw returns the heading of q about Z in radians.
func Yaw(q quat.Number) float64 {
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// FrameChange is the fixed rotation from the sensor's optical axes (x right,
// y up, z forward after the lateral flip) into the robot convention
// (x forward, y left, z up): yaw 90° then roll 90°.
func FrameChange() Pose6D {
	return Pose6D{Orientation: QuatFromEulerZYX(math.Pi/2, 0, math.Pi/2)}
}
