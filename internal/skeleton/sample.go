package skeleton

import (
	"fmt"

	"github.com/banshee-data/persontrack/internal/geom"
	"gonum.org/v1/gonum/num/quat"
)

// PoseSample is the per-person, per-frame measurement consumed by the lock
// state machine. Torso and Head are in the reference frame; the Local poses
// are in the camera frame after the fixed frame change.
type PoseSample struct {
	ID              PersonID
	TorsoLocal      geom.Pose6D
	HeadLocal       geom.Pose6D
	Torso           geom.Pose6D
	Head            geom.Pose6D
	TorsoConfidence float64
	HeadConfidence  float64
}

// Position returns the reference-frame torso position used for fusion and
// proximity matching.
func (s PoseSample) Position() geom.Vec3 { return s.Torso.Position }

var frameChange = geom.FrameChange()

// LocalPose converts a raw joint into the camera frame: millimetres to metres
// with the lateral axis flipped, the rotation matrix to a quaternion with the
// sensor's handedness corrected, then the fixed frame change on the left.
func LocalPose(j RawJoint) geom.Pose6D {
	pos := geom.Vec3{
		X: -j.Position[0] / 1000.0,
		Y: j.Position[1] / 1000.0,
		Z: j.Position[2] / 1000.0,
	}
	q := geom.Normalize(geom.QuatFromRotationMatrix(j.Rotation))
	q = quat.Number{Real: q.Real, Imag: q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
	return frameChange.Mul(geom.NewPose(pos, q))
}

// Sampler turns raw bodies into PoseSamples under a Policy.
type Sampler struct {
	Policy Policy
}

// NewSampler returns a Sampler enforcing p.
func NewSampler(p Policy) *Sampler {
	return &Sampler{Policy: p}
}

// Sample validates b and produces its torso and head poses. parent is the
// reference-from-camera transform for this cycle. Sensor invalidity is
// reported with ErrNotVisible, ErrDegenerateCoM, ErrMissingJoint or
// ErrLowConfidence; a computed pose that is not finite yields
// geom.ErrNonFinite.
func (s *Sampler) Sample(b RawBody, parent geom.Pose6D) (PoseSample, error) {
	if err := s.Policy.CheckBody(b); err != nil {
		return PoseSample{}, fmt.Errorf("person %d: %w", b.ID, err)
	}
	torso, err := s.joint(b, JointTorso)
	if err != nil {
		return PoseSample{}, err
	}
	head, err := s.joint(b, JointHead)
	if err != nil {
		return PoseSample{}, err
	}

	out := PoseSample{
		ID:              b.ID,
		TorsoLocal:      LocalPose(torso),
		HeadLocal:       LocalPose(head),
		TorsoConfidence: torso.Confidence,
		HeadConfidence:  head.Confidence,
	}
	out.Torso = parent.Mul(out.TorsoLocal)
	out.Head = parent.Mul(out.HeadLocal)

	for _, p := range []geom.Pose6D{out.TorsoLocal, out.HeadLocal, out.Torso, out.Head} {
		if err := p.Validate(); err != nil {
			return PoseSample{}, fmt.Errorf("person %d: %w", b.ID, err)
		}
	}
	return out, nil
}

func (s *Sampler) joint(b RawBody, j Joint) (RawJoint, error) {
	rj, ok := b.Joint(j)
	if !ok {
		return RawJoint{}, fmt.Errorf("person %d %s: %w", b.ID, j, ErrMissingJoint)
	}
	if err := s.Policy.CheckJoint(rj); err != nil {
		return RawJoint{}, fmt.Errorf("person %d %s (%.2f): %w", b.ID, j, rj.Confidence, err)
	}
	return rj, nil
}
