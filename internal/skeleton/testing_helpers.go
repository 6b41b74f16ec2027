package skeleton

import "github.com/banshee-data/persontrack/internal/geom"

// identityRotation is the sensor's row-major identity orientation.
var identityRotation = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// RawPosition inverts LocalPose's position mapping: it returns the sensor
// millimetre coordinates that land on p in the camera frame.
func RawPosition(p geom.Vec3) [3]float64 {
	return [3]float64{-1000 * p.Y, 1000 * p.Z, 1000 * p.X}
}

// BodyAt builds a fully confident, tracked body whose torso lands on torso in
// the camera frame and whose head sits 0.5 m above it.
//
// NOTE: This is intended for test fixtures and replay generation in other
// packages; production frames always come from a PoseProvider.
func BodyAt(id PersonID, torso geom.Vec3) RawBody {
	head := torso.Add(geom.Vec3{Z: 0.5})
	// A real CoM is never exactly on an axis plane; nudge zeros by 1 mm so
	// fixtures on an axis pass the AnyAxisZero rule.
	com := RawPosition(torso)
	for i := range com {
		if com[i] == 0 {
			com[i] = 1
		}
	}
	return RawBody{
		ID:           id,
		Tracking:     true,
		CenterOfMass: com,
		Joints: map[Joint]RawJoint{
			JointTorso: {Position: RawPosition(torso), Rotation: identityRotation, Confidence: 1},
			JointHead:  {Position: RawPosition(head), Rotation: identityRotation, Confidence: 1},
		},
	}
}
