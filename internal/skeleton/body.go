// Package skeleton converts raw body frames from the pose sensor into
// validated torso and head samples in the camera and reference frames.
package skeleton

import (
	"fmt"
	"strings"
)

// PersonID is the sensor-assigned identifier of a tracked body. Zero means
// "no target".
type PersonID uint16

// NoTarget is the reserved "nobody" id.
const NoTarget PersonID = 0

// Joint enumerates the 24 skeleton joints reported by the sensor.
type Joint int

const (
	JointHead Joint = iota
	JointNeck
	JointTorso
	JointWaist
	JointLeftCollar
	JointLeftShoulder
	JointLeftElbow
	JointLeftWrist
	JointLeftHand
	JointLeftFingertip
	JointRightCollar
	JointRightShoulder
	JointRightElbow
	JointRightWrist
	JointRightHand
	JointRightFingertip
	JointLeftHip
	JointLeftKnee
	JointLeftAnkle
	JointLeftFoot
	JointRightHip
	JointRightKnee
	JointRightAnkle
	JointRightFoot

	NumJoints
)

var jointNames = [NumJoints]string{
	"head", "neck", "torso", "waist",
	"left_collar", "left_shoulder", "left_elbow", "left_wrist", "left_hand", "left_fingertip",
	"right_collar", "right_shoulder", "right_elbow", "right_wrist", "right_hand", "right_fingertip",
	"left_hip", "left_knee", "left_ankle", "left_foot",
	"right_hip", "right_knee", "right_ankle", "right_foot",
}

func (j Joint) String() string {
	if j < 0 || j >= NumJoints {
		return fmt.Sprintf("joint(%d)", int(j))
	}
	return jointNames[j]
}

// ParseJoint maps a joint name such as "left_elbow" back to its Joint.
func ParseJoint(s string) (Joint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range jointNames {
		if name == s {
			return Joint(i), nil
		}
	}
	return 0, fmt.Errorf("unknown joint %q", s)
}

// MarshalText lets Joint be used as a JSON object key.
func (j Joint) MarshalText() ([]byte, error) {
	if j < 0 || j >= NumJoints {
		return nil, fmt.Errorf("invalid joint %d", int(j))
	}
	return []byte(jointNames[j]), nil
}

// UnmarshalText parses a joint name.
func (j *Joint) UnmarshalText(b []byte) error {
	v, err := ParseJoint(string(b))
	if err != nil {
		return err
	}
	*j = v
	return nil
}

// RawJoint is one joint as the sensor reports it: position in millimetres
// in the sensor's native axes, a row-major 3x3 orientation matrix and the
// position confidence in [0,1].
type RawJoint struct {
	Position   [3]float64 `json:"position"`
	Rotation   [9]float64 `json:"rotation"`
	Confidence float64    `json:"confidence"`
}

// RawBody is one body in a sensor frame.
type RawBody struct {
	ID           PersonID           `json:"id"`
	Tracking     bool               `json:"tracking"`
	CenterOfMass [3]float64         `json:"center_of_mass"`
	Joints       map[Joint]RawJoint `json:"joints"`
}

// Joint returns the named joint if the body carries it.
func (b RawBody) Joint(j Joint) (RawJoint, bool) {
	rj, ok := b.Joints[j]
	return rj, ok
}
