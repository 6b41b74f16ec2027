package geom

import "time"

// StampedPose is a named pose handed to the publish boundary. Parent names the
// frame the pose is expressed in; Name is the child frame being broadcast.
type StampedPose struct {
	Name   string    `json:"name"`
	Parent string    `json:"parent"`
	Pose   Pose6D    `json:"pose"`
	Stamp  time.Time `json:"stamp"`
}
