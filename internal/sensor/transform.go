package sensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/persontrack/internal/geom"
)

// ErrTransformUnavailable means the reference-from-camera transform cannot be
// resolved this cycle. Local output continues; global output is suppressed.
var ErrTransformUnavailable = errors.New("transform unavailable")

// StaticTransform serves a fixed camera mounting. Until Set is called (or
// when constructed with NewUnavailableTransform) lookups fail.
type StaticTransform struct {
	mu        sync.RWMutex
	reference string
	sensor    string
	pose      geom.Pose6D
	ok        bool
}

// NewStaticTransform returns a transform placing sensor at pose in reference.
func NewStaticTransform(reference, sensor string, pose geom.Pose6D) *StaticTransform {
	return &StaticTransform{reference: reference, sensor: sensor, pose: pose, ok: true}
}

// NewUnavailableTransform returns a transform that fails every lookup until
// Set is called.
func NewUnavailableTransform(reference, sensor string) *StaticTransform {
	return &StaticTransform{reference: reference, sensor: sensor}
}

// Set replaces the mounting pose.
func (s *StaticTransform) Set(pose geom.Pose6D) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = pose
	s.ok = true
}

// Invalidate makes lookups fail until the next Set.
func (s *StaticTransform) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok = false
}

// Lookup returns the pose of sensor in reference.
func (s *StaticTransform) Lookup(reference, sensor string) (geom.Pose6D, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reference != s.reference || sensor != s.sensor {
		return geom.Pose6D{}, fmt.Errorf("%s -> %s: %w", reference, sensor, ErrTransformUnavailable)
	}
	if !s.ok {
		return geom.Pose6D{}, ErrTransformUnavailable
	}
	return s.pose, nil
}

// ParsePose parses "x,y,z,yaw" or "x,y,z,yaw,pitch,roll" (metres, radians).
// The empty string is the identity.
func ParsePose(s string) (geom.Pose6D, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return geom.Identity(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return geom.Pose6D{}, fmt.Errorf("pose %q: want x,y,z,yaw or x,y,z,yaw,pitch,roll", s)
	}
	v := make([]float64, 6)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geom.Pose6D{}, fmt.Errorf("pose %q field %d: %w", s, i+1, err)
		}
		v[i] = f
	}
	pose := geom.NewPose(geom.Vec3{X: v[0], Y: v[1], Z: v[2]}, geom.QuatFromEulerZYX(v[3], v[4], v[5]))
	if err := pose.Validate(); err != nil {
		return geom.Pose6D{}, fmt.Errorf("pose %q: %w", s, err)
	}
	return pose, nil
}
