// Package sensor provides pose sources for the tracker: JSON-lines replay,
// a UDP listener and pcap replay of that UDP stream, plus the camera
// transform lookup.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/persontrack/internal/skeleton"
)

// ErrEmptyFrame is returned when a datagram or line carries no JSON object.
var ErrEmptyFrame = errors.New("empty frame")

// Frame is one sensor frame on the wire: every body the sensor sees.
type Frame struct {
	Seq    uint64             `json:"seq,omitempty"`
	Stamp  time.Time          `json:"stamp"`
	Bodies []skeleton.RawBody `json:"bodies"`
}

// DecodeFrame parses a JSON-encoded frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) == 0 {
		return f, ErrEmptyFrame
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	for _, b := range f.Bodies {
		if b.ID == skeleton.NoTarget {
			return Frame{}, fmt.Errorf("decode frame: body with reserved id 0")
		}
	}
	return f, nil
}

// EncodeFrame serialises f for the wire or a replay file.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// bodySet holds the current frame and the sensor-side tracking selection
// shared by every provider. A body's skeleton is only reported as tracked
// after StartTracking, mirroring how the depth sensor only fits skeletons to
// users it was asked to track.
type bodySet struct {
	mu      sync.RWMutex
	current map[skeleton.PersonID]skeleton.RawBody
	tracked map[skeleton.PersonID]bool
	stamp   time.Time
}

func newBodySet() *bodySet {
	return &bodySet{
		current: make(map[skeleton.PersonID]skeleton.RawBody),
		tracked: make(map[skeleton.PersonID]bool),
	}
}

func (s *bodySet) set(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = make(map[skeleton.PersonID]skeleton.RawBody, len(f.Bodies))
	for _, b := range f.Bodies {
		s.current[b.ID] = b
	}
	s.stamp = f.Stamp
}

func (s *bodySet) clear() {
	s.set(Frame{})
}

// Visible returns the ids in the current frame in ascending order.
func (s *bodySet) Visible() []skeleton.PersonID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]skeleton.PersonID, 0, len(s.current))
	for id := range s.current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Body returns the body with its tracking flag masked by the selection.
func (s *bodySet) Body(id skeleton.PersonID) (skeleton.RawBody, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.current[id]
	if !ok {
		return skeleton.RawBody{}, false
	}
	b.Tracking = b.Tracking && s.tracked[id]
	return b, true
}

func (s *bodySet) StartTracking(id skeleton.PersonID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[id] = true
}

func (s *bodySet) StopTracking(id skeleton.PersonID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, id)
}

// Tracked reports whether the sensor is fitting a skeleton to id.
func (s *bodySet) Tracked(id skeleton.PersonID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracked[id]
}
