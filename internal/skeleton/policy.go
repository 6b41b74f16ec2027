package skeleton

import (
	"errors"
	"fmt"
)

var (
	// ErrNotVisible means the sensor is not currently tracking the body's skeleton.
	ErrNotVisible = errors.New("body not tracked by sensor")
	// ErrDegenerateCoM means the centre of mass failed the degeneracy rule.
	ErrDegenerateCoM = errors.New("degenerate centre of mass")
	// ErrLowConfidence means a required joint is below the confidence threshold.
	ErrLowConfidence = errors.New("joint confidence below threshold")
	// ErrMissingJoint means the body frame did not carry a required joint.
	ErrMissingJoint = errors.New("joint missing from body frame")
)

// CoMRule selects how a centre-of-mass reading is judged degenerate.
type CoMRule string

const (
	// AnyAxisZero rejects the body if any CoM coordinate is exactly zero.
	AnyAxisZero CoMRule = "any_axis_zero"
	// AllAxesZero rejects the body only if the CoM is the origin.
	AllAxesZero CoMRule = "all_axes_zero"
)

// ParseCoMRule validates a rule name from configuration. The empty string
// selects AnyAxisZero.
func ParseCoMRule(s string) (CoMRule, error) {
	switch CoMRule(s) {
	case "", AnyAxisZero:
		return AnyAxisZero, nil
	case AllAxesZero:
		return AllAxesZero, nil
	}
	return "", fmt.Errorf("unknown centre-of-mass rule %q", s)
}

// Degenerate reports whether com fails the rule.
func (r CoMRule) Degenerate(com [3]float64) bool {
	if r == AllAxesZero {
		return com[0] == 0 && com[1] == 0 && com[2] == 0
	}
	return com[0] == 0 || com[1] == 0 || com[2] == 0
}

// Policy is the single validity gate for body frames. Both the lock path
// and the full-skeleton publisher read it from the same tuning.
type Policy struct {
	MinConfidence float64
	CoM           CoMRule
}

// DefaultPolicy requires full joint confidence and a CoM with no zero axis.
func DefaultPolicy() Policy {
	return Policy{MinConfidence: 1.0, CoM: AnyAxisZero}
}

// CheckBody applies the body-level checks (tracking flag and CoM).
func (p Policy) CheckBody(b RawBody) error {
	if !b.Tracking {
		return ErrNotVisible
	}
	if p.CoM.Degenerate(b.CenterOfMass) {
		return ErrDegenerateCoM
	}
	return nil
}

// CheckJoint applies the confidence threshold to a single joint.
func (p Policy) CheckJoint(j RawJoint) error {
	if j.Confidence < p.MinConfidence {
		return ErrLowConfidence
	}
	return nil
}
