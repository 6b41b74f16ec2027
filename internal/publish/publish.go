// Package publish delivers the poses produced by each tracking cycle: to the
// log, to a UDP consumer and to the sqlite trajectory store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/timeutil"
)

// Publisher receives the poses produced in one cycle.
type Publisher interface {
	Publish(ctx context.Context, poses []geom.StampedPose) error
}

// Multi fans a batch out to every publisher. All publishers are called even
// if one fails; the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, poses []geom.StampedPose) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, poses); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes a one-line summary at most once per Interval.
type LogPublisher struct {
	Interval time.Duration
	Clock    timeutil.Clock

	last    time.Time
	batches int
	poses   int
}

// NewLogPublisher returns a LogPublisher on the real clock.
func NewLogPublisher(interval time.Duration) *LogPublisher {
	return &LogPublisher{Interval: interval, Clock: timeutil.RealClock{}}
}

func (l *LogPublisher) Publish(ctx context.Context, poses []geom.StampedPose) error {
	l.batches++
	l.poses += len(poses)
	now := l.Clock.Now()
	if !l.last.IsZero() && now.Sub(l.last) < l.Interval {
		return nil
	}
	l.last = now

	msg := fmt.Sprintf("[publish] %d batches, %d poses", l.batches, l.poses)
	for _, p := range poses {
		if p.Name == skeleton.PredictedName {
			pos := p.Pose.Position
			msg += fmt.Sprintf("; %s (%.3f, %.3f, %.3f) in %s", p.Name, pos.X, pos.Y, pos.Z, p.Parent)
		}
	}
	monitoring.Logf("%s", msg)
	l.batches, l.poses = 0, 0
	return nil
}
