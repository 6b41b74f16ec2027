package sensor

import (
	"context"
	"time"

	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/timeutil"
)

// DefaultRetryInterval is the wait between failed sensor opens.
const DefaultRetryInterval = 3 * time.Second

// OpenWithRetry calls open until it succeeds or ctx is cancelled, waiting
// interval between attempts.
func OpenWithRetry[T any](ctx context.Context, clock timeutil.Clock, interval time.Duration, name string, open func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := open()
		if err == nil {
			if attempt > 1 {
				monitoring.Logf("[sensor] %s opened after %d attempts", name, attempt)
			}
			return v, nil
		}
		monitoring.Logf("[sensor] opening %s failed (attempt %d): %v; retrying in %s", name, attempt, err, interval)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clock.After(interval):
		}
	}
}
