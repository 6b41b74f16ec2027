package main

import (
	"os"
	"testing"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/trackdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixture() []trackdb.Estimate {
	var traj []trackdb.Estimate
	for i := 0; i < 20; i++ {
		id := skeleton.PersonID(7)
		if i >= 12 {
			id = 9
		}
		traj = append(traj, trackdb.Estimate{
			SessionID: "lck_test",
			Target:    id,
			Position:  geom.Vec3{X: float64(i) * 0.05, Y: 1 + float64(i)*0.01, Z: 1.4},
			At:        t0.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}
	return traj
}

func TestSplitByTarget(t *testing.T) {
	t.Parallel()

	segs := splitByTarget(fixture())
	require.Len(t, segs, 2)
	assert.EqualValues(t, 7, segs[0].target)
	assert.Len(t, segs[0].points, 12)
	assert.EqualValues(t, 9, segs[1].target)
	assert.Len(t, segs[1].points, 8)

	assert.Empty(t, splitByTarget(nil))
}

func TestPlotTrajectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := plotTrajectory(fixture(), dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	assert.Contains(t, files[0], "lck_test_xy.png")
}
