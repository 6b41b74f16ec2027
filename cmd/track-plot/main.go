// Command track-plot renders the recorded predicted-torso trajectory of a
// lock session to PNG files: the XY path and the position over time.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/persontrack/internal/security"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/trackdb"
)

var (
	dbPath    = flag.String("db", "persontrack.db", "SQLite file written by persontrack -db")
	sessionID = flag.String("session", "", "Lock session id (default: most recent)")
	outDir    = flag.String("out", ".", "Output directory for PNG files")
)

func main() {
	flag.Parse()

	db, err := trackdb.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open track database: %v", err)
	}
	defer db.Close()

	traj, err := db.Trajectory(context.Background(), *sessionID)
	if err != nil {
		log.Fatalf("failed to load trajectory: %v", err)
	}
	if len(traj) == 0 {
		log.Fatal("no trajectory recorded")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	files, err := plotTrajectory(traj, *outDir)
	if err != nil {
		log.Fatal(err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}

// segment is a run of samples that share one person id; a re-lock starts a
// new segment.
type segment struct {
	target skeleton.PersonID
	points []trackdb.Estimate
}

func splitByTarget(traj []trackdb.Estimate) []segment {
	var out []segment
	for _, e := range traj {
		if len(out) == 0 || out[len(out)-1].target != e.Target {
			out = append(out, segment{target: e.Target})
		}
		last := &out[len(out)-1]
		last.points = append(last.points, e)
	}
	return out
}

var palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
}

// plotTrajectory writes <session>_xy.png and <session>_time.png into dir.
func plotTrajectory(traj []trackdb.Estimate, dir string) ([]string, error) {
	session := traj[0].SessionID
	start := traj[0].At
	segments := splitByTarget(traj)

	pXY := plot.New()
	pXY.Title.Text = fmt.Sprintf("Session %s - predicted torso", session)
	pXY.X.Label.Text = "X (m)"
	pXY.Y.Label.Text = "Y (m)"

	pT := plot.New()
	pT.Title.Text = fmt.Sprintf("Session %s - position over time", session)
	pT.X.Label.Text = "Time (s)"
	pT.Y.Label.Text = "Position (m)"

	for i, seg := range segments {
		c := palette[i%len(palette)]

		xy := make(plotter.XYs, 0, len(seg.points))
		xs := make(plotter.XYs, 0, len(seg.points))
		ys := make(plotter.XYs, 0, len(seg.points))
		for _, e := range seg.points {
			t := e.At.Sub(start).Seconds()
			xy = append(xy, plotter.XY{X: e.Position.X, Y: e.Position.Y})
			xs = append(xs, plotter.XY{X: t, Y: e.Position.X})
			ys = append(ys, plotter.XY{X: t, Y: e.Position.Y})
		}

		path, err := plotter.NewLine(xy)
		if err != nil {
			return nil, fmt.Errorf("xy line for id %d: %w", seg.target, err)
		}
		path.Color = c
		path.Width = vg.Points(1.5)
		pXY.Add(path)
		pXY.Legend.Add(fmt.Sprintf("id %d", seg.target), path)

		xLine, err := plotter.NewLine(xs)
		if err != nil {
			return nil, fmt.Errorf("x line for id %d: %w", seg.target, err)
		}
		xLine.Color = c
		xLine.Width = vg.Points(1)
		yLine, err := plotter.NewLine(ys)
		if err != nil {
			return nil, fmt.Errorf("y line for id %d: %w", seg.target, err)
		}
		yLine.Color = c
		yLine.Width = vg.Points(1)
		yLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		pT.Add(xLine, yLine)
		pT.Legend.Add(fmt.Sprintf("x id %d", seg.target), xLine)
		pT.Legend.Add(fmt.Sprintf("y id %d", seg.target), yLine)
	}

	for _, p := range []*plot.Plot{pXY, pT} {
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
		p.Add(plotter.NewGrid())
	}

	xyFile, err := security.JoinWithin(dir, session+"_xy.png")
	if err != nil {
		return nil, err
	}
	timeFile, err := security.JoinWithin(dir, session+"_time.png")
	if err != nil {
		return nil, err
	}
	if err := pXY.Save(8*vg.Inch, 8*vg.Inch, xyFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", xyFile, err)
	}
	if err := pT.Save(14*vg.Inch, 6*vg.Inch, timeFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", timeFile, err)
	}
	return []string{xyFile, timeFile}, nil
}
