package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/banshee-data/persontrack/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleTrajectoryChart renders the recorded torso_k path of one lock
// session as an XY scatter, coloured by seconds since the first sample.
// Debug only. Query params:
//   - session (optional; defaults to the most recent session)
func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no track database configured")
		return
	}

	sessionID := r.URL.Query().Get("session")
	traj, err := s.history.Trajectory(r.Context(), sessionID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load trajectory: %v", err))
		return
	}
	if len(traj) == 0 {
		httputil.NotFound(w, "no trajectory recorded")
		return
	}
	sessionID = traj[0].SessionID

	start := traj[0].At
	data := make([]opts.ScatterData, 0, len(traj))
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, e := range traj {
		p := e.Position
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, e.At.Sub(start).Seconds(), int(e.Target)}})
	}
	duration := traj[len(traj)-1].At.Sub(start).Seconds()
	if duration == 0 {
		duration = 1
	}

	// Square, padded axes so the path is not distorted.
	half := math.Max(maxX-minX, maxY-minY)/2*1.1 + 0.25
	cx, cy := (minX+maxX)/2, (minY+maxY)/2

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lock Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Predicted torso", Subtitle: fmt.Sprintf("session=%s samples=%d from %s", sessionID, len(data), start.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: cx - half, Max: cx + half, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: cy - half, Max: cy + half, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(duration),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("torso_k", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
