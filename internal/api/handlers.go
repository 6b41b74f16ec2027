package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/persontrack/internal/config"
	"github.com/banshee-data/persontrack/internal/httputil"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/tracker"
	"github.com/banshee-data/persontrack/internal/trackdb"
	"github.com/banshee-data/persontrack/internal/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version   string                `json:"version"`
	GitSHA    string                `json:"git_sha"`
	BuildTime string                `json:"build_time"`
	UptimeS   float64               `json:"uptime_s"`
	Tracker   tracker.Snapshot      `json:"tracker"`
	Stats     tracker.StatsSnapshot `json:"stats"`
	Tuning    *config.TuningConfig  `json:"tuning"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		UptimeS:   s.clock.Since(s.started).Seconds(),
		Tracker:   s.tracker.Snapshot(),
		Stats:     s.tracker.Stats().Peek(),
		Tuning:    s.tuning,
	})
}

// TargetRequest is the body of PUT /api/target. Zero releases the lock.
type TargetRequest struct {
	Target *int `json:"target"`
}

// TargetResponse reports the desired target alongside the lock state the
// last cycle observed; the two differ until the next cycle runs.
type TargetResponse struct {
	Target skeleton.PersonID `json:"target"`
	State  lock.State        `json:"state"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req TargetRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.Target == nil {
			httputil.BadRequest(w, "missing target")
			return
		}
		if *req.Target < 0 || *req.Target > math.MaxUint16 {
			httputil.BadRequest(w, fmt.Sprintf("target %d out of range [0, %d]", *req.Target, math.MaxUint16))
			return
		}
		prev := s.target.Load()
		next := skeleton.PersonID(*req.Target)
		s.target.Store(next)
		if prev != next {
			monitoring.Opsf("[api] desired target %d -> %d", prev, next)
		}
	case http.MethodDelete:
		if prev := s.target.Load(); prev != skeleton.NoTarget {
			s.target.Store(skeleton.NoTarget)
			monitoring.Opsf("[api] desired target %d released", prev)
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
		return
	}
	httputil.WriteJSONOK(w, TargetResponse{
		Target: s.target.Load(),
		State:  s.tracker.Snapshot().State,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no track database configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.history.Events(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list events: %v", err))
		return
	}
	if events == nil {
		events = []lock.Event{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"events": events})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no track database configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []trackdb.Session{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"sessions": sessions})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
