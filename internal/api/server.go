// Package api serves the tracker's operator surface: status, the desired
// target, the lock event history and a debug trajectory chart.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/persontrack/internal/config"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/timeutil"
	"github.com/banshee-data/persontrack/internal/tracker"
	"github.com/banshee-data/persontrack/internal/trackdb"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// TrackerView is the read side of the running tracker.
type TrackerView interface {
	Snapshot() tracker.Snapshot
	Stats() *tracker.CycleStats
}

// History is the persisted lock history. *trackdb.DB implements it.
type History interface {
	Events(ctx context.Context, limit int) ([]lock.Event, error)
	Sessions(ctx context.Context, limit int) ([]trackdb.Session, error)
	Trajectory(ctx context.Context, sessionID string) ([]trackdb.Estimate, error)
}

type Server struct {
	tracker TrackerView
	target  *lock.TargetStore
	history History
	tuning  *config.TuningConfig
	clock   timeutil.Clock
	started time.Time
}

// NewServer returns a server over t. history may be nil when no database is
// configured; the history endpoints then answer 503. Pass an untyped nil,
// not a nil *trackdb.DB.
func NewServer(t TrackerView, target *lock.TargetStore, history History, tuning *config.TuningConfig, clock timeutil.Clock) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		tracker: t,
		target:  target,
		history: history,
		tuning:  tuning,
		clock:   clock,
		started: clock.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/target", s.handleTarget)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/debug/trajectory", s.handleTrajectoryChart)
	return mux
}

// Start serves on listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           LoggingMiddleware(s.ServeMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[api] listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[api] shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
