// Package trackdb persists lock sessions, lock transitions and the
// predicted trajectory in sqlite.
package trackdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/skeleton"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (or creates) the database at path, applies the connection
// pragmas and migrates the schema to the latest version.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Session is one persisted lock session.
type Session struct {
	ID        string            `json:"id"`
	Target    skeleton.PersonID `json:"target"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	EndReason string            `json:"end_reason,omitempty"`
	Relocks   int               `json:"relocks"`
}

// Estimate is one predicted torso position.
type Estimate struct {
	SessionID string            `json:"session_id"`
	Target    skeleton.PersonID `json:"target"`
	Position  geom.Vec3         `json:"position"`
	At        time.Time         `json:"at"`
}

// RecordEvent stores a lock transition and keeps lock_sessions in step with
// it. It implements lock.EventSink.
func (db *DB) RecordEvent(ctx context.Context, e lock.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lock_events (session_id, kind, from_state, to_state, target, previous, distance, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), string(e.From), string(e.To),
		int64(e.Target), int64(e.Previous), e.Distance, e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert lock event: %w", err)
	}

	switch e.Kind {
	case lock.EventLocked, lock.EventRetargeted:
		// A retarget ends the previous session without an event of its own;
		// a restart can also leave one open.
		_, err = tx.ExecContext(ctx, `
			UPDATE lock_sessions SET ended_at = ?, end_reason = ?
			WHERE ended_at IS NULL AND session_id != ?`,
			e.At.UnixNano(), "superseded", e.SessionID)
		if err != nil {
			break
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lock_sessions (session_id, target, started_at) VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`,
			e.SessionID, int64(e.Target), e.At.UnixNano())
	case lock.EventRelocked:
		_, err = tx.ExecContext(ctx, `
			UPDATE lock_sessions SET target = ?, relocks = relocks + 1 WHERE session_id = ?`,
			int64(e.Target), e.SessionID)
	case lock.EventAbandoned, lock.EventReleased:
		_, err = tx.ExecContext(ctx, `
			UPDATE lock_sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
			e.At.UnixNano(), string(e.Kind), e.SessionID)
	}
	if err != nil {
		return fmt.Errorf("update lock session: %w", err)
	}
	return tx.Commit()
}

// RecordEstimate stores one predicted position.
func (db *DB) RecordEstimate(ctx context.Context, est Estimate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO estimates (session_id, target, x, y, z, at) VALUES (?, ?, ?, ?, ?, ?)`,
		est.SessionID, int64(est.Target), est.Position.X, est.Position.Y, est.Position.Z, est.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert estimate: %w", err)
	}
	return nil
}

// Events returns the most recent lock events, newest first. limit <= 0
// returns all.
func (db *DB) Events(ctx context.Context, limit int) ([]lock.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, kind, from_state, to_state, target, previous, distance, at
		FROM lock_events
		ORDER BY at DESC, event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lock events: %w", err)
	}
	defer rows.Close()

	var events []lock.Event
	for rows.Next() {
		var (
			e                  lock.Event
			kind, from, to     string
			target, prev, atNs int64
		)
		if err := rows.Scan(&e.SessionID, &kind, &from, &to, &target, &prev, &e.Distance, &atNs); err != nil {
			return nil, fmt.Errorf("scan lock event: %w", err)
		}
		e.Kind = lock.EventKind(kind)
		e.From = lock.State(from)
		e.To = lock.State(to)
		e.Target = skeleton.PersonID(target)
		e.Previous = skeleton.PersonID(prev)
		e.At = time.Unix(0, atNs).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, target, started_at, ended_at, end_reason, relocks
		FROM lock_sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s         Session
			target    int64
			startedNs int64
			endedNs   sql.NullInt64
			reason    sql.NullString
		)
		if err := rows.Scan(&s.ID, &target, &startedNs, &endedNs, &reason, &s.Relocks); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Target = skeleton.PersonID(target)
		s.StartedAt = time.Unix(0, startedNs).UTC()
		if endedNs.Valid {
			t := time.Unix(0, endedNs.Int64).UTC()
			s.EndedAt = &t
		}
		s.EndReason = reason.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Trajectory returns a session's estimates in time order. An empty sessionID
// selects the most recent session.
func (db *DB) Trajectory(ctx context.Context, sessionID string) ([]Estimate, error) {
	if sessionID == "" {
		err := db.QueryRowContext(ctx, `
			SELECT session_id FROM estimates ORDER BY at DESC, estimate_id DESC LIMIT 1`).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("latest session: %w", err)
		}
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, target, x, y, z, at
		FROM estimates
		WHERE session_id = ?
		ORDER BY at ASC, estimate_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query estimates: %w", err)
	}
	defer rows.Close()

	var out []Estimate
	for rows.Next() {
		var (
			e      Estimate
			target int64
			atNs   int64
		)
		if err := rows.Scan(&e.SessionID, &target, &e.Position.X, &e.Position.Y, &e.Position.Z, &atNs); err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		e.Target = skeleton.PersonID(target)
		e.At = time.Unix(0, atNs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
