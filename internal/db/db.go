// Package db persists sessions and closed violation events in SQLite. It is
// the reporting boundary behind the HTTP API and implements session.Reporter.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/report"
	"github.com/banshee-data/violation.report/internal/timeutil"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	clock timeutil.Clock
}

// pragmas are applied to every pooled connection through the DSN.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// NewDB opens (creating if needed) the database at path and applies the
// embedded migrations.
func NewDB(path string) (*DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + pragmas
	} else {
		dsn += "?" + pragmas
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, clock: timeutil.RealClock{}}
	if err := db.MigrateUp(""); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used for recorded_at stamps.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// SessionRow is one stored session.
type SessionRow struct {
	SessionID    string     `json:"session_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Version      string     `json:"version"`
	Frames       int64      `json:"frames"`
	EventsClosed int64      `json:"events_closed"`
}

// RecordSession inserts a session row. cfg is stored as JSON for later audit.
func (db *DB) RecordSession(ctx context.Context, id string, startedAt time.Time, version string, cfg any) error {
	cfgJSON := []byte("{}")
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return fmt.Errorf("failed to encode session config: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_ns, version, config_json) VALUES (?, ?, ?, ?)`,
		id, startedAt.UnixNano(), version, string(cfgJSON))
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the end time and final counters of a session.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time, frames, eventsClosed int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_ns = ?, frames = ?, events_closed = ? WHERE session_id = ?`,
		endedAt.UnixNano(), frames, eventsClosed, id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Sessions returns stored sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, started_ns, ended_ns, version, frames, events_closed
		   FROM sessions ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.SessionID, &started, &ended, &s.Version, &s.Frames, &s.EventsClosed); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Report implements session.Reporter by storing the closed event.
func (db *DB) Report(ctx context.Context, sessionID string, ev *dedup.Event) error {
	return db.RecordViolationEvent(ctx, report.FromEvent(sessionID, ev))
}

// RecordViolationEvent stores r. Re-recording the same event id replaces the
// row, so a retried report is harmless.
func (db *DB) RecordViolationEvent(ctx context.Context, r report.Record) error {
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO violation_events (
			event_id, session_id, track_id, rule_id, start_ns, end_ns, duration_s,
			first_frame, last_frame, candidates, metadata_json, close_reason,
			evidence_ref, evidence_status, recorded_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.SessionID, r.TrackID, r.RuleID, r.Start.UnixNano(), r.End.UnixNano(), r.DurationS,
		r.FirstFrame, r.LastFrame, r.Candidates, string(md), r.CloseReason,
		r.EvidenceRef, r.EvidenceStatus, db.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record violation event %s: %w", r.EventID, err)
	}
	return nil
}

// EventFilter narrows ListViolationEvents. Zero values do not filter.
type EventFilter struct {
	Rule      string
	SessionID string
	Since     time.Time // start >= Since
	Until     time.Time // start < Until
	Limit     int       // default 100, max 10000
	Newest    bool      // order by start descending
}

const (
	defaultLimit = 100
	maxLimit     = 10000
)

const eventColumns = `event_id, session_id, track_id, rule_id, start_ns, end_ns, duration_s,
	first_frame, last_frame, candidates, metadata_json, close_reason, evidence_ref, evidence_status`

// ListViolationEvents returns stored events matching f ordered by start time.
func (db *DB) ListViolationEvents(ctx context.Context, f EventFilter) ([]report.Record, error) {
	var where []string
	var args []any
	if f.Rule != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.Rule)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		where = append(where, "start_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "start_ns < ?")
		args = append(args, f.Until.UnixNano())
	}

	q := "SELECT " + eventColumns + " FROM violation_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		q += " ORDER BY start_ns DESC, event_id"
	} else {
		q += " ORDER BY start_ns ASC, event_id"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violation events: %w", err)
	}
	defer rows.Close()

	var out []report.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetViolationEvent returns one event by id.
func (db *DB) GetViolationEvent(ctx context.Context, id string) (report.Record, error) {
	row := db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM violation_events WHERE event_id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Record{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return r, err
}

// CountByRule returns the number of events per rule starting at or after
// since (all time when since is zero).
func (db *DB) CountByRule(ctx context.Context, since time.Time) (map[string]int64, error) {
	q := "SELECT rule_id, COUNT(*) FROM violation_events"
	var args []any
	if !since.IsZero() {
		q += " WHERE start_ns >= ?"
		args = append(args, since.UnixNano())
	}
	q += " GROUP BY rule_id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count violation events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var rule string
		var n int64
		if err := rows.Scan(&rule, &n); err != nil {
			return nil, err
		}
		counts[rule] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (report.Record, error) {
	var r report.Record
	var start, end int64
	var md string
	err := s.Scan(&r.EventID, &r.SessionID, &r.TrackID, &r.RuleID, &start, &end, &r.DurationS,
		&r.FirstFrame, &r.LastFrame, &r.Candidates, &md, &r.CloseReason, &r.EvidenceRef, &r.EvidenceStatus)
	if err != nil {
		return report.Record{}, err
	}
	r.Start = time.Unix(0, start).UTC()
	r.End = time.Unix(0, end).UTC()
	if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
		return report.Record{}, fmt.Errorf("event %s: bad metadata: %w", r.EventID, err)
	}
	return r, nil
}
