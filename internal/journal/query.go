package journal

import (
	"database/sql"
	"time"
)

// EventRow is a stored supervisor event.
type EventRow struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	PID       int       `json:"pid"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// SessionRow is one companion process session. Stopped is zero while the
// session is open.
type SessionRow struct {
	ID       int64     `json:"id"`
	PID      int       `json:"pid"`
	Attached bool      `json:"attached"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped,omitempty"`
}

// Open reports whether the session has not been closed.
func (s SessionRow) Open() bool { return s.Stopped.IsZero() }

// RecentEvents returns up to limit events, newest first.
func (j *Journal) RecentEvents(limit int) ([]EventRow, error) {
	rows, err := j.db.Query(`SELECT event_id, session_id, kind, pid, detail, at_unix_ms
		FROM process_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e       EventRow
			session sql.NullInt64
			atMs    int64
		)
		if err := rows.Scan(&e.ID, &session, &e.Kind, &e.PID, &e.Detail, &atMs); err != nil {
			return nil, err
		}
		e.SessionID = session.Int64
		e.At = time.UnixMilli(atMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentSessions returns up to limit sessions, newest first.
func (j *Journal) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := j.db.Query(`SELECT session_id, pid, attached, started_unix_ms, stopped_unix_ms
		FROM sessions ORDER BY session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			s         SessionRow
			startedMs int64
			stoppedMs sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.PID, &s.Attached, &startedMs, &stoppedMs); err != nil {
			return nil, err
		}
		s.Started = time.UnixMilli(startedMs)
		if stoppedMs.Valid {
			s.Stopped = time.UnixMilli(stoppedMs.Int64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StatsCount returns the number of stored stats samples.
func (j *Journal) StatsCount() (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM receiver_stats`).Scan(&n)
	return n, err
}
