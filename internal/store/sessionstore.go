// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"database/sql"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var sslog = log.WithComponent("store.Session")

// SessionStore owns session, log and metric rows. Log inserts happen under
// sustained append load; each insert is one implicit transaction so the I/O
// pumps never wait for more than a single commit.
type SessionStore struct {
	db *DB
}

// NewSessionStore returns a session store over the shared database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession opens a new session for the project. Any session left open
// for the project (a crash leftover) is closed first so that at most one
// session per project has a null ended_at.
func (s *SessionStore) CreateSession(projectID string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UnixMilli()
	err := s.db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE sessions SET ended_at = ?, exit_status = ? WHERE project_id = ? AND ended_at IS NULL`,
			now, string(model.ExitErrored), projectID); err != nil {
			return storageErr(err, "close stale sessions")
		}
		if _, err := tx.Exec(
			`INSERT INTO sessions (id, project_id, started_at, exit_status) VALUES (?, ?, ?, ?)`,
			id, projectID, now, string(model.ExitRunning)); err != nil {
			return storageErr(err, "insert session")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EndSession finalizes a session with its terminal status.
func (s *SessionStore) EndSession(sessionID string, status model.ExitStatus) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET ended_at = ?, exit_status = ? WHERE id = ? AND ended_at IS NULL`,
			time.Now().UnixMilli(), string(status), sessionID)
		if err != nil {
			return storageErr(err, "end session")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// already finalized or unknown; not an error for the exit path
			sslog.WithSession(sessionID).Debug("end on finalized session ignored")
		}
		return nil
	})
}

// InsertLog appends one output chunk.
func (s *SessionStore) InsertLog(sessionID string, stream model.LogStream, data []byte, ts time.Time) error {
	if _, err := s.db.sql.Exec(
		`INSERT INTO logs (session_id, stream, data, ts) VALUES (?, ?, ?, ?)`,
		sessionID, string(stream), data, ts.UnixMilli()); err != nil {
		return storageErr(err, "insert log")
	}
	return nil
}

// InsertMetric appends one aggregated CPU/memory sample.
func (s *SessionStore) InsertMetric(sessionID string, cpu float64, mem uint64) error {
	if _, err := s.db.sql.Exec(
		`INSERT INTO metrics (session_id, ts, cpu, mem) VALUES (?, ?, ?, ?)`,
		sessionID, time.Now().UnixMilli(), cpu, int64(mem)); err != nil {
		return storageErr(err, "insert metric")
	}
	return nil
}

// GetSession returns one session.
func (s *SessionStore) GetSession(id string) (model.Session, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, project_id, started_at, ended_at, exit_status FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sess, model.NotFoundf("session %s", id)
	}
	if err != nil {
		return sess, storageErr(err, "get session")
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var sess model.Session
	var started int64
	var ended sql.NullInt64
	var status string
	if err := row.Scan(&sess.ID, &sess.ProjectID, &started, &ended, &status); err != nil {
		return sess, err
	}
	sess.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		sess.EndedAt = &t
	}
	sess.ExitStatus = model.ExitStatus(status)
	return sess, nil
}

// GetProjectSessions lists all sessions of a project, most recent first.
func (s *SessionStore) GetProjectSessions(projectID string) ([]model.Session, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, project_id, started_at, ended_at, exit_status
		 FROM sessions WHERE project_id = ? ORDER BY started_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, storageErr(err, "project sessions")
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr(err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetProjectSessionsWithStats joins each session with its log count, total
// log byte size and metric count.
func (s *SessionStore) GetProjectSessionsWithStats(projectID string) ([]model.SessionWithStats, error) {
	rows, err := s.db.sql.Query(
		`SELECT s.id, s.project_id, s.started_at, s.ended_at, s.exit_status,
		        COUNT(DISTINCT l.id), COALESCE(SUM(LENGTH(l.data)), 0),
		        (SELECT COUNT(*) FROM metrics m WHERE m.session_id = s.id)
		 FROM sessions s LEFT JOIN logs l ON l.session_id = s.id
		 WHERE s.project_id = ?
		 GROUP BY s.id
		 ORDER BY s.started_at DESC, s.rowid DESC`, projectID)
	if err != nil {
		return nil, storageErr(err, "project sessions with stats")
	}
	defer rows.Close()
	var out []model.SessionWithStats
	for rows.Next() {
		var sws model.SessionWithStats
		var started int64
		var ended sql.NullInt64
		var status string
		if err := rows.Scan(&sws.ID, &sws.ProjectID, &started, &ended, &status,
			&sws.LogCount, &sws.LogSize, &sws.MetricCount); err != nil {
			return nil, storageErr(err, "scan session stats")
		}
		sws.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			sws.EndedAt = &t
		}
		sws.ExitStatus = model.ExitStatus(status)
		out = append(out, sws)
	}
	return out, rows.Err()
}

// GetLastCompletedSession returns the most recently ended session.
func (s *SessionStore) GetLastCompletedSession(projectID string) (model.Session, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, project_id, started_at, ended_at, exit_status
		 FROM sessions WHERE project_id = ? AND ended_at IS NOT NULL
		 ORDER BY ended_at DESC, rowid DESC LIMIT 1`, projectID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sess, model.NotFoundf("no completed session for project %s", projectID)
	}
	if err != nil {
		return sess, storageErr(err, "last completed session")
	}
	return sess, nil
}

// GetSessionLogs returns all chunks of a session in insert order.
func (s *SessionStore) GetSessionLogs(sessionID string) ([]model.LogChunk, error) {
	return s.queryLogs(
		`SELECT id, session_id, stream, data, ts FROM logs WHERE session_id = ? ORDER BY id`, sessionID)
}

func (s *SessionStore) queryLogs(query string, args ...interface{}) ([]model.LogChunk, error) {
	rows, err := s.db.sql.Query(query, args...)
	if err != nil {
		return nil, storageErr(err, "query logs")
	}
	defer rows.Close()
	var chunks []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		var ts int64
		var stream string
		if err := rows.Scan(&c.ID, &c.SessionID, &stream, &c.Data, &ts); err != nil {
			return nil, storageErr(err, "scan log")
		}
		c.Stream = model.LogStream(stream)
		c.Timestamp = time.UnixMilli(ts)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetSessionLogsAsString concatenates the session's chunks in insert order.
func (s *SessionStore) GetSessionLogsAsString(sessionID string) (string, error) {
	chunks, err := s.GetSessionLogs(sessionID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	return buf.String(), nil
}

// GetSessionMetrics returns all metric points of a session in insert order.
func (s *SessionStore) GetSessionMetrics(sessionID string) ([]model.MetricPoint, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, session_id, ts, cpu, mem FROM metrics WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, storageErr(err, "session metrics")
	}
	defer rows.Close()
	var points []model.MetricPoint
	for rows.Next() {
		p, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func scanMetric(row rowScanner) (model.MetricPoint, error) {
	var p model.MetricPoint
	var ts, mem int64
	if err := row.Scan(&p.ID, &p.SessionID, &ts, &p.CPUPercent, &mem); err != nil {
		return p, storageErr(err, "scan metric")
	}
	p.Timestamp = time.UnixMilli(ts)
	p.MemoryRSS = uint64(mem)
	return p, nil
}

// GetLastMetric returns the newest metric point of a session.
func (s *SessionStore) GetLastMetric(sessionID string) (model.MetricPoint, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, session_id, ts, cpu, mem FROM metrics WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID)
	var p model.MetricPoint
	var ts, mem int64
	err := row.Scan(&p.ID, &p.SessionID, &ts, &p.CPUPercent, &mem)
	if err == sql.ErrNoRows {
		return p, model.NotFoundf("no metrics for session %s", sessionID)
	}
	if err != nil {
		return p, storageErr(err, "last metric")
	}
	p.Timestamp = time.UnixMilli(ts)
	p.MemoryRSS = uint64(mem)
	return p, nil
}

// GetRecentLogs returns the last limit chunks of the project's most recent
// session, in chronological order.
func (s *SessionStore) GetRecentLogs(projectID string, limit int) ([]model.LogChunk, error) {
	var sessionID string
	err := s.db.sql.QueryRow(
		`SELECT id FROM sessions WHERE project_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		projectID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "recent session")
	}
	chunks, err := s.queryLogs(
		`SELECT id, session_id, stream, data, ts FROM
		 (SELECT id, session_id, stream, data, ts FROM logs WHERE session_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// GetStorageStats summarizes row counts, log bytes and the database size.
func (s *SessionStore) GetStorageStats() (model.StorageStats, error) {
	var stats model.StorageStats
	row := s.db.sql.QueryRow(
		`SELECT (SELECT COUNT(*) FROM sessions),
		        (SELECT COUNT(*) FROM logs),
		        (SELECT COALESCE(SUM(LENGTH(data)), 0) FROM logs),
		        (SELECT COUNT(*) FROM metrics)`)
	if err := row.Scan(&stats.SessionCount, &stats.LogCount, &stats.LogSize, &stats.MetricCount); err != nil {
		return stats, storageErr(err, "storage stats")
	}
	if fi, err := os.Stat(s.db.path); err == nil {
		stats.DatabaseSize = fi.Size()
	}
	return stats, nil
}

// CleanupOldSessions removes completed sessions older than the given number
// of days. Logs and metrics cascade. Returns the removed session count.
func (s *SessionStore) CleanupOldSessions(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	var removed int64
	err := s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
		if err != nil {
			return storageErr(err, "cleanup old sessions")
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// CleanupAllSessions removes every completed session; running sessions stay.
func (s *SessionStore) CleanupAllSessions() (int64, error) {
	var removed int64
	err := s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sessions WHERE ended_at IS NOT NULL`)
		if err != nil {
			return storageErr(err, "cleanup all sessions")
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// DeleteSession removes one session with its logs and metrics.
func (s *SessionStore) DeleteSession(id string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return storageErr(err, "delete session")
		}
		return requireRow(res, "session", id)
	})
}

// ClearProjectLogs drops all log rows across the project's sessions, keeping
// the sessions and metrics.
func (s *SessionStore) ClearProjectLogs(projectID string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM logs WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`,
			projectID); err != nil {
			return storageErr(err, "clear project logs")
		}
		return nil
	})
}
