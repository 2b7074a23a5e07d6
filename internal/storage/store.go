// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package storage records motion sessions to SQLite and reads them back for
// replay.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
)

// ErrNoSession is returned when a requested session does not exist.
var ErrNoSession = errors.New("no such session")

// timeLayout has fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite database holding recorded sessions.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SessionInfo describes a recorded session.
type SessionInfo struct {
	ID           string           `json:"id"`
	Source       string           `json:"source"`
	Capabilities imu.Capabilities `json:"capabilities"`
	StartedAt    time.Time        `json:"started_at"`
	StoppedAt    *time.Time       `json:"stopped_at,omitempty"`
	Samples      int              `json:"samples"`
}

// BeginSession registers a new session.
func (s *Store) BeginSession(ctx context.Context, id, source string, caps imu.Capabilities, startedAt time.Time) error {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.ExecContext(ctx,
		`INSERT INTO sessions (id, source, capabilities, started_at) VALUES (?, ?, ?, ?)`,
		id, source, string(capsJSON), startedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the stop time of a session.
func (s *Store) EndSession(ctx context.Context, id string, stoppedAt time.Time) error {
	res, err := s.ExecContext(ctx, `UPDATE sessions SET stopped_at = ? WHERE id = ?`, stoppedAt.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return nil
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT s.id, s.source, s.capabilities, s.started_at, s.stopped_at,
		       (SELECT COUNT(*) FROM samples WHERE session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info     SessionInfo
			capsJSON string
			started  string
			stopped  sql.NullString
		)
		if err := rows.Scan(&info.ID, &info.Source, &capsJSON, &started, &stopped, &info.Samples); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var err error
		if info.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("session %s start time: %w", info.ID, err)
		}
		if err := json.Unmarshal([]byte(capsJSON), &info.Capabilities); err != nil {
			return nil, fmt.Errorf("session %s capabilities: %w", info.ID, err)
		}
		if stopped.Valid {
			t, err := time.Parse(timeLayout, stopped.String)
			if err != nil {
				return nil, fmt.Errorf("session %s stop time: %w", info.ID, err)
			}
			info.StoppedAt = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Session returns one session, or the latest one when id is empty.
func (s *Store) Session(ctx context.Context, id string) (SessionInfo, error) {
	all, err := s.Sessions(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	for _, info := range all {
		if id == "" || info.ID == id {
			return info, nil
		}
	}
	if id == "" {
		return SessionInfo{}, fmt.Errorf("%w: database is empty", ErrNoSession)
	}
	return SessionInfo{}, fmt.Errorf("%w: %s", ErrNoSession, id)
}

// Samples returns the samples of a session in recording order.
func (s *Store) Samples(ctx context.Context, sessionID string) ([]imu.RawSample, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT kind, t, x, y, z FROM samples WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []imu.RawSample
	for rows.Next() {
		var smp imu.RawSample
		if err := rows.Scan(&smp.Kind, &smp.Timestamp, &smp.Values.X, &smp.Values.Y, &smp.Values.Z); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Snapshots returns the emitted snapshots of a session in order.
func (s *Store) Snapshots(ctx context.Context, sessionID string) ([]motion.Snapshot, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT t, qx, qy, qz, qw, gx, gy, gz, ax, ay, az, heading_accuracy, accuracy
		FROM snapshots WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []motion.Snapshot
	for rows.Next() {
		var (
			snap     motion.Snapshot
			accuracy string
		)
		q, g, a := &snap.Attitude, &snap.Gravity, &snap.UserAcceleration
		if err := rows.Scan(&snap.Timestamp,
			&q.X, &q.Y, &q.Z, &q.W,
			&g.X, &g.Y, &g.Z,
			&a.X, &a.Y, &a.Z,
			&snap.HeadingAccuracy, &accuracy); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if snap.Accuracy, err = orientation.ParseAccuracy(accuracy); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
