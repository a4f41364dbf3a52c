// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package store persists groups, projects, sessions, logs and metrics in a
// single embedded sqlite database. The database runs in WAL mode with
// foreign keys enforced; writes go through one *sql.DB handle with a 5s busy
// timeout so the supervisor never blocks on a reader.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"

	// register the pure-Go sqlite driver
	_ "modernc.org/sqlite"
)

var slog = log.WithComponent("store.DB")

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	directory    TEXT NOT NULL,
	yaml_path    TEXT NOT NULL DEFAULT '',
	sync_enabled INTEGER NOT NULL DEFAULT 0,
	position     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS projects (
	id                   TEXT PRIMARY KEY,
	group_id             TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	name                 TEXT NOT NULL,
	command              TEXT NOT NULL,
	type                 TEXT NOT NULL DEFAULT 'service',
	auto_restart         INTEGER NOT NULL DEFAULT 1,
	cwd                  TEXT NOT NULL DEFAULT '',
	interactive          INTEGER NOT NULL DEFAULT 0,
	watch_patterns       TEXT NOT NULL DEFAULT '',
	auto_start_on_launch INTEGER NOT NULL DEFAULT 0,
	position             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS group_env_vars (
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (group_id, key)
);

CREATE TABLE IF NOT EXISTS project_env_vars (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (project_id, key)
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	exit_status TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	stream     TEXT NOT NULL,
	data       BLOB NOT NULL,
	ts         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	ts         INTEGER NOT NULL,
	cpu        REAL NOT NULL,
	mem        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_group ON projects(group_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, started_at);
CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id, id);
CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(session_id, id);
`

// DB wraps the shared sqlite handle plus the path it was opened from.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path in WAL mode with
// foreign keys on and a 5 second busy timeout, and bootstraps the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "can't open database")
	}
	// sqlite allows one writer; funnel everything through one connection so
	// transactions never trip over each other inside our own process.
	handle.SetMaxOpenConns(1)

	if _, err := handle.Exec(schema); err != nil {
		_ = handle.Close()
		return nil, errors.Wrap(err, "can't bootstrap schema")
	}

	slog.WithField("path", path).Debug("Database opened.")
	return &DB{sql: handle, path: path}, nil
}

// Path returns the filesystem path of the database file.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// storageErr wraps driver errors into the model.ErrStorage kind.
func storageErr(err error, op string) error {
	return fmt.Errorf("%w: %s: %s", model.ErrStorage, op, err.Error())
}

// inTx runs fn inside a transaction, rolling back on error. Mutations are
// atomic: either fn's statements all commit or none do.
func (d *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return storageErr(err, "begin")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "commit")
	}
	return nil
}
