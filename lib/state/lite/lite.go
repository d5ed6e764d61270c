/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package lite implements the state store on sqlite. One daemon owns the
// database file exclusively; a second daemon pointed at the same path
// fails fast at startup.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/state"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// Config holds the settings for the sqlite store.
type Config struct {
	// Path is the database file. Empty runs fully in memory, which is
	// what tests use.
	Path string
	// BusyTimeout is how long sqlite waits on a locked database before
	// failing a statement.
	BusyTimeout time.Duration
	// Clock stamps created/updated times.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaults.StateBusyTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Backend is the sqlite state store.
type Backend struct {
	Config
	logger *slog.Logger
	db     *sql.DB
	lock   *flock.Flock
	closed atomic.Bool
}

// New opens (creating if needed) the database at cfg.Path and prepares
// the schema.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var lock *flock.Flock
	dsn := "file::memory:?mode=memory"
	if cfg.Path != "" {
		lock = flock.New(cfg.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, trace.Wrap(err, "locking state database %v", cfg.Path)
		}
		if !locked {
			return nil, trace.AlreadyExists("state database %v is locked by another process", cfg.Path)
		}
		dsn = fmt.Sprintf("file:%v?_busy_timeout=%v&_journal_mode=WAL",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, trace.Wrap(err, "opening state database %v", cfg.Path)
	}
	// sqlite allows a single writer; one connection serializes access and
	// keeps the in-memory mode coherent.
	db.SetMaxOpenConns(1)

	l := &Backend{
		Config: cfg,
		logger: logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentState),
		db:     db,
		lock:   lock,
	}
	if err := l.createSchema(context.Background()); err != nil {
		db.Close()
		if lock != nil {
			lock.Unlock()
		}
		return nil, trace.Wrap(err)
	}
	return l, nil
}

// Close releases the database and the advisory lock. Safe to call twice.
func (l *Backend) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.db.Close()
	if l.lock != nil {
		if unlockErr := l.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return trace.Wrap(err)
}

func (l *Backend) createSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying schema")
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS directories (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pinned_branch TEXT NOT NULL DEFAULT '',
		branch_strategy TEXT NOT NULL DEFAULT '',
		archived_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		directory_id TEXT NOT NULL DEFAULT '',
		worktree_id TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		runtime_status TEXT NOT NULL DEFAULT '',
		runtime_last_event_at INTEGER,
		runtime_attention_reason TEXT NOT NULL DEFAULT '',
		runtime_last_exit TEXT,
		adapter_state TEXT,
		archived_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		remote_url TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		directory_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		fingerprint TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		provider_thread_id TEXT NOT NULL DEFAULT '',
		event_name TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		observed_at INTEGER NOT NULL,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		number INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		head_sha TEXT NOT NULL DEFAULT '',
		status_rollup TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (repository_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS pull_request_jobs (
		pull_request_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		conclusion TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS pull_request_jobs_pr
		ON pull_request_jobs (pull_request_id)`,
	`CREATE TABLE IF NOT EXISTS pull_request_sync (
		repository_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		synced_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (repository_id, branch)
	)`,
}

// checkOpen guards every operation so calls after Close surface
// state.ErrClosed instead of a driver error.
func (l *Backend) checkOpen() error {
	if l.closed.Load() {
		return trace.Wrap(state.ErrClosed)
	}
	return nil
}

func (l *Backend) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.logger.WarnContext(ctx, "Transaction rollback failed.", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(convertError(tx.Commit()))
}

// convertError maps driver errors onto the store's error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("record not found")
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			return trace.AlreadyExists("record already exists")
		case sqlite3.ErrBusy:
			return trace.ConnectionProblem(err, "state database is busy")
		}
	}
	return err
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
