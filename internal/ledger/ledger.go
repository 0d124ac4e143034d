// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger records every job submission in SQLite.
//
// The ledger is written right after a submission returns and before the
// entity checkpoint, so a crash between the two leaves a trace of the job
// that the next run can adopt instead of submitting a duplicate.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded submission.
type Entry struct {
	ID          int64
	RunID       string
	Suffix      string
	Entity      string
	Stage       string
	Attempt     int
	JobID       string
	Mode        string
	SubmittedAt time.Time
}

// Filter narrows List results.
type Filter struct {
	Suffix string
	Entity string
	Stage  string
	Limit  int
}

// Config contains configuration for the ledger.
type Config struct {
	// Path is the filesystem path to the SQLite database file, or
	// ":memory:".
	Path string
}

// Ledger is the SQLite-backed submission log.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(cfg.Path), err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Workers share one connection; writes are small and serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(ctx, cfg.Path != ":memory:"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context, onDisk bool) error {
	if onDisk {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := l.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		suffix TEXT NOT NULL DEFAULT '',
		entity TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		job_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		submitted_at DATETIME NOT NULL,
		UNIQUE (suffix, entity, stage, attempt)
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_entity ON submissions(suffix, entity);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends a submission. It reports false when an entry for the same
// suffix, entity, stage and attempt already exists; the existing entry is
// kept.
func (l *Ledger) Record(ctx context.Context, e Entry) (bool, error) {
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
	INSERT INTO submissions (run_id, suffix, entity, stage, attempt, job_id, mode, submitted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (suffix, entity, stage, attempt) DO NOTHING
	`, e.RunID, e.Suffix, e.Entity, e.Stage, e.Attempt, e.JobID, e.Mode, e.SubmittedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record submission: %w", err)
	}
	return n == 1, nil
}

// Lookup returns the entry for one submission attempt, or nil.
func (l *Ledger) Lookup(ctx context.Context, suffix, entity, stage string, attempt int) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
	SELECT id, run_id, suffix, entity, stage, attempt, job_id, mode, submitted_at
	FROM submissions
	WHERE suffix = ? AND entity = ? AND stage = ? AND attempt = ?
	`, suffix, entity, stage, attempt)

	e, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up submission: %w", err)
	}
	return e, nil
}

// List returns entries matching f, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Suffix != "" {
		where = append(where, "suffix = ?")
		args = append(args, f.Suffix)
	}
	if f.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, f.Entity)
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}

	query := `SELECT id, run_id, suffix, entity, stage, attempt, job_id, mode, submitted_at FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Entry, error) {
	var e Entry
	if err := s.Scan(&e.ID, &e.RunID, &e.Suffix, &e.Entity, &e.Stage, &e.Attempt, &e.JobID, &e.Mode, &e.SubmittedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
