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

// Package checkpoint persists entity state for crash recovery.
//
// Each in-flight entity has an incremental file that is rewritten atomically
// after every state change. Once an entity settles, its incremental file is
// folded into the run's aggregate file and removed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Store handles checkpoint storage and retrieval for one run suffix.
type Store struct {
	mu     sync.Mutex
	dir    string
	suffix string
	run    *state.RunMetadata
	logger *slog.Logger
}

// Config contains checkpoint store configuration.
type Config struct {
	// Dir is the metadata directory.
	Dir string

	// Suffix distinguishes runs sharing a directory, e.g. "_v2".
	Suffix string

	Logger *slog.Logger
}

// NewStore creates a store, creating Dir if needed.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, &vgperrors.ConfigError{Key: "metadata_directory", Reason: "required"}
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, &vgperrors.PersistenceError{Operation: "create_dir", Path: cfg.Dir, Cause: err}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	return &Store{
		dir:    cfg.Dir,
		suffix: cfg.Suffix,
		logger: vgplog.WithComponent(logger, "checkpoint"),
	}, nil
}

// Dir returns the metadata directory.
func (s *Store) Dir() string { return s.dir }

// AggregatePath returns the path of the run's aggregate file.
func (s *Store) AggregatePath() string {
	return filepath.Join(s.dir, "metadata_run"+s.suffix+".json")
}

// IncrementalPath returns the path of an entity's incremental file.
func (s *Store) IncrementalPath(key string) string {
	return filepath.Join(s.dir, "metadata_"+key+"_run"+s.suffix+".json")
}

// ResultsPath returns the path of the run-end summary.
func (s *Store) ResultsPath() string {
	return filepath.Join(s.dir, "results_run"+s.suffix+".json")
}

// Checkpoint durably writes st to its incremental file. The write is atomic:
// readers see either the previous or the new content.
func (s *Store) Checkpoint(ctx context.Context, st *state.EntityState) error {
	if err := validKey(st.Key); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	path := s.IncrementalPath(st.Key)
	if err := writeJSON(path, st); err != nil {
		return s.fail("checkpoint", path, err)
	}
	return nil
}

// Load returns the entity's incremental checkpoint if present, else its
// entry in the aggregate, else nil.
func (s *Store) Load(ctx context.Context, key string) (*state.EntityState, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	st, err := readEntity(s.IncrementalPath(key))
	if err != nil {
		return nil, s.fail("load", s.IncrementalPath(key), err)
	}
	if st != nil {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRunLocked(); err != nil {
		return nil, err
	}
	return s.run.Get(key), nil
}

// LoadRun reads the aggregate and overlays every incremental file left by an
// interrupted run. The result is a copy.
func (s *Store) LoadRun(ctx context.Context) (*state.RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run = nil
	if err := s.ensureRunLocked(); err != nil {
		return nil, err
	}

	keys, err := s.listIncremental()
	if err != nil {
		return nil, s.fail("list", s.dir, err)
	}
	view := s.run.Clone()
	for _, key := range keys {
		st, err := readEntity(s.IncrementalPath(key))
		if err != nil {
			return nil, s.fail("load", s.IncrementalPath(key), err)
		}
		if st != nil {
			view.Put(st)
		}
	}
	return view, nil
}

// Merge folds the entity's incremental checkpoint into the aggregate, writes
// the aggregate atomically, then deletes the incremental file. A crash
// between the two steps leaves both files, which LoadRun reconciles.
func (s *Store) Merge(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.IncrementalPath(key)
	st, err := readEntity(path)
	if err != nil {
		return s.fail("merge", path, err)
	}
	if st == nil {
		return nil
	}
	if err := s.ensureRunLocked(); err != nil {
		return err
	}

	next := s.run.Clone()
	next.Put(st)
	if err := writeJSON(s.AggregatePath(), next); err != nil {
		return s.fail("merge", s.AggregatePath(), err)
	}
	s.run = next

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return s.fail("merge", path, err)
	}
	s.logger.Debug("merged entity into aggregate", slog.String(vgplog.EntityKey, key))
	return nil
}

// SaveRun writes the in-memory aggregate in full.
func (s *Store) SaveRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunLocked(); err != nil {
		return err
	}
	if err := writeJSON(s.AggregatePath(), s.run); err != nil {
		return s.fail("save_run", s.AggregatePath(), err)
	}
	return nil
}

// Run returns a copy of the in-memory aggregate.
func (s *Store) Run(ctx context.Context) (*state.RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunLocked(); err != nil {
		return nil, err
	}
	return s.run.Clone(), nil
}

// ListIncremental returns the keys of entities with a live incremental file.
func (s *Store) ListIncremental(ctx context.Context) ([]string, error) {
	keys, err := s.listIncremental()
	if err != nil {
		return nil, s.fail("list", s.dir, err)
	}
	return keys, nil
}

func (s *Store) listIncremental() ([]string, error) {
	pattern := "metadata_*_run" + s.suffix + ".json"
	matches, err := doublestar.Glob(os.DirFS(s.dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		key := strings.TrimSuffix(strings.TrimPrefix(m, "metadata_"), "_run"+s.suffix+".json")
		if key == "" {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ensureRunLocked loads the aggregate from disk on first use.
func (s *Store) ensureRunLocked() error {
	if s.run != nil {
		return nil
	}
	data, err := os.ReadFile(s.AggregatePath())
	if err != nil {
		if os.IsNotExist(err) {
			s.run = state.NewRunMetadata(s.suffix)
			return nil
		}
		return s.fail("load_run", s.AggregatePath(), err)
	}

	run := state.NewRunMetadata(s.suffix)
	if err := json.Unmarshal(data, run); err != nil {
		return s.fail("load_run", s.AggregatePath(), fmt.Errorf("failed to unmarshal aggregate: %w", err))
	}
	if run.Entities == nil {
		run.Entities = make(map[string]*state.EntityState)
	}
	s.run = run
	return nil
}

func (s *Store) fail(op, path string, err error) error {
	pErr := &vgperrors.PersistenceError{Operation: op, Path: path, Cause: err}
	metrics.RecordPersistenceError(op, errorType(err))
	s.logger.Error("persistence failure", slog.String("operation", op), slog.String("path", path), vgplog.Error(err))
	return pErr
}

func errorType(err error) string {
	switch {
	case os.IsNotExist(err):
		return "not_found"
	case os.IsPermission(err):
		return "permission_denied"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return "corrupt"
	}
	return "io_error"
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) {
		return &vgperrors.ValidationError{Field: "entity", Message: fmt.Sprintf("invalid entity key %q", key)}
	}
	return nil
}

func readEntity(path string) (*state.EntityState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st state.EntityState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &st, nil
}

// writeJSON marshals v and replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry of a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
