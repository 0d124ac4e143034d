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

// Package recovery finds stages whose jobs ended failed or cancelled and,
// when a retry is requested, clears them so the executor launches them again.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/poller"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
)

// Store loads and persists entity state.
type Store interface {
	Load(ctx context.Context, key string) (*state.EntityState, error)
	Checkpoint(ctx context.Context, st *state.EntityState) error
}

// Failure is one stage that ended failed or cancelled.
type Failure struct {
	Entity string
	Stage  stage.ID
	JobID  string
	Status stage.Status
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %s (job %s)", f.Entity, f.Stage, f.Status, f.JobID)
}

// Scan lists the failed and cancelled stages in run, ordered by entity key
// and then by stage order.
func Scan(run *state.RunMetadata, g *stage.Graph) []Failure {
	if run == nil {
		return nil
	}
	var out []Failure
	for _, key := range run.Keys() {
		out = append(out, failures(run.Get(key), g)...)
	}
	return out
}

func failures(st *state.EntityState, g *stage.Graph) []Failure {
	if st == nil {
		return nil
	}
	var out []Failure
	for _, id := range g.Order() {
		status := st.StageStatus(id)
		if !status.Negative() {
			continue
		}
		out = append(out, Failure{Entity: st.Key, Stage: id, JobID: st.Record(id).Job.ID, Status: status})
	}
	return out
}

// Config configures a Coordinator.
type Config struct {
	// Status, when set, is used by Detect to refresh launched stages
	// before scanning so failures since the last run are found.
	Status poller.StatusReader

	Logger *slog.Logger
}

// Coordinator detects and resets failures through a Store.
type Coordinator struct {
	graph  *stage.Graph
	store  Store
	poller *poller.Poller
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Coordinator.
func New(g *stage.Graph, store Store, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	c := &Coordinator{
		graph:  g,
		store:  store,
		logger: vgplog.WithComponent(logger, "recovery"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.Status != nil {
		c.poller = poller.New(cfg.Status, poller.Config{Logger: logger})
	}
	return c
}

// Detect returns the failures of the given entities. Entities with no saved
// state are skipped. Launched stages are queried once when a status reader
// is configured, and newly failed or cancelled jobs are checkpointed.
func (c *Coordinator) Detect(ctx context.Context, keys []string) ([]Failure, error) {
	var out []Failure
	for _, key := range keys {
		st, err := c.store.Load(ctx, key)
		if err != nil {
			return out, err
		}
		if st == nil {
			continue
		}
		if c.poller != nil {
			if err := c.refresh(ctx, st); err != nil {
				return out, err
			}
		}
		out = append(out, failures(st, c.graph)...)
	}
	return out, nil
}

func (c *Coordinator) refresh(ctx context.Context, st *state.EntityState) error {
	var targets []poller.Target
	stageOf := make(map[string]stage.ID)
	for _, id := range c.graph.Order() {
		r := st.Record(id)
		if r == nil || r.Job == nil || r.Job.State.Terminal() {
			continue
		}
		targets = append(targets, poller.Target{JobID: r.Job.ID})
		stageOf[r.Job.ID] = id
	}
	if len(targets) == 0 {
		return nil
	}

	changed := false
	for jobID, res := range c.poller.Once(ctx, targets) {
		if res.Err != nil {
			c.logger.Warn("could not check job", slog.String(vgplog.EntityKey, st.Key), slog.String(vgplog.JobIDKey, jobID), vgplog.Error(res.Err))
			continue
		}
		if res.State != state.JobFailed && res.State != state.JobCancelled {
			continue
		}
		if err := st.Observe(stageOf[jobID], res.State, c.now()); err == nil {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.store.Checkpoint(ctx, st)
}

// Reset clears the given failures back to not launched and checkpoints each
// entity once. Failures that no longer hold, because the stage was already
// reset or relaunched, are skipped. It returns the failures it cleared.
func (c *Coordinator) Reset(ctx context.Context, fs []Failure) ([]Failure, error) {
	byEntity := make(map[string][]Failure)
	for _, f := range fs {
		byEntity[f.Entity] = append(byEntity[f.Entity], f)
	}
	keys := make([]string, 0, len(byEntity))
	for k := range byEntity {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		cleared []Failure
		errs    []error
	)
	for _, key := range keys {
		done, err := c.resetEntity(ctx, key, byEntity[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", key, err))
			continue
		}
		cleared = append(cleared, done...)
	}
	return cleared, errors.Join(errs...)
}

func (c *Coordinator) resetEntity(ctx context.Context, key string, fs []Failure) ([]Failure, error) {
	st, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}

	logger := vgplog.WithEntity(c.logger, key)
	var done []Failure
	for _, f := range fs {
		r := st.Record(f.Stage)
		if r == nil || r.Job == nil || r.Job.ID != f.JobID {
			continue
		}
		status := r.Status()
		jobID, ok := st.Reset(f.Stage, c.now())
		if !ok {
			continue
		}
		metrics.RecordReset(string(f.Stage), string(status))
		logger.Info("stage reset for retry",
			slog.String(vgplog.StageKey, string(f.Stage)),
			slog.String(vgplog.JobIDKey, jobID),
			slog.String("status", string(status)),
			slog.Int("attempt", st.Attempt(f.Stage)),
		)
		done = append(done, f)
	}
	if len(done) == 0 {
		return nil, nil
	}
	if err := c.store.Checkpoint(ctx, st); err != nil {
		return nil, err
	}
	return done, nil
}
