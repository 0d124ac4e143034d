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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/executor"
	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

type stubProcessor struct {
	delay    time.Duration
	outcomes map[string]checkpoint.Outcome
	errs     map[string]error
	saved    map[string]executor.Report
	onStart  func(key string)
}

func (p *stubProcessor) Process(ctx context.Context, key string, _ map[string]string) (executor.Report, error) {
	if p.onStart != nil {
		p.onStart(key)
	}
	time.Sleep(p.delay)
	if err := p.errs[key]; err != nil {
		return executor.Report{Key: key, Outcome: checkpoint.OutcomeError}, err
	}
	outcome, ok := p.outcomes[key]
	if !ok {
		outcome = checkpoint.OutcomeCompleted
	}
	return executor.Report{Key: key, Outcome: outcome}, nil
}

func (p *stubProcessor) Inspect(_ context.Context, key string) (executor.Report, error) {
	if rep, ok := p.saved[key]; ok {
		return rep, nil
	}
	return executor.Report{Key: key, Outcome: checkpoint.OutcomeInProgress}, nil
}

type stubStore struct {
	mu       sync.Mutex
	merged   []string
	saved    int
	results  *checkpoint.Results
	mergeErr error
}

func (s *stubStore) Merge(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	s.merged = append(s.merged, key)
	return nil
}

func (s *stubStore) SaveRun(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	return nil
}

func (s *stubStore) WriteResults(_ context.Context, r *checkpoint.Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = r
	return nil
}

func entities(n int) []Entity {
	out := make([]Entity, n)
	for i := range out {
		out[i] = Entity{Key: fmt.Sprintf("e%02d", i)}
	}
	return out
}

func TestRun_RespectsConcurrency(t *testing.T) {
	for _, limit := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("limit_%d", limit), func(t *testing.T) {
			store := &stubStore{}
			o := New(&stubProcessor{delay: 20 * time.Millisecond}, store, Config{Concurrency: limit})

			results, err := o.Run(context.Background(), entities(8))
			require.NoError(t, err)

			assert.Equal(t, 8, results.Len())
			assert.LessOrEqual(t, o.Active().Max(), limit)
			assert.GreaterOrEqual(t, o.Active().Max(), 1)
			assert.Equal(t, 0, o.Active().Current())
		})
	}
}

func TestRun_EntityFailuresAreIsolated(t *testing.T) {
	store := &stubStore{}
	proc := &stubProcessor{
		outcomes: map[string]checkpoint.Outcome{"e01": checkpoint.OutcomeFailed, "e02": checkpoint.OutcomeInProgress},
		errs:     map[string]error{"e03": &vgperrors.PersistenceError{Operation: "checkpoint", Cause: errors.New("disk full")}},
	}
	o := New(proc, store, Config{RunID: "r1", Suffix: "_v2", Concurrency: 2})

	results, err := o.Run(context.Background(), entities(5))
	require.NoError(t, err)

	rep, ok := results.Report("e03")
	require.True(t, ok)
	assert.Equal(t, checkpoint.OutcomeError, rep.Outcome)
	assert.Contains(t, rep.Errors[0], "disk full")

	// Only settled entities are merged.
	assert.ElementsMatch(t, []string{"e00", "e01", "e04"}, store.merged)
	assert.Equal(t, 1, store.saved)

	require.NotNil(t, store.results)
	assert.Equal(t, "r1", store.results.RunID)
	assert.Equal(t, "_v2", store.results.Suffix)
	assert.Equal(t, 2, store.results.Count(checkpoint.OutcomeCompleted))
	assert.Equal(t, 1, store.results.Count(checkpoint.OutcomeFailed))
	assert.Equal(t, 1, store.results.Count(checkpoint.OutcomeInProgress))
	assert.Equal(t, 1, store.results.Count(checkpoint.OutcomeError))
}

func TestRun_MergeAll(t *testing.T) {
	store := &stubStore{}
	proc := &stubProcessor{outcomes: map[string]checkpoint.Outcome{"e00": checkpoint.OutcomeInProgress}}
	o := New(proc, store, Config{MergeAll: true})

	_, err := o.Run(context.Background(), entities(2))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e00", "e01"}, store.merged)
}

func TestRun_AggregateFailureAbortsRun(t *testing.T) {
	store := &stubStore{mergeErr: &vgperrors.PersistenceError{Operation: "merge", Cause: errors.New("read-only file system")}}
	o := New(&stubProcessor{}, store, Config{Concurrency: 1})

	results, err := o.Run(context.Background(), entities(4))
	var pErr *vgperrors.PersistenceError
	require.ErrorAs(t, err, &pErr)

	// The first merge failure cancels the run; later entities never start.
	started := 0
	for _, key := range results.Keys() {
		rep, _ := results.Report(key)
		if rep.Outcome == checkpoint.OutcomeCompleted {
			started++
		}
	}
	assert.Less(t, started, 4)
	assert.Equal(t, 1, store.saved)
}

func TestRun_StopSkipsUnstartedEntities(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &stubStore{}
	done := map[stage.ID]stage.Status{"S1": stage.StatusCompleted, "S2": stage.StatusCompleted}
	partial := map[stage.ID]stage.Status{"S1": stage.StatusCompleted, "S2": stage.StatusLaunched}
	proc := &stubProcessor{
		onStart: func(key string) {
			if key == "e00" {
				cancel()
			}
		},
		saved: map[string]executor.Report{
			"e02": {Key: "e02", Outcome: checkpoint.OutcomeCompleted, Stages: done},
			"e03": {Key: "e03", Outcome: checkpoint.OutcomeInProgress, Stages: partial},
		},
	}
	o := New(proc, store, Config{Concurrency: 1})

	results, err := o.Run(ctx, entities(4))
	require.NoError(t, err)
	require.Equal(t, 4, results.Len())

	rep, _ := results.Report("e02")
	assert.Equal(t, checkpoint.OutcomeCompleted, rep.Outcome)
	assert.Equal(t, done, rep.Stages)
	assert.Empty(t, rep.Errors)

	rep, _ = results.Report("e03")
	assert.Equal(t, checkpoint.OutcomeInProgress, rep.Outcome)
	assert.Equal(t, partial, rep.Stages)
	assert.Equal(t, []string{"not started: run stopped"}, rep.Errors)

	assert.Equal(t, 1, store.saved)
	require.NotNil(t, store.results)
	assert.Equal(t, partial, store.results.Entities["e03"].Stages)
}

func TestRun_WithExecutorAndStore(t *testing.T) {
	g, err := stage.NewGraph(
		stage.Stage{ID: "S1"},
		stage.Stage{ID: "S2", Requires: []stage.Prerequisite{stage.After("S1")}, Consumes: []stage.ID{"S1"}},
	)
	require.NoError(t, err)

	f := jobs.NewFake()
	f.OnStatus = func(_ context.Context, jobID string) {
		f.Complete(jobID, map[string]string{"out": jobID})
	}

	store, err := checkpoint.NewStore(checkpoint.Config{Dir: t.TempDir(), Suffix: "_t"})
	require.NoError(t, err)

	exec := executor.New(g, f, store, executor.Config{
		PollIntervalFirstStage: 10 * time.Millisecond,
		PollIntervalOther:      10 * time.Millisecond,
		TimeoutPerStage:        time.Second,
	})
	o := New(exec, store, Config{RunID: "r1", Suffix: "_t", Concurrency: 3})

	ents := []Entity{
		{Key: "bTaeGut2", Attributes: map[string]string{state.AttrSpecies: "Taeniopygia guttata"}},
		{Key: "mHomSap1"},
		{Key: "fSalTru1"},
	}
	results, err := o.Run(context.Background(), ents)
	require.NoError(t, err)
	for _, key := range results.Keys() {
		rep, _ := results.Report(key)
		assert.Equal(t, checkpoint.OutcomeCompleted, rep.Outcome, key)
	}
	assert.Len(t, f.Submissions(), 6)

	live, err := store.ListIncremental(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)

	run, err := store.LoadRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bTaeGut2", "fSalTru1", "mHomSap1"}, run.Keys())
	assert.Equal(t, "Taeniopygia guttata", run.Get("bTaeGut2").Attr(state.AttrSpecies))

	summary, err := checkpoint.ReadResults(store.ResultsPath())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Count(checkpoint.OutcomeCompleted))
}
