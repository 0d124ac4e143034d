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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/ledger"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

const (
	s1 stage.ID = "S1"
	s2 stage.ID = "S2"
	s3 stage.ID = "S3"
)

func chain(t *testing.T) *stage.Graph {
	t.Helper()
	g, err := stage.NewGraph(
		stage.Stage{ID: s1, Workflow: "first"},
		stage.Stage{ID: s2, Workflow: "second", Requires: []stage.Prerequisite{stage.After(s1)}, Consumes: []stage.ID{s1}},
		stage.Stage{ID: s3, Workflow: "third", Requires: []stage.Prerequisite{stage.After(s2)}},
	)
	require.NoError(t, err)
	return g
}

func fastConfig() Config {
	return Config{
		RunID:                  "run-1",
		Mode:                   "api",
		PollIntervalFirstStage: 10 * time.Millisecond,
		PollIntervalOther:      10 * time.Millisecond,
		TimeoutPerStage:        50 * time.Millisecond,
		MaxTransient:           2,
	}
}

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewStore(checkpoint.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

// settle makes every polled job finish. Jobs listed in fail end failed, the
// rest complete with a single output named after the job.
func settle(f *jobs.Fake, fail ...string) {
	failed := make(map[string]bool)
	for _, id := range fail {
		failed[id] = true
	}
	var mu sync.Mutex
	f.OnStatus = func(_ context.Context, jobID string) {
		mu.Lock()
		defer mu.Unlock()
		if failed[jobID] {
			f.SetState(jobID, state.JobFailed)
			return
		}
		f.Complete(jobID, map[string]string{"out": "dataset-" + jobID})
	}
}

func TestProcess_RunsChainToCompletion(t *testing.T) {
	f := jobs.NewFake()
	settle(f)
	e := New(chain(t), f, newStore(t), fastConfig())

	rep, err := e.Process(context.Background(), "bTaeGut2", map[string]string{state.AttrSpecies: "Taeniopygia guttata"})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.OutcomeCompleted, rep.Outcome)
	assert.Empty(t, rep.Errors)
	// Each stage takes a launch tick and a poll tick.
	assert.Equal(t, 6, rep.Ticks)
	for _, id := range []stage.ID{s1, s2, s3} {
		assert.Equal(t, stage.StatusCompleted, rep.Stages[id], id)
	}

	subs := f.Submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, "bTaeGut2", subs[0].HistoryName)

	var inputs map[string]map[string]string
	require.NoError(t, json.Unmarshal(subs[1].Inputs, &inputs))
	assert.Equal(t, map[string]map[string]string{"S1": {"out": "dataset-h1"}}, inputs)
}

func TestTick_SubmitsAtMostOnce(t *testing.T) {
	f := jobs.NewFake()
	e := New(chain(t), f, newStore(t), fastConfig())
	st := state.NewEntityState("bTaeGut2", nil)

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s1}, res.Launched)
	assert.Empty(t, res.Finished)

	for i := 0; i < 3; i++ {
		res, err = e.Tick(context.Background(), st)
		require.NoError(t, err)
		assert.False(t, res.Progressed())
	}
	assert.Len(t, f.Submissions(), 1)
	assert.Equal(t, stage.StatusLaunched, st.StageStatus(s1))
}

func TestTick_ResumeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	f := jobs.NewFake()
	g := chain(t)

	store, err := checkpoint.NewStore(checkpoint.Config{Dir: dir})
	require.NoError(t, err)
	rep, err := New(g, f, store, fastConfig()).Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.OutcomeInProgress, rep.Outcome)
	require.Len(t, f.Submissions(), 1)

	// A new process picks up the checkpoint and only polls.
	f.Complete("h1", map[string]string{"out": "kmers"})
	store, err = checkpoint.NewStore(checkpoint.Config{Dir: dir})
	require.NoError(t, err)
	rep, err = New(g, f, store, fastConfig()).Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)

	subs := f.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, s2, subs[1].Stage)
	assert.Equal(t, stage.StatusCompleted, rep.Stages[s1])
	assert.Equal(t, stage.StatusLaunched, rep.Stages[s2])
}

func TestTick_LaunchedStrength(t *testing.T) {
	g, err := stage.NewGraph(
		stage.Stage{ID: "A"},
		stage.Stage{ID: "B", Requires: []stage.Prerequisite{stage.LaunchedAfter("A")}},
		stage.Stage{ID: "C", Requires: []stage.Prerequisite{stage.After("A")}},
	)
	require.NoError(t, err)

	f := jobs.NewFake()
	e := New(g, f, newStore(t), fastConfig())
	st := state.NewEntityState("bTaeGut2", nil)

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{"A", "B"}, res.Launched)
	assert.Equal(t, stage.StatusNotLaunched, st.StageStatus("C"))
}

func TestProcess_FailureBlocksDownstream(t *testing.T) {
	f := jobs.NewFake()
	settle(f, "h2")
	store := newStore(t)
	g := chain(t)
	e := New(g, f, store, fastConfig())

	rep, err := e.Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.OutcomeFailed, rep.Outcome)
	assert.Equal(t, stage.StatusCompleted, rep.Stages[s1])
	assert.Equal(t, stage.StatusFailed, rep.Stages[s2])
	assert.Equal(t, stage.StatusNotLaunched, rep.Stages[s3])
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "job h2 failed")
	assert.Len(t, f.Submissions(), 2)

	t.Run("retry reset resubmits with upstream outputs", func(t *testing.T) {
		st, err := store.Load(context.Background(), "bTaeGut2")
		require.NoError(t, err)
		jobID, ok := st.Reset(s2, time.Now().UTC())
		require.True(t, ok)
		assert.Equal(t, "h2", jobID)
		require.NoError(t, store.Checkpoint(context.Background(), st))

		rep, err := e.Process(context.Background(), "bTaeGut2", nil)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.OutcomeCompleted, rep.Outcome)
		assert.Equal(t, []string{"h2"}, rep.State.FailedJobs[s2])

		subs := f.Submissions()
		require.Len(t, subs, 4)
		assert.Equal(t, s2, subs[2].Stage)
		assert.Contains(t, string(subs[2].Inputs), "dataset-h1")
	})
}

func TestTick_JobFailedError(t *testing.T) {
	f := jobs.NewFake()
	settle(f, "h1")
	e := New(chain(t), f, newStore(t), fastConfig())
	st := state.NewEntityState("bTaeGut2", nil)

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	// Launched this tick, so not polled until the next one.
	assert.Empty(t, res.Finished)

	res, err = e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s1}, res.Finished)

	var jobErr *vgperrors.JobFailedError
	require.ErrorAs(t, res.Errors[s1], &jobErr)
	assert.Equal(t, "failed", jobErr.State)
	assert.Equal(t, stage.StatusFailed, st.StageStatus(s1))
}

func TestTick_AdoptsFromLedger(t *testing.T) {
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	_, err = l.Record(ctx, ledger.Entry{RunID: "crashed", Entity: "bTaeGut2", Stage: string(s1), JobID: "orphan", Mode: "api"})
	require.NoError(t, err)

	f := jobs.NewFake()
	f.Add("orphan", state.JobRunning, nil)
	e := New(chain(t), f, newStore(t), fastConfig(), WithLedger(l))
	st := state.NewEntityState("bTaeGut2", nil)

	res, err := e.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s1}, res.Launched)
	assert.Empty(t, f.Submissions())
	assert.Equal(t, "orphan", st.Record(s1).Job.ID)
}

func TestTick_RecordsSubmissionsInLedger(t *testing.T) {
	l, err := ledger.Open(ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	cfg := fastConfig()
	cfg.Suffix = "_v2"
	f := jobs.NewFake()
	e := New(chain(t), f, newStore(t), cfg, WithLedger(l))

	_, err = e.Tick(context.Background(), state.NewEntityState("bTaeGut2", nil))
	require.NoError(t, err)

	entry, err := l.Lookup(context.Background(), "_v2", "bTaeGut2", string(s1), 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "h1", entry.JobID)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "api", entry.Mode)
}

func TestTick_AdoptsExistingJob(t *testing.T) {
	f := jobs.NewFake()
	f.Add("inv9", state.JobCompleted, map[string]string{"out": "kmers"})
	f.Existing["bTaeGut2/S1"] = "inv9"

	cfg := fastConfig()
	cfg.FindExisting = true
	e := New(chain(t), f, newStore(t), cfg)
	st := state.NewEntityState("bTaeGut2", nil)

	_, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, f.Submissions())
	assert.Equal(t, "inv9", st.Record(s1).Job.ID)

	// Adopted handles are polled on the next tick.
	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s1}, res.Finished)
	assert.Equal(t, map[string]string{"out": "kmers"}, st.StageOutputs(s1))
}

func TestTick_RetryDoesNotAdoptClearedJob(t *testing.T) {
	f := jobs.NewFake()
	settle(f, "h2")
	store := newStore(t)
	cfg := fastConfig()
	cfg.FindExisting = true
	e := New(chain(t), f, store, cfg)

	rep, err := e.Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)
	require.Equal(t, stage.StatusFailed, rep.Stages[s2])

	st := rep.State
	_, ok := st.Reset(s2, time.Now().UTC())
	require.True(t, ok)
	// The history still holds the failed invocation.
	f.Existing["bTaeGut2/S2"] = "h2"

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s2}, res.Launched)

	subs := f.Submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, s2, subs[2].Stage)
	assert.NotEqual(t, "h2", st.Record(s2).Job.ID)
	assert.Equal(t, []string{"h2"}, st.FailedJobs[s2])
}

func TestTick_DiscoversHistory(t *testing.T) {
	f := jobs.NewFake()
	f.Histories["h1"] = "hist-42"
	store := newStore(t)
	e := New(chain(t), f, store, fastConfig())
	st := state.NewEntityState("bTaeGut2", nil)

	_, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "hist-42", st.Attr(state.AttrHistoryID))

	loaded, err := store.Load(context.Background(), "bTaeGut2")
	require.NoError(t, err)
	assert.Equal(t, "hist-42", loaded.Attr(state.AttrHistoryID))
}

type failingStore struct {
	calls int
}

func (s *failingStore) Checkpoint(context.Context, *state.EntityState) error {
	s.calls++
	return &vgperrors.PersistenceError{Operation: "checkpoint", Cause: errors.New("disk full")}
}

func (s *failingStore) Load(context.Context, string) (*state.EntityState, error) {
	return nil, nil
}

func TestTick_PersistenceErrorStopsTick(t *testing.T) {
	g, err := stage.NewGraph(stage.Stage{ID: "A"}, stage.Stage{ID: "B"})
	require.NoError(t, err)

	f := jobs.NewFake()
	store := &failingStore{}
	e := New(g, f, store, fastConfig())

	_, err = e.Tick(context.Background(), state.NewEntityState("bTaeGut2", nil))
	var pErr *vgperrors.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Len(t, f.Submissions(), 1)
	assert.Equal(t, 1, store.calls)

	rep, err := e.Process(context.Background(), "mHomSap1", nil)
	require.Error(t, err)
	assert.Equal(t, checkpoint.OutcomeError, rep.Outcome)
}

func TestTick_SubmissionRejected(t *testing.T) {
	f := jobs.NewFake()
	f.FailSubmit("bTaeGut2", string(s1), &vgperrors.SubmissionError{StatusCode: 400, Message: "bad inputs"})
	e := New(chain(t), f, newStore(t), fastConfig())

	rep, err := e.Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.OutcomeInProgress, rep.Outcome)
	assert.Equal(t, stage.StatusNotLaunched, rep.Stages[s1])
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "bad inputs")
	assert.Empty(t, f.Submissions())
}

func TestTick_SyncOnly(t *testing.T) {
	f := jobs.NewFake()
	f.Add("inv1", state.JobCompleted, map[string]string{"out": "kmers"})

	cfg := fastConfig()
	cfg.SyncOnly = true
	e := New(chain(t), f, newStore(t), cfg)
	st := state.NewEntityState("bTaeGut2", nil)
	require.NoError(t, st.Launch(s1, state.JobHandle{ID: "inv1"}))

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []stage.ID{s1}, res.Finished)
	assert.Empty(t, res.Launched)
	assert.Empty(t, f.Submissions())
	assert.Equal(t, 1, f.StatusCalls("inv1"))
}

func TestTick_StopRequested(t *testing.T) {
	g, err := stage.NewGraph(stage.Stage{ID: "A"}, stage.Stage{ID: "B"})
	require.NoError(t, err)

	t.Run("before the tick", func(t *testing.T) {
		f := jobs.NewFake()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := New(g, f, newStore(t), fastConfig()).Tick(ctx, state.NewEntityState("bTaeGut2", nil))
		require.NoError(t, err)
		assert.Empty(t, res.Launched)
		assert.Empty(t, f.Submissions())
	})

	t.Run("during a submission", func(t *testing.T) {
		f := jobs.NewFake()
		ctx, cancel := context.WithCancel(context.Background())
		f.OnSubmit = func(context.Context, jobs.Submission) { cancel() }
		store := newStore(t)

		res, err := New(g, f, store, fastConfig()).Tick(ctx, state.NewEntityState("bTaeGut2", nil))
		require.NoError(t, err)
		assert.Equal(t, []stage.ID{"A"}, res.Launched)
		assert.Len(t, f.Submissions(), 1)

		loaded, err := store.Load(context.Background(), "bTaeGut2")
		require.NoError(t, err)
		assert.Equal(t, stage.StatusLaunched, loaded.StageStatus("A"))
	})
}

func TestTick_StatusQueriesExhausted(t *testing.T) {
	f := jobs.NewFake()
	f.Add("inv1", state.JobRunning, nil)
	boom := errors.New("connection reset")
	f.FailStatus("inv1", boom, boom, boom)

	e := New(chain(t), f, newStore(t), fastConfig())
	st := state.NewEntityState("bTaeGut2", nil)
	require.NoError(t, st.Launch(s1, state.JobHandle{ID: "inv1"}))

	res, err := e.Tick(context.Background(), st)
	require.NoError(t, err)
	require.ErrorIs(t, res.Errors[s1], boom)
	assert.Equal(t, stage.StatusLaunched, st.StageStatus(s1))
}

type staticInputs struct{ path string }

func (s staticInputs) Generate(_ context.Context, st *state.EntityState, sg stage.Stage, _ map[string]map[string]string) (jobs.Payload, error) {
	return jobs.Payload{Data: []byte(st.Key + ":" + string(sg.ID)), Path: s.path}, nil
}

func TestTick_UsesInputGeneratorAndWorkflowRefs(t *testing.T) {
	f := jobs.NewFake()
	cfg := fastConfig()
	cfg.Workflows = map[stage.ID]string{s1: "0123456789abcdef"}
	e := New(chain(t), f, newStore(t), cfg, WithInputs(staticInputs{path: "/tmp/job.yml"}))

	_, err := e.Tick(context.Background(), state.NewEntityState("bTaeGut2", nil))
	require.NoError(t, err)

	subs := f.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "0123456789abcdef", subs[0].Workflow)
	assert.Equal(t, "bTaeGut2:S1", string(subs[0].Inputs))
	assert.Equal(t, "/tmp/job.yml", subs[0].InputPath)
}

func TestInspect(t *testing.T) {
	f := jobs.NewFake()
	settle(f)
	store := newStore(t)
	e := New(chain(t), f, store, fastConfig())

	rep, err := e.Inspect(context.Background(), "bTaeGut2")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.OutcomeInProgress, rep.Outcome)
	assert.Equal(t, stage.StatusNotLaunched, rep.Stages[s1])

	_, err = e.Process(context.Background(), "bTaeGut2", nil)
	require.NoError(t, err)

	rep, err = e.Inspect(context.Background(), "bTaeGut2")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.OutcomeCompleted, rep.Outcome)
	for _, id := range []stage.ID{s1, s2, s3} {
		assert.Equal(t, stage.StatusCompleted, rep.Stages[id], id)
	}
	assert.Len(t, f.Submissions(), 3, "inspect never submits")
}

func TestTick_StampsHandlesWithClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l, err := ledger.Open(ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	f := jobs.NewFake()
	e := New(chain(t), f, newStore(t), fastConfig(), WithLedger(l), WithClock(func() time.Time { return at }))
	st := state.NewEntityState("bTaeGut2", nil)

	_, err = e.Tick(context.Background(), st)
	require.NoError(t, err)

	h := st.Record(s1).Job
	assert.True(t, at.Equal(h.UpdatedAt))
	assert.True(t, at.Equal(st.UpdatedAt))

	entry, err := l.Lookup(context.Background(), "", "bTaeGut2", string(s1), 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, at.Equal(entry.SubmittedAt))
}
