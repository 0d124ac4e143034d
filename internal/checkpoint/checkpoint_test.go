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

package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

func newStore(t *testing.T, suffix string) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir(), Suffix: suffix})
	require.NoError(t, err)
	return s
}

func launched(t *testing.T, key, jobID string) *state.EntityState {
	t.Helper()
	st := state.NewEntityState(key, map[string]string{state.AttrSpecies: "Species " + key})
	require.NoError(t, st.Launch(stage.KmerProfiling, state.JobHandle{ID: jobID, SubmittedAt: time.Now().UTC()}))
	return st
}

func TestStore_Paths(t *testing.T) {
	s := newStore(t, "_v2")
	assert.Equal(t, filepath.Join(s.Dir(), "metadata_run_v2.json"), s.AggregatePath())
	assert.Equal(t, filepath.Join(s.Dir(), "metadata_bTaeGut2_run_v2.json"), s.IncrementalPath("bTaeGut2"))
	assert.Equal(t, filepath.Join(s.Dir(), "results_run_v2.json"), s.ResultsPath())
}

func TestStore_CheckpointAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "")

	st := launched(t, "bTaeGut2", "inv1")
	require.NoError(t, s.Checkpoint(ctx, st))

	_, err := os.Stat(s.IncrementalPath("bTaeGut2"))
	require.NoError(t, err)

	// A fresh store over the same directory sees the checkpoint, as after a
	// process restart.
	s2, err := NewStore(Config{Dir: s.Dir()})
	require.NoError(t, err)
	got, err := s2.Load(ctx, "bTaeGut2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stage.StatusLaunched, got.StageStatus(stage.KmerProfiling))
	assert.Equal(t, "inv1", got.Record(stage.KmerProfiling).Job.ID)

	missing, err := s2.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CheckpointLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Checkpoint(ctx, launched(t, "a", "inv")))
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "metadata_a_run.json", entries[0].Name())
}

func TestStore_MergeIsTwoPhase(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "")

	st := launched(t, "a", "inv1")
	require.NoError(t, st.Observe(stage.KmerProfiling, state.JobFailed, time.Now().UTC()))
	require.NoError(t, s.Checkpoint(ctx, st))
	require.NoError(t, s.Merge(ctx, "a"))

	_, err := os.Stat(s.IncrementalPath("a"))
	assert.True(t, os.IsNotExist(err), "incremental file removed after merge")

	s2, err := NewStore(Config{Dir: s.Dir()})
	require.NoError(t, err)
	got, err := s2.Load(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stage.StatusFailed, got.StageStatus(stage.KmerProfiling))

	// Merging again without an incremental file is a no-op.
	require.NoError(t, s.Merge(ctx, "a"))
}

func TestStore_LoadRunOverlaysIncremental(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "_r")

	require.NoError(t, s.Checkpoint(ctx, launched(t, "merged", "inv1")))
	require.NoError(t, s.Merge(ctx, "merged"))

	// An interrupted run left a newer incremental file for "merged" and one
	// for a second entity.
	newer := launched(t, "merged", "inv1")
	require.NoError(t, newer.Complete(stage.KmerProfiling, map[string]string{"GenomeScope summary": "d1"}, time.Now().UTC()))
	require.NoError(t, s.Checkpoint(ctx, newer))
	require.NoError(t, s.Checkpoint(ctx, launched(t, "inflight", "inv2")))

	s2, err := NewStore(Config{Dir: s.Dir(), Suffix: "_r"})
	require.NoError(t, err)
	run, err := s2.LoadRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"inflight", "merged"}, run.Keys())
	assert.Equal(t, stage.StatusCompleted, run.Entities["merged"].StageStatus(stage.KmerProfiling))

	keys, err := s2.ListIncremental(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"inflight", "merged"}, keys)
}

func TestStore_ListIncrementalIgnoresOtherSuffixes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	plain, err := NewStore(Config{Dir: dir})
	require.NoError(t, err)
	suffixed, err := NewStore(Config{Dir: dir, Suffix: "_v2"})
	require.NoError(t, err)

	require.NoError(t, plain.Checkpoint(ctx, launched(t, "a", "1")))
	require.NoError(t, suffixed.Checkpoint(ctx, launched(t, "b", "2")))
	require.NoError(t, plain.SaveRun(ctx))

	keys, err := plain.ListIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	keys, err = suffixed.ListIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestStore_InvalidKey(t *testing.T) {
	s := newStore(t, "")
	err := s.Checkpoint(context.Background(), state.NewEntityState("../escape", nil))
	var vErr *vgperrors.ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestStore_WriteFailureIsPersistenceError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	s := newStore(t, "")
	require.NoError(t, os.Chmod(s.Dir(), 0500))
	t.Cleanup(func() { _ = os.Chmod(s.Dir(), 0700) })

	err := s.Checkpoint(context.Background(), launched(t, "a", "1"))
	var pErr *vgperrors.PersistenceError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "checkpoint", pErr.Operation)
}

func TestStore_Results(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "")

	r := &Results{
		RunID:  "run-1",
		Suffix: "",
		Entities: map[string]EntityResult{
			"A": {Outcome: OutcomeFailed, Stages: map[stage.ID]stage.Status{"S1": stage.StatusCompleted, "S2": stage.StatusFailed}},
			"B": {Outcome: OutcomeCompleted},
		},
	}
	require.NoError(t, s.WriteResults(ctx, r))

	got, err := ReadResults(s.ResultsPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.Keys())
	assert.Equal(t, 1, got.Count(OutcomeFailed))
	assert.Equal(t, stage.StatusFailed, got.Entities["A"].Stages["S2"])
	assert.Equal(t, "failed, not retried", OutcomeFailed.Label())
}
