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

package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vgpflow/internal/stage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEntityState_Lifecycle(t *testing.T) {
	st := NewEntityState("bTaeGut2", map[string]string{AttrSpecies: "Taeniopygia guttata"})
	assert.Equal(t, stage.StatusNotLaunched, st.StageStatus("S1"))

	require.NoError(t, st.Launch("S1", JobHandle{ID: "h1", SubmittedAt: t0, UpdatedAt: t0}))
	assert.Equal(t, stage.StatusLaunched, st.StageStatus("S1"))
	assert.Equal(t, JobPending, st.Record("S1").Job.State)

	err := st.Launch("S1", JobHandle{ID: "h1b"})
	assert.ErrorIs(t, err, ErrAlreadyLaunched)

	require.NoError(t, st.Observe("S1", JobRunning, t0.Add(time.Minute)))
	assert.Equal(t, stage.StatusLaunched, st.StageStatus("S1"))

	require.NoError(t, st.Complete("S1", map[string]string{"x": "1"}, t0.Add(time.Hour)))
	assert.Equal(t, stage.StatusCompleted, st.StageStatus("S1"))
	assert.Equal(t, map[string]string{"x": "1"}, st.StageOutputs("S1"))

	assert.ErrorIs(t, st.Complete("S1", map[string]string{"x": "2"}, t0), ErrCompletedImmutable)
	assert.ErrorIs(t, st.SetOutputs("S1", map[string]string{"x": "2"}, t0), ErrCompletedImmutable)
	assert.ErrorIs(t, st.Observe("S1", JobFailed, t0), ErrCompletedImmutable)
	assert.Equal(t, "1", st.StageOutputs("S1")["x"])
}

func TestEntityState_ObserveRequiresLaunch(t *testing.T) {
	st := NewEntityState("a", nil)
	assert.ErrorIs(t, st.Observe("S1", JobRunning, t0), ErrNotLaunched)
	assert.ErrorIs(t, st.Complete("S1", nil, t0), ErrNotLaunched)
}

func TestEntityState_Reset(t *testing.T) {
	st := NewEntityState("a", nil)
	require.NoError(t, st.Launch("S1", JobHandle{ID: "h1"}))
	require.NoError(t, st.Complete("S1", map[string]string{"x": "1"}, t0))
	require.NoError(t, st.Launch("S2", JobHandle{ID: "h2"}))
	require.NoError(t, st.Observe("S2", JobFailed, t0))

	_, cleared := st.Reset("S1", t0)
	assert.False(t, cleared, "completed stages are never reset")

	jobID, cleared := st.Reset("S2", t0)
	require.True(t, cleared)
	assert.Equal(t, "h2", jobID)
	assert.Equal(t, stage.StatusNotLaunched, st.StageStatus("S2"))
	assert.Equal(t, []string{"h2"}, st.FailedJobs["S2"])
	assert.Equal(t, 1, st.Attempt("S2"))
	assert.Equal(t, 0, st.Attempt("S1"))
}

func TestEntityState_CloneIsDeep(t *testing.T) {
	st := NewEntityState("a", map[string]string{AttrHistoryName: "h"})
	require.NoError(t, st.Launch("S1", JobHandle{ID: "h1"}))
	require.NoError(t, st.Complete("S1", map[string]string{"x": "1"}, t0))
	st.FailedJobs["S2"] = []string{"old"}

	c := st.Clone()
	c.Stages["S1"].Outputs["x"] = "changed"
	c.Stages["S1"].Job.ID = "other"
	c.FailedJobs["S2"][0] = "changed"
	c.SetAttr(AttrHistoryName, "changed")

	assert.Equal(t, "1", st.StageOutputs("S1")["x"])
	assert.Equal(t, "h1", st.Record("S1").Job.ID)
	assert.Equal(t, "old", st.FailedJobs["S2"][0])
	assert.Equal(t, "h", st.Attr(AttrHistoryName))
}

func TestEntityState_JSONRoundTrip(t *testing.T) {
	st := NewEntityState("a", nil)
	require.NoError(t, st.Launch(stage.Assembly, JobHandle{ID: "inv1", SubmittedAt: t0, UpdatedAt: t0}))

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var got EntityState
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, stage.StatusLaunched, got.StageStatus(stage.Assembly))
	assert.Equal(t, "inv1", got.Record(stage.Assembly).Job.ID)
}

func TestRunMetadata(t *testing.T) {
	m := NewRunMetadata("_v2")
	st := NewEntityState("b", nil)
	st.UpdatedAt = t0
	m.Put(st)
	m.Put(NewEntityState("a", nil))

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, t0, m.UpdatedAt)

	got := m.Get("b")
	got.SetAttr("k", "v")
	assert.Empty(t, m.Entities["b"].Attr("k"))
	assert.Nil(t, m.Get("missing"))
}
