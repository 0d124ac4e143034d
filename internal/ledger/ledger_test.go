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

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "submissions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RecordAndLookup(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	inserted, err := l.Record(ctx, Entry{
		RunID: "run-1", Entity: "bTaeGut2", Stage: "Workflow_1", JobID: "inv1", Mode: "api", SubmittedAt: at,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := l.Lookup(ctx, "", "bTaeGut2", "Workflow_1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inv1", got.JobID)
	assert.Equal(t, "api", got.Mode)
	assert.True(t, at.Equal(got.SubmittedAt))

	missing, err := l.Lookup(ctx, "", "bTaeGut2", "Workflow_1", 1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedger_DuplicateAttemptKeepsFirst(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	_, err := l.Record(ctx, Entry{RunID: "r", Entity: "A", Stage: "S1", JobID: "first"})
	require.NoError(t, err)
	inserted, err := l.Record(ctx, Entry{RunID: "r", Entity: "A", Stage: "S1", JobID: "second"})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := l.Lookup(ctx, "", "A", "S1", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", got.JobID)

	inserted, err = l.Record(ctx, Entry{RunID: "r", Entity: "A", Stage: "S1", Attempt: 1, JobID: "retry"})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestLedger_List(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, e := range []Entry{
		{Entity: "A", Stage: "S1", JobID: "a1"},
		{Entity: "B", Stage: "S1", JobID: "b1"},
		{Entity: "A", Stage: "S2", JobID: "a2"},
		{Entity: "A", Stage: "S1", JobID: "x", Suffix: "_v2"},
	} {
		e.RunID = "r"
		e.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "x", all[0].JobID)

	forA, err := l.List(ctx, Filter{Entity: "A", Suffix: ""})
	require.NoError(t, err)
	assert.Len(t, forA, 3)

	limited, err := l.List(ctx, Filter{Entity: "A", Stage: "S1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "x", limited[0].JobID)

	suffixed, err := l.List(ctx, Filter{Suffix: "_v2"})
	require.NoError(t, err)
	assert.Len(t, suffixed, 1)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
