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

package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

const tick = 10 * time.Millisecond

func transient(id string) error {
	return &vgperrors.TransientQueryError{JobID: id, Cause: errors.New("connection reset")}
}

func TestWait_AlreadyTerminal(t *testing.T) {
	f := jobs.NewFake()
	f.Add("done", state.JobCompleted, nil)
	f.Add("bad", state.JobFailed, nil)

	p := New(f, Config{MaxTransient: 3})
	res := p.Wait(context.Background(), []Target{{JobID: "done", Interval: time.Hour}, {JobID: "bad", Interval: time.Hour}}, time.Second)

	require.Len(t, res, 2)
	assert.Equal(t, state.JobCompleted, res["done"].State)
	assert.Equal(t, state.JobFailed, res["bad"].State)
	assert.Equal(t, 1, res["done"].Polls)
	assert.False(t, res["done"].TimedOut)
}

func TestWait_PollsUntilTerminal(t *testing.T) {
	f := jobs.NewFake()
	f.Add("j", state.JobRunning, nil)

	var calls atomic.Int32
	f.OnStatus = func(ctx context.Context, jobID string) {
		if calls.Add(1) == 3 {
			f.Complete(jobID, map[string]string{"out": "d1"})
		}
	}

	p := New(f, Config{MaxTransient: 3})
	res := p.Wait(context.Background(), []Target{{JobID: "j", Interval: tick}}, 5*time.Second)

	assert.Equal(t, state.JobCompleted, res["j"].State)
	assert.Equal(t, 3, res["j"].Polls)
}

func TestWait_TransientRetriedThenRecovered(t *testing.T) {
	f := jobs.NewFake()
	f.Add("j", state.JobCompleted, nil)
	f.FailStatus("j", transient("j"), transient("j"))

	p := New(f, Config{MaxTransient: 2})
	res := p.Wait(context.Background(), []Target{{JobID: "j", Interval: tick}}, 5*time.Second)

	assert.NoError(t, res["j"].Err)
	assert.Equal(t, state.JobCompleted, res["j"].State)
	assert.Equal(t, 3, f.StatusCalls("j"))
}

func TestWait_TransientExhaustedIsolatedPerJob(t *testing.T) {
	f := jobs.NewFake()
	f.Add("flaky", state.JobRunning, nil)
	f.Add("fine", state.JobCompleted, nil)
	f.FailStatus("flaky", transient("flaky"), transient("flaky"), transient("flaky"))

	p := New(f, Config{MaxTransient: 2})
	res := p.Wait(context.Background(), []Target{{JobID: "flaky", Interval: tick}, {JobID: "fine", Interval: tick}}, 5*time.Second)

	assert.ErrorIs(t, res["flaky"].Err, ErrPollFailed)
	var tq *vgperrors.TransientQueryError
	assert.True(t, errors.As(res["flaky"].Err, &tq))
	assert.Equal(t, 3, res["flaky"].Polls)
	assert.False(t, res["flaky"].Terminal())

	assert.NoError(t, res["fine"].Err)
	assert.Equal(t, state.JobCompleted, res["fine"].State)
}

func TestWait_Timeout(t *testing.T) {
	f := jobs.NewFake()
	f.Add("slow", state.JobRunning, nil)

	p := New(f, Config{MaxTransient: 3, Jitter: true})
	start := time.Now()
	res := p.Wait(context.Background(), []Target{{JobID: "slow", Interval: tick}}, 60*time.Millisecond)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res["slow"].TimedOut)
	assert.NoError(t, res["slow"].Err)
	assert.Equal(t, state.JobRunning, res["slow"].State)
}

func TestWait_ContextCancelled(t *testing.T) {
	f := jobs.NewFake()
	f.Add("slow", state.JobRunning, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.OnStatus = func(context.Context, string) { cancel() }

	p := New(f, Config{MaxTransient: 3})
	res := p.Wait(ctx, []Target{{JobID: "slow", Interval: time.Hour}}, time.Hour)

	assert.ErrorIs(t, res["slow"].Err, context.Canceled)
	assert.False(t, res["slow"].TimedOut)
}

func TestAddJitter(t *testing.T) {
	base := 100 * time.Second
	for i := 0; i < 100; i++ {
		d := addJitter(base)
		assert.GreaterOrEqual(t, d, 90*time.Second)
		assert.LessOrEqual(t, d, 110*time.Second)
	}
}

func TestOnce(t *testing.T) {
	f := jobs.NewFake()
	f.Add("a", state.JobRunning, nil)
	f.Add("b", state.JobCompleted, nil)
	f.FailStatus("a", transient("a"))

	p := New(f, Config{MaxTransient: 3})
	res := p.Once(context.Background(), []Target{{JobID: "a"}, {JobID: "b"}})

	assert.ErrorIs(t, res["a"].Err, ErrPollFailed)
	assert.Equal(t, state.JobCompleted, res["b"].State)
	assert.Equal(t, 1, f.StatusCalls("a"))
}
