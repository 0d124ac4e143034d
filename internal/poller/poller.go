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

// Package poller waits for remote jobs to reach a terminal state.
//
// Every job polls on its own timer and the whole wait is bounded by a
// timeout and the caller's context. Waiting blocks on a select, so many
// entities can wait at once without holding a CPU.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/state"
)

// DefaultMaxTransient is the number of consecutive failed status queries
// tolerated per job before it is reported as a poll failure.
const DefaultMaxTransient = 3

// MinInterval is the smallest interval a target may poll at.
const MinInterval = 10 * time.Millisecond

// ErrPollFailed is wrapped by Result.Err when status queries kept failing.
var ErrPollFailed = errors.New("poll failed")

// StatusReader is the part of a job client the poller needs.
type StatusReader interface {
	Status(ctx context.Context, jobID string) (state.JobState, error)
}

// Target is one job to wait for.
type Target struct {
	JobID    string
	Interval time.Duration
}

// Result is the final observation for one target.
type Result struct {
	JobID string

	// State is the last successfully observed state, empty if none.
	State state.JobState

	// Polls counts status queries issued.
	Polls int

	// Err is set when status queries kept failing (wraps ErrPollFailed) or
	// the caller's context ended.
	Err error

	// TimedOut is set when the wait timeout elapsed first.
	TimedOut bool
}

// Terminal reports whether the job reached a terminal state.
func (r Result) Terminal() bool { return r.State.Terminal() }

// Config controls the poller.
type Config struct {
	// MaxTransient is how many consecutive query failures are retried.
	MaxTransient int

	// Jitter spreads polls by ±10% of the interval.
	Jitter bool

	Logger *slog.Logger
}

// Poller waits on job status changes.
type Poller struct {
	client StatusReader
	cfg    Config
	logger *slog.Logger
}

// New creates a Poller.
func New(client StatusReader, cfg Config) *Poller {
	if cfg.MaxTransient < 0 {
		cfg.MaxTransient = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	return &Poller{
		client: client,
		cfg:    cfg,
		logger: vgplog.WithComponent(logger, "poller"),
	}
}

// Wait polls every target concurrently until each is terminal, its queries
// are exhausted, timeout elapses, or ctx is done. A zero timeout means no
// limit beyond ctx.
func (p *Poller) Wait(ctx context.Context, targets []Target, timeout time.Duration) map[string]Result {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(map[string]Result, len(targets))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			res := p.watch(ctx, waitCtx, t)
			mu.Lock()
			results[t.JobID] = res
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return results
}

// watch polls a single job. The first query runs immediately.
func (p *Poller) watch(parent, ctx context.Context, t Target) Result {
	res := Result{JobID: t.JobID}
	interval := t.Interval
	if interval < MinInterval {
		interval = MinInterval
	}

	logger := p.logger.With(slog.String(vgplog.JobIDKey, t.JobID))
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				res.Err = parent.Err()
			} else {
				res.TimedOut = true
				metrics.RecordPoll("timeout")
			}
			return res
		case <-timer.C:
		}

		st, err := p.client.Status(ctx, t.JobID)
		res.Polls++
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			metrics.RecordPoll("transient_error")
			if failures > p.cfg.MaxTransient {
				res.Err = fmt.Errorf("%w: job %s after %d attempts: %w", ErrPollFailed, t.JobID, failures, err)
				metrics.RecordPoll("exhausted")
				logger.Warn("giving up on job status", vgplog.Error(err), slog.Int("attempts", failures))
				return res
			}
			logger.Debug("status query failed, retrying", vgplog.Error(err), slog.Int("attempt", failures))
			timer.Reset(p.next(interval))
			continue
		}

		failures = 0
		res.State = st
		metrics.RecordPoll(string(st))
		if st.Terminal() {
			logger.Debug("job reached terminal state", slog.String("state", string(st)))
			return res
		}
		timer.Reset(p.next(interval))
	}
}

func (p *Poller) next(d time.Duration) time.Duration {
	if !p.cfg.Jitter {
		return d
	}
	return addJitter(d)
}

// addJitter adds ±10% jitter to a duration to avoid thundering herd.
func addJitter(d time.Duration) time.Duration {
	jitterRange := float64(d) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}

// Once queries every target a single time without waiting. Failures are
// reported per target wrapped in ErrPollFailed.
func (p *Poller) Once(ctx context.Context, targets []Target) map[string]Result {
	results := make(map[string]Result, len(targets))
	for _, t := range targets {
		res := Result{JobID: t.JobID, Polls: 1}
		st, err := p.client.Status(ctx, t.JobID)
		if err != nil {
			if ctx.Err() != nil {
				res.Err = ctx.Err()
			} else {
				res.Err = fmt.Errorf("%w: job %s: %w", ErrPollFailed, t.JobID, err)
				metrics.RecordPoll("transient_error")
			}
		} else {
			res.State = st
			metrics.RecordPoll(string(st))
		}
		results[t.JobID] = res
	}
	return results
}
