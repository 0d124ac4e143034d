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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/executor"
)

// Results collects per-entity reports from concurrent workers.
type Results struct {
	mu        sync.Mutex
	runID     string
	suffix    string
	startedAt time.Time
	reports   map[string]executor.Report
}

// NewResults creates an empty collector.
func NewResults(runID, suffix string) *Results {
	return &Results{
		runID:     runID,
		suffix:    suffix,
		startedAt: time.Now().UTC(),
		reports:   make(map[string]executor.Report),
	}
}

// Record stores the report of one entity. A processing error is appended
// to the report's errors.
func (r *Results) Record(rep executor.Report, err error) {
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		if rep.Outcome == "" {
			rep.Outcome = checkpoint.OutcomeError
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[rep.Key] = rep
}

// Skip records an entity that was never processed, with the report of its
// saved state. reason is kept unless the entity had already settled.
func (r *Results) Skip(rep executor.Report, err error, reason string) {
	if rep.Outcome == "" {
		rep.Outcome = checkpoint.OutcomeInProgress
	}
	if rep.Outcome == checkpoint.OutcomeInProgress || rep.Outcome == checkpoint.OutcomeError {
		rep.Errors = append(rep.Errors, reason)
	}
	r.Record(rep, err)
}

// Report returns the report recorded for key.
func (r *Results) Report(key string) (executor.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[key]
	return rep, ok
}

// Keys returns recorded entity keys, sorted.
func (r *Results) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.reports))
	for k := range r.reports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of recorded entities.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// Summary converts the collected reports to the persisted summary.
func (r *Results) Summary() *checkpoint.Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &checkpoint.Results{
		RunID:      r.runID,
		Suffix:     r.suffix,
		StartedAt:  r.startedAt,
		FinishedAt: time.Now().UTC(),
		Entities:   make(map[string]checkpoint.EntityResult, len(r.reports)),
	}
	for key, rep := range r.reports {
		out.Entities[key] = checkpoint.EntityResult{
			Outcome: rep.Outcome,
			Stages:  rep.Stages,
			Errors:  append([]string(nil), rep.Errors...),
		}
	}
	return out
}

// ActiveGauge tracks how many entities are being processed and the highest
// value observed.
type ActiveGauge struct {
	mu  sync.Mutex
	cur int
	max int
}

// Inc marks an entity as started.
func (g *ActiveGauge) Inc() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
}

// Dec marks an entity as finished.
func (g *ActiveGauge) Dec() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur--
}

// Current returns the number of entities in progress.
func (g *ActiveGauge) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

// Max returns the highest concurrent count seen.
func (g *ActiveGauge) Max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func (g *ActiveGauge) String() string {
	return fmt.Sprintf("%d active (max %d)", g.Current(), g.Max())
}
