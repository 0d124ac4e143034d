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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tombee/vgpflow/internal/stage"
)

// Outcome is an entity's final status for one run.
type Outcome string

const (
	// OutcomeCompleted means every stage completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means a stage failed or was cancelled and was not retried.
	OutcomeFailed Outcome = "failed"
	// OutcomeInProgress means jobs are still running; re-check later.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeError means the entity's processing aborted, e.g. on a
	// checkpoint write failure.
	OutcomeError Outcome = "error"
)

// Label returns the human wording used in summaries.
func (o Outcome) Label() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed, not retried"
	case OutcomeInProgress:
		return "in progress, re-check later"
	default:
		return "error"
	}
}

// EntityResult is one line of the run summary.
type EntityResult struct {
	Outcome Outcome                   `json:"outcome"`
	Stages  map[stage.ID]stage.Status `json:"stages"`
	Errors  []string                  `json:"errors,omitempty"`
}

// Results is the run-end summary file.
type Results struct {
	RunID      string                  `json:"run_id"`
	Suffix     string                  `json:"suffix"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Entities   map[string]EntityResult `json:"entities"`
}

// Keys returns entity keys, sorted.
func (r *Results) Keys() []string {
	keys := make([]string, 0, len(r.Entities))
	for k := range r.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns how many entities ended with outcome o.
func (r *Results) Count(o Outcome) int {
	n := 0
	for _, e := range r.Entities {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// WriteResults atomically writes the run summary.
func (s *Store) WriteResults(ctx context.Context, r *Results) error {
	if err := writeJSON(s.ResultsPath(), r); err != nil {
		return s.fail("write_results", s.ResultsPath(), err)
	}
	return nil
}

// ReadResults reads a summary file written by WriteResults.
func ReadResults(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return &r, nil
}
