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

// Package state holds the durable per-entity record of launched stages, their
// job handles and harvested outputs.
package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tombee/vgpflow/internal/stage"
)

// JobState is the remote state of one job as last observed.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Well-known entity attribute keys.
const (
	AttrSpecies     = "species"
	AttrAssembly    = "assembly"
	AttrCustomPath  = "custom_path"
	AttrHistoryName = "history_name"
	AttrHistoryID   = "history_id"
	AttrHifiReads   = "hifi_reads"
	AttrHiCForward  = "hic_forward_reads"
	AttrHiCReverse  = "hic_reverse_reads"
	AttrHiCType     = "hic_type"
	AttrTaxonID     = "taxon_id"
)

var (
	// ErrAlreadyLaunched is returned when a stage that already has a job
	// handle is launched again.
	ErrAlreadyLaunched = errors.New("stage already launched")

	// ErrNotLaunched is returned when a job update targets a stage without
	// a job handle.
	ErrNotLaunched = errors.New("stage not launched")

	// ErrCompletedImmutable is returned when a completed stage would be
	// modified.
	ErrCompletedImmutable = errors.New("completed stage is immutable")
)

// JobHandle is the opaque remote job reference plus its cached state.
type JobHandle struct {
	ID          string    `json:"id"`
	State       JobState  `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StageRecord is one stage's entry in an EntityState.
type StageRecord struct {
	Job     *JobHandle        `json:"job,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Status derives the stage lifecycle state from the job handle.
func (r *StageRecord) Status() stage.Status {
	if r == nil || r.Job == nil {
		return stage.StatusNotLaunched
	}
	switch r.Job.State {
	case JobCompleted:
		return stage.StatusCompleted
	case JobFailed:
		return stage.StatusFailed
	case JobCancelled:
		return stage.StatusCancelled
	default:
		return stage.StatusLaunched
	}
}

// EntityState is the durable record for one entity. Only the executor
// processing the entity mutates it.
type EntityState struct {
	Key        string                    `json:"key"`
	Attributes map[string]string         `json:"attributes,omitempty"`
	Stages     map[stage.ID]*StageRecord `json:"stages"`
	FailedJobs map[stage.ID][]string     `json:"failed_jobs,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// NewEntityState returns an empty state for key.
func NewEntityState(key string, attrs map[string]string) *EntityState {
	a := make(map[string]string, len(attrs))
	for k, v := range attrs {
		a[k] = v
	}
	return &EntityState{
		Key:        key,
		Attributes: a,
		Stages:     make(map[stage.ID]*StageRecord),
		FailedJobs: make(map[stage.ID][]string),
	}
}

// Record returns the record for id, or nil when the stage was never touched.
func (e *EntityState) Record(id stage.ID) *StageRecord {
	return e.Stages[id]
}

// StageStatus implements stage.View.
func (e *EntityState) StageStatus(id stage.ID) stage.Status {
	return e.Stages[id].Status()
}

// StageOutputs implements stage.View.
func (e *EntityState) StageOutputs(id stage.ID) map[string]string {
	if r := e.Stages[id]; r != nil {
		return r.Outputs
	}
	return nil
}

// Attr returns an attribute value.
func (e *EntityState) Attr(key string) string {
	return e.Attributes[key]
}

// SetAttr sets an attribute value.
func (e *EntityState) SetAttr(key, value string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
}

// Launch stores the handle of a freshly submitted job.
func (e *EntityState) Launch(id stage.ID, h JobHandle) error {
	if r := e.Stages[id]; r != nil && r.Job != nil {
		return fmt.Errorf("%s (job %s): %w", id, r.Job.ID, ErrAlreadyLaunched)
	}
	if e.Stages == nil {
		e.Stages = make(map[stage.ID]*StageRecord)
	}
	job := h
	if job.State == "" {
		job.State = JobPending
	}
	e.Stages[id] = &StageRecord{Job: &job}
	e.UpdatedAt = job.UpdatedAt
	return nil
}

// Observe records a non-completed job state from a poll. Completion goes
// through Complete so outputs are stored with it.
func (e *EntityState) Observe(id stage.ID, s JobState, at time.Time) error {
	r := e.Stages[id]
	if r == nil || r.Job == nil {
		return fmt.Errorf("%s: %w", id, ErrNotLaunched)
	}
	if r.Job.State == JobCompleted {
		return fmt.Errorf("%s: %w", id, ErrCompletedImmutable)
	}
	if s == JobCompleted {
		return fmt.Errorf("%s: completion requires outputs", id)
	}
	r.Job.State = s
	r.Job.UpdatedAt = at
	e.UpdatedAt = at
	return nil
}

// Complete marks the stage completed with its outputs.
func (e *EntityState) Complete(id stage.ID, outputs map[string]string, at time.Time) error {
	r := e.Stages[id]
	if r == nil || r.Job == nil {
		return fmt.Errorf("%s: %w", id, ErrNotLaunched)
	}
	if r.Job.State == JobCompleted {
		return fmt.Errorf("%s: %w", id, ErrCompletedImmutable)
	}
	return e.setOutputs(r, outputs, at, true)
}

// SetOutputs refreshes outputs of a launched, not yet completed stage.
func (e *EntityState) SetOutputs(id stage.ID, outputs map[string]string, at time.Time) error {
	r := e.Stages[id]
	if r == nil || r.Job == nil {
		return fmt.Errorf("%s: %w", id, ErrNotLaunched)
	}
	if r.Job.State == JobCompleted {
		return fmt.Errorf("%s: %w", id, ErrCompletedImmutable)
	}
	return e.setOutputs(r, outputs, at, false)
}

func (e *EntityState) setOutputs(r *StageRecord, outputs map[string]string, at time.Time, complete bool) error {
	r.Outputs = make(map[string]string, len(outputs))
	for k, v := range outputs {
		r.Outputs[k] = v
	}
	if complete {
		r.Job.State = JobCompleted
	}
	r.Job.UpdatedAt = at
	e.UpdatedAt = at
	return nil
}

// Reset clears a failed or cancelled stage back to not launched, moving its
// job ID into FailedJobs. It reports whether anything was cleared.
func (e *EntityState) Reset(id stage.ID, at time.Time) (string, bool) {
	r := e.Stages[id]
	if !r.Status().Negative() {
		return "", false
	}
	if e.FailedJobs == nil {
		e.FailedJobs = make(map[stage.ID][]string)
	}
	e.FailedJobs[id] = append(e.FailedJobs[id], r.Job.ID)
	delete(e.Stages, id)
	e.UpdatedAt = at
	return r.Job.ID, true
}

// Attempt returns the retry generation of a stage: the number of handles
// previously cleared by Reset.
func (e *EntityState) Attempt(id stage.ID) int {
	return len(e.FailedJobs[id])
}

// Launched returns the IDs of stages with a job handle, sorted.
func (e *EntityState) Launched() []stage.ID {
	ids := make([]stage.ID, 0, len(e.Stages))
	for id, r := range e.Stages {
		if r != nil && r.Job != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Summary maps every stage in order to its status.
func (e *EntityState) Summary(order []stage.ID) map[stage.ID]stage.Status {
	out := make(map[stage.ID]stage.Status, len(order))
	for _, id := range order {
		out[id] = e.StageStatus(id)
	}
	return out
}

// Clone returns a deep copy.
func (e *EntityState) Clone() *EntityState {
	if e == nil {
		return nil
	}
	c := NewEntityState(e.Key, e.Attributes)
	c.UpdatedAt = e.UpdatedAt
	for id, r := range e.Stages {
		if r == nil {
			continue
		}
		nr := &StageRecord{}
		if r.Job != nil {
			j := *r.Job
			nr.Job = &j
		}
		if r.Outputs != nil {
			nr.Outputs = make(map[string]string, len(r.Outputs))
			for k, v := range r.Outputs {
				nr.Outputs[k] = v
			}
		}
		c.Stages[id] = nr
	}
	for id, jobs := range e.FailedJobs {
		c.FailedJobs[id] = append([]string(nil), jobs...)
	}
	return c
}
