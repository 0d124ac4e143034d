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

package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Fake is a scriptable in-memory Client. Job IDs are "h1", "h2", ... in
// submission order. It is safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]*fakeJob
	submissions []Submission
	statusCalls map[string]int
	statusErrs  map[string][]error
	submitErr   map[string]error

	// OnSubmit, when set, runs inside Submit before the job is created.
	OnSubmit func(ctx context.Context, sub Submission)

	// OnStatus, when set, runs inside Status before the job is read.
	OnStatus func(ctx context.Context, jobID string)

	// Histories maps job ID to history ID for HistoryOf.
	Histories map[string]string

	// Existing maps "entity/stage" to a job Find reports.
	Existing map[string]string
}

type fakeJob struct {
	state   state.JobState
	outputs map[string]string
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		jobs:        make(map[string]*fakeJob),
		statusCalls: make(map[string]int),
		statusErrs:  make(map[string][]error),
		submitErr:   make(map[string]error),
		Histories:   make(map[string]string),
		Existing:    make(map[string]string),
	}
}

func fakeKey(entity, stageID string) string { return entity + "/" + stageID }

// Submit implements Client.
func (f *Fake) Submit(ctx context.Context, sub Submission) (state.JobHandle, error) {
	if f.OnSubmit != nil {
		f.OnSubmit(ctx, sub)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.submitErr[fakeKey(sub.Entity, string(sub.Stage))]; ok {
		delete(f.submitErr, fakeKey(sub.Entity, string(sub.Stage)))
		return state.JobHandle{}, err
	}

	f.seq++
	id := fmt.Sprintf("h%d", f.seq)
	f.jobs[id] = &fakeJob{state: state.JobPending}
	f.submissions = append(f.submissions, sub)

	now := time.Now().UTC()
	return state.JobHandle{ID: id, State: state.JobPending, SubmittedAt: now, UpdatedAt: now}, nil
}

// Status implements Client.
func (f *Fake) Status(ctx context.Context, jobID string) (state.JobState, error) {
	if f.OnStatus != nil {
		f.OnStatus(ctx, jobID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls[jobID]++
	if q := f.statusErrs[jobID]; len(q) > 0 {
		f.statusErrs[jobID] = q[1:]
		return "", q[0]
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return "", &vgperrors.TransientQueryError{JobID: jobID, StatusCode: 404, Cause: fmt.Errorf("unknown job")}
	}
	return j.state, nil
}

// Outputs implements Client.
func (f *Fake) Outputs(ctx context.Context, jobID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[jobID]
	if !ok || j.state != state.JobCompleted {
		st := "unknown"
		if ok {
			st = string(j.state)
		}
		return nil, &vgperrors.NotReadyError{JobID: jobID, State: st}
	}
	out := make(map[string]string, len(j.outputs))
	for k, v := range j.outputs {
		out[k] = v
	}
	return out, nil
}

// Cancel implements Client.
func (f *Fake) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if j, ok := f.jobs[jobID]; ok && !j.state.Terminal() {
		j.state = state.JobCancelled
	}
	return nil
}

// Find implements Finder using the Existing map.
func (f *Fake) Find(ctx context.Context, sub Submission, tag string) (state.JobHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.Existing[fakeKey(sub.Entity, string(sub.Stage))]
	if !ok {
		return state.JobHandle{}, false, nil
	}
	st := state.JobRunning
	if j, ok := f.jobs[id]; ok {
		st = j.state
	}
	return state.JobHandle{ID: id, State: st}, true, nil
}

// HistoryOf implements HistoryLocator.
func (f *Fake) HistoryOf(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Histories[jobID], nil
}

// Add registers a job that exists remotely without a Submit call.
func (f *Fake) Add(jobID string, s state.JobState, outputs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = &fakeJob{state: s, outputs: outputs}
}

// SetState changes a job's remote state.
func (f *Fake) SetState(jobID string, s state.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.state = s
	}
}

// Complete marks a job completed with outputs.
func (f *Fake) Complete(jobID string, outputs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.state = state.JobCompleted
		j.outputs = outputs
	}
}

// FailStatus queues errors returned by the next Status calls for jobID.
func (f *Fake) FailStatus(jobID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErrs[jobID] = append(f.statusErrs[jobID], errs...)
}

// FailSubmit makes the next Submit for entity and stage return err.
func (f *Fake) FailSubmit(entity, stageID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr[fakeKey(entity, stageID)] = err
}

// Submissions returns every accepted submission in order.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// StatusCalls returns how many times Status was called for jobID.
func (f *Fake) StatusCalls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[jobID]
}
