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

// Package jobs defines the contract between the orchestrator and a remote job
// platform. Implementations live in the galaxy and planemo packages; Fake
// is an in-memory implementation for tests.
package jobs

import (
	"context"

	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
)

// Submission is everything a client needs to start one stage for one entity.
type Submission struct {
	Entity    string
	Stage     stage.ID
	Haplotype string

	// Workflow is the resolved remote workflow reference.
	Workflow string

	// Inputs is the opaque payload produced by the input generator.
	Inputs []byte

	// InputPath is where the payload was written, for file-based submitters.
	InputPath string

	// HistoryID places the job in an existing history. When empty a new
	// history named HistoryName is used.
	HistoryID   string
	HistoryName string
}

// Client is a remote job platform.
type Client interface {
	// Submit starts remote execution. Failures are *errors.SubmissionError.
	Submit(ctx context.Context, sub Submission) (state.JobHandle, error)

	// Status reads the current job state. Network and API failures are
	// *errors.TransientQueryError, never a failed job.
	Status(ctx context.Context, jobID string) (state.JobState, error)

	// Outputs returns artifact label to identifier. It returns
	// *errors.NotReadyError unless the job completed.
	Outputs(ctx context.Context, jobID string) (map[string]string, error)

	// Cancel is best effort; a job unknown to the platform is not an error.
	Cancel(ctx context.Context, jobID string) error
}

// Finder is implemented by clients that can locate a job submitted earlier
// for the same entity and stage, for example one launched by a run that
// crashed before it could checkpoint.
type Finder interface {
	Find(ctx context.Context, sub Submission, tag string) (state.JobHandle, bool, error)
}

// HistoryLocator is implemented by clients that can report the history a
// job runs in, so later stages can be placed next to it.
type HistoryLocator interface {
	HistoryOf(ctx context.Context, jobID string) (string, error)
}

// Payload is a rendered job input document.
type Payload struct {
	Data []byte

	// Path is set when the document was also written to disk.
	Path string
}
