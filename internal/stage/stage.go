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

// Package stage declares the fixed pipeline stages and the dependency graph
// that decides which stage of an entity may be launched next.
package stage

// ID identifies a pipeline stage, e.g. "Workflow_4".
type ID string

// Strength is how far a prerequisite must have progressed.
type Strength int

const (
	// Completed requires the prerequisite job to have finished successfully.
	Completed Strength = iota
	// Launched only requires the prerequisite to have a job handle.
	Launched
)

// String returns the strength name.
func (s Strength) String() string {
	if s == Launched {
		return "launched"
	}
	return "completed"
}

// Status is the derived lifecycle state of one stage for one entity.
type Status string

const (
	StatusNotLaunched Status = "not_launched"
	StatusLaunched    Status = "launched"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition happens without a retry-reset.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Negative reports whether the stage ended failed or cancelled.
func (s Status) Negative() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Prerequisite names an upstream stage and the strength it must reach.
type Prerequisite struct {
	Stage    ID
	Strength Strength
}

// Stage is static pipeline configuration, immutable once built into a Graph.
type Stage struct {
	ID       ID
	Requires []Prerequisite

	// Consumes lists prerequisite stages whose outputs become inputs.
	Consumes []ID

	// Workflow is the remote workflow name this stage runs.
	Workflow string

	// Tag is the short workflow tag used to recognise invocations in a
	// history, e.g. "VGP4".
	Tag string

	// Haplotype is set for per-haplotype stages ("hap1" or "hap2").
	Haplotype string

	// Expects lists output labels the stage should produce.
	Expects []string
}

// View is the read-only state the graph evaluates eligibility against.
type View interface {
	StageStatus(id ID) Status
	StageOutputs(id ID) map[string]string
}

// After is shorthand for a completed-strength prerequisite.
func After(id ID) Prerequisite { return Prerequisite{Stage: id, Strength: Completed} }

// LaunchedAfter is shorthand for a launched-strength prerequisite.
func LaunchedAfter(id ID) Prerequisite { return Prerequisite{Stage: id, Strength: Launched} }
