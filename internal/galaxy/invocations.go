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

package galaxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Invocation is the subset of a Galaxy workflow invocation vgpflow reads.
type Invocation struct {
	ID                  string                   `json:"id"`
	WorkflowID          string                   `json:"workflow_id"`
	HistoryID           string                   `json:"history_id"`
	State               string                   `json:"state"`
	CreateTime          string                   `json:"create_time"`
	UpdateTime          string                   `json:"update_time"`
	Outputs             map[string]datasetRef    `json:"outputs"`
	OutputCollections   map[string]datasetRef    `json:"output_collections"`
	Inputs              map[string]labelledInput `json:"inputs"`
	InputStepParameters map[string]stepParameter `json:"input_step_parameters"`
	Steps               []invocationStep         `json:"steps"`
}

type datasetRef struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

type labelledInput struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Src   string `json:"src"`
}

type stepParameter struct {
	Label          string `json:"label"`
	ParameterValue any    `json:"parameter_value"`
}

type invocationStep struct {
	SubworkflowInvocationID string `json:"subworkflow_invocation_id"`
}

// Labelled returns the invocation's outputs, labelled inputs, input step
// parameters and output collections merged into one map, later groups
// overriding earlier ones.
func (inv *Invocation) Labelled() map[string]string {
	out := make(map[string]string)
	for label, d := range inv.Outputs {
		out[label] = d.ID
	}
	for _, in := range inv.Inputs {
		if in.Label != "" {
			out[in.Label] = in.ID
		}
	}
	for _, p := range inv.InputStepParameters {
		if p.Label != "" {
			out[p.Label] = fmt.Sprint(p.ParameterValue)
		}
	}
	for label, d := range inv.OutputCollections {
		out[label] = d.ID
	}
	return out
}

type invocationSummary struct {
	PopulatedState string         `json:"populated_state"`
	States         map[string]int `json:"states"`
	Jobs           []struct {
		State string `json:"state"`
	} `json:"jobs"`
}

// jobStates counts job states from either summary shape Galaxy returns.
func (s *invocationSummary) jobStates() map[string]int {
	if len(s.States) > 0 {
		return s.States
	}
	counts := make(map[string]int, len(s.Jobs))
	for _, j := range s.Jobs {
		counts[j.State]++
	}
	return counts
}

// MapState converts a Galaxy invocation state to a job state.
func MapState(s string) state.JobState {
	switch s {
	case "ok":
		return state.JobCompleted
	case "error", "failed":
		return state.JobFailed
	case "cancelled", "cancelling":
		return state.JobCancelled
	case "new", "ready", "":
		return state.JobPending
	default:
		return state.JobRunning
	}
}

var unfinishedJobStates = []string{"new", "queued", "running", "waiting", "upload", "paused", "resubmitted"}

// summaryState refines the populated state with job states: an invocation
// whose steps are all scheduled is still running until its jobs finish,
// and ends failed if any job errored.
func summaryState(s *invocationSummary) state.JobState {
	st := MapState(s.PopulatedState)
	if st != state.JobCompleted {
		return st
	}
	counts := s.jobStates()
	for _, js := range unfinishedJobStates {
		if counts[js] > 0 {
			return state.JobRunning
		}
	}
	if counts["error"] > 0 || counts["failed"] > 0 {
		return state.JobFailed
	}
	return state.JobCompleted
}

// Submit invokes a workflow. sub.Workflow is an encoded workflow ID or an
// exact workflow name. sub.Inputs, when set, is a JSON or YAML mapping of
// input label to value.
func (c *Client) Submit(ctx context.Context, sub jobs.Submission) (state.JobHandle, error) {
	fail := func(code int, msg string, cause error) (state.JobHandle, error) {
		return state.JobHandle{}, &vgperrors.SubmissionError{
			Entity: sub.Entity, Stage: string(sub.Stage), StatusCode: code, Message: msg, Cause: cause,
		}
	}

	workflowID := sub.Workflow
	if !IsEncodedID(workflowID) {
		id, err := c.WorkflowIDByName(ctx, workflowID)
		if err != nil {
			return fail(statusCode(err), "resolve workflow", err)
		}
		workflowID = id
	}

	body := map[string]any{
		"inputs_by":             "name",
		"parameters_normalized": true,
	}
	if len(sub.Inputs) > 0 {
		var inputs map[string]any
		if err := yaml.Unmarshal(sub.Inputs, &inputs); err != nil {
			return fail(0, "decode job inputs", err)
		}
		body["inputs"] = inputs
	}
	switch {
	case sub.HistoryID != "":
		body["history_id"] = sub.HistoryID
	case sub.HistoryName != "":
		body["new_history_name"] = sub.HistoryName
	}

	var inv Invocation
	if err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(workflowID)+"/invocations", nil, body, &inv); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fail(apiErr.StatusCode, apiErr.Message, nil)
		}
		return fail(0, "", err)
	}
	if inv.ID == "" {
		return fail(0, "response carried no invocation id", nil)
	}

	now := time.Now().UTC()
	return state.JobHandle{ID: inv.ID, State: MapState(inv.State), SubmittedAt: now, UpdatedAt: now}, nil
}

// Status returns the job state derived from the invocation summary.
func (c *Client) Status(ctx context.Context, jobID string) (state.JobState, error) {
	var s invocationSummary
	if err := c.do(ctx, http.MethodGet, "invocations/"+url.PathEscape(jobID)+"/summary", nil, nil, &s); err != nil {
		return "", &vgperrors.TransientQueryError{JobID: jobID, StatusCode: statusCode(err), Cause: err}
	}
	return summaryState(&s), nil
}

// Invocation fetches the full invocation.
func (c *Client) Invocation(ctx context.Context, jobID string) (*Invocation, error) {
	var inv Invocation
	if err := c.do(ctx, http.MethodGet, "invocations/"+url.PathEscape(jobID), nil, nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Outputs returns the labelled outputs of a completed invocation.
func (c *Client) Outputs(ctx context.Context, jobID string) (map[string]string, error) {
	st, err := c.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st != state.JobCompleted {
		return nil, &vgperrors.NotReadyError{JobID: jobID, State: string(st)}
	}
	inv, err := c.Invocation(ctx, jobID)
	if err != nil {
		return nil, &vgperrors.TransientQueryError{JobID: jobID, StatusCode: statusCode(err), Cause: err}
	}
	return inv.Labelled(), nil
}

// Cancel cancels an invocation. An unknown invocation is not an error.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	err := c.do(ctx, http.MethodDelete, "invocations/"+url.PathEscape(jobID), nil, nil, nil)
	if statusCode(err) == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel invocation %s: %w", jobID, err)
	}
	return nil
}

// HistoryOf implements jobs.HistoryLocator.
func (c *Client) HistoryOf(ctx context.Context, jobID string) (string, error) {
	inv, err := c.Invocation(ctx, jobID)
	if err != nil {
		return "", err
	}
	return inv.HistoryID, nil
}

func haplotypeOf(inv *Invocation) string {
	p, ok := inv.InputStepParameters["Haplotype"]
	if !ok {
		return ""
	}
	return strings.Replace(fmt.Sprint(p.ParameterValue), "Haplotype ", "hap", 1)
}
