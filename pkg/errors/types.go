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

// Package errors defines the typed errors shared across vgpflow.
//
// Entity-scoped errors (submission, query, job outcome) are reported per
// entity and never abort a run. ConfigError and PersistenceError on the
// aggregate file are the only run-wide failures.
package errors

import (
	"fmt"
	"time"
)

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	ErrorType() string

	// IsRetryable returns true if the operation may succeed on a later attempt.
	IsRetryable() bool
}

// ValidationError represents user input validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "history", "entity")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "galaxy_key", "run.concurrency")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }

// SubmissionError is returned when the remote platform rejected a job or
// could not be reached while submitting it. The stage stays not launched.
type SubmissionError struct {
	// Entity is the entity key the submission was for
	Entity string

	// Stage is the stage identifier
	Stage string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit %s for %s", e.Stage, e.Entity)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

func (e *SubmissionError) ErrorType() string { return "submission" }

// IsRetryable reports whether a later run may succeed. Validation
// rejections (4xx other than 408/429) are not.
func (e *SubmissionError) IsRetryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == 408 || e.StatusCode == 429
	}
	return true
}

// TransientQueryError is a network or API failure while reading job status.
// It is distinct from a job that legitimately failed.
type TransientQueryError struct {
	// JobID is the remote job being queried
	JobID string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientQueryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("query job %s [HTTP %d]: %v", e.JobID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("query job %s: %v", e.JobID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientQueryError) Unwrap() error {
	return e.Cause
}

func (e *TransientQueryError) ErrorType() string { return "transient_query" }
func (e *TransientQueryError) IsRetryable() bool { return true }

// NotReadyError is returned when outputs are requested for a job that has
// not completed.
type NotReadyError struct {
	JobID string
	State string
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %s outputs not ready (state %s)", e.JobID, e.State)
}

func (e *NotReadyError) ErrorType() string { return "not_ready" }
func (e *NotReadyError) IsRetryable() bool { return true }

// JobFailedError records a terminal negative job outcome (failed or cancelled).
type JobFailedError struct {
	Entity string
	Stage  string
	JobID  string

	// State is the terminal state, "failed" or "cancelled"
	State string
}

// Error implements the error interface.
func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s for %s: job %s %s", e.Stage, e.Entity, e.JobID, e.State)
}

func (e *JobFailedError) ErrorType() string { return "job_" + e.State }
func (e *JobFailedError) IsRetryable() bool { return false }

// PersistenceError is a checkpoint or metadata write failure. Proceeding
// without a durable checkpoint risks duplicate submission, so the current
// tick must stop.
type PersistenceError struct {
	// Operation is what was being persisted (e.g., "checkpoint", "merge", "save_run")
	Operation string

	// Path is the file involved
	Path string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Operation, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

func (e *PersistenceError) ErrorType() string { return "persistence" }
func (e *PersistenceError) IsRetryable() bool { return true }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "poll Workflow_4")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return true }

// Classify returns the ErrorType of the first classifier in err's chain, or
// "unknown".
func Classify(err error) string {
	for err != nil {
		if c, ok := err.(ErrorClassifier); ok {
			return c.ErrorType()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "unknown"
		}
		err = u.Unwrap()
	}
	return "unknown"
}
