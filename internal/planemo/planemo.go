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

// Package planemo submits workflows by running the planemo command line
// against an external Galaxy. Status, outputs and cancellation go through
// the Galaxy API.
package planemo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/vgpflow/internal/galaxy"
	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/jq"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

const (
	// DefaultBinary is the planemo executable looked up on PATH.
	DefaultBinary = "planemo"

	// DefaultResultAttempts and DefaultResultInterval bound the wait for
	// planemo to write its result document after exiting.
	DefaultResultAttempts = 10
	DefaultResultInterval = 3 * time.Second

	// maxLogErrors is how many error lines from the planemo log are kept
	// in a SubmissionError.
	maxLogErrors = 5
)

var (
	invocationIDQuery = jq.MustCompile(".tests[0].data.invocation_details.details.invocation_id")
	historyIDQuery    = jq.MustCompile(".tests[0].data.invocation_details.history_id")
	logErrorMarkers   = []string{"AssertionError", "Error:", "ERROR:"}
)

// Config configures a Client.
type Config struct {
	// APIKey is passed to planemo as the Galaxy user key.
	APIKey string

	// WorkDir is the metadata directory. Per-entity job files, result
	// documents and logs live below it.
	WorkDir string

	// Suffix is the run suffix appended to entity keys in file names.
	Suffix string

	// Binary overrides DefaultBinary.
	Binary string

	// Wait makes planemo block until the invocation is scheduled instead of
	// passing --no_wait.
	Wait bool

	ResultAttempts int
	ResultInterval time.Duration

	Runner Runner
	Logger *slog.Logger
}

// Client is a jobs.Client that launches through planemo. It embeds the
// Galaxy client for every read operation.
type Client struct {
	*galaxy.Client

	cfg    Config
	runner Runner
	logger *slog.Logger

	mu        sync.Mutex
	histories map[string]string
}

var (
	_ jobs.Client         = (*Client)(nil)
	_ jobs.HistoryLocator = (*Client)(nil)
)

// New creates a Client on top of g.
func New(g *galaxy.Client, cfg Config) (*Client, error) {
	if g == nil {
		return nil, fmt.Errorf("galaxy client is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("galaxy API key is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.ResultAttempts <= 0 {
		cfg.ResultAttempts = DefaultResultAttempts
	}
	if cfg.ResultInterval <= 0 {
		cfg.ResultInterval = DefaultResultInterval
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	return &Client{
		Client:    g,
		cfg:       cfg,
		runner:    runner,
		logger:    vgplog.WithComponent(logger, "planemo"),
		histories: make(map[string]string),
	}, nil
}

func (c *Client) fileName(sub jobs.Submission, ext string) string {
	return sub.Entity + c.cfg.Suffix + "_" + string(sub.Stage) + ext
}

// ResultPath is where planemo writes the test output document for sub.
func (c *Client) ResultPath(sub jobs.Submission) string {
	return filepath.Join(c.cfg.WorkDir, sub.Entity, "invocations_json", c.fileName(sub, ".json"))
}

// LogPath is where planemo output for sub is captured.
func (c *Client) LogPath(sub jobs.Submission) string {
	return filepath.Join(c.cfg.WorkDir, sub.Entity, "planemo_log", c.fileName(sub, ".log"))
}

func (c *Client) jobFile(sub jobs.Submission) (string, error) {
	if sub.InputPath != "" {
		return sub.InputPath, nil
	}
	path := filepath.Join(c.cfg.WorkDir, sub.Entity, "job_files", c.fileName(sub, ".yml"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, sub.Inputs, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Client) args(sub jobs.Submission, jobFile, result string) []string {
	args := []string{
		"run", sub.Workflow, jobFile,
		"--engine", "external_galaxy",
		"--galaxy_url", c.Client.URL(),
		"--galaxy_user_key", c.cfg.APIKey,
		"--simultaneous_uploads",
		"--check_uploads_ok",
	}
	switch {
	case sub.HistoryID != "":
		args = append(args, "--history_id", sub.HistoryID)
	case sub.HistoryName != "":
		args = append(args, "--history_name", sub.HistoryName)
	}
	if !c.cfg.Wait {
		args = append(args, "--no_wait")
	}
	return append(args, "--test_output_json", result)
}

// redacted returns args with the API key masked, for logging.
func (c *Client) redacted(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == c.cfg.APIKey {
			a = vgplog.SanitizeAPIKey(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

// Submit runs planemo for sub and reads the invocation ID from its result
// document. sub.Workflow is the path of the workflow file.
func (c *Client) Submit(ctx context.Context, sub jobs.Submission) (state.JobHandle, error) {
	fail := func(msg string, cause error) (state.JobHandle, error) {
		return state.JobHandle{}, &vgperrors.SubmissionError{
			Entity: sub.Entity, Stage: string(sub.Stage), Message: msg, Cause: cause,
		}
	}
	if sub.Workflow == "" {
		return fail("workflow path is required", nil)
	}

	jobFile, err := c.jobFile(sub)
	if err != nil {
		return fail("write job file", err)
	}
	result, logPath := c.ResultPath(sub), c.LogPath(sub)
	for _, dir := range []string{filepath.Dir(result), filepath.Dir(logPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail("create output directory", err)
		}
	}
	// A stale document from an earlier attempt would be read as this one.
	if err := os.Remove(result); err != nil && !os.IsNotExist(err) {
		return fail("remove stale result", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fail("create log file", err)
	}
	args := c.args(sub, jobFile, result)
	logger := vgplog.WithStage(c.logger, sub.Entity, string(sub.Stage))
	logger.Info("running planemo", slog.String("command", c.cfg.Binary+" "+c.redacted(args)))

	start := time.Now()
	code, runErr := c.runner.Run(ctx, Command{Name: c.cfg.Binary, Args: args, Output: logFile})
	closeErr := logFile.Close()
	logger.Debug("planemo exited", slog.Int("exit_code", code), vgplog.Duration(time.Since(start)))
	if runErr != nil {
		return fail("run planemo", runErr)
	}
	if code != 0 {
		return fail(fmt.Sprintf("planemo exited with status %d, see %s", code, logPath), nil)
	}
	if closeErr != nil {
		return fail("close log file", closeErr)
	}

	// planemo can exit 0 after an internal error. If it still created an
	// invocation, the handle is returned so the job is tracked and polled.
	lines, err := ScanLog(logPath)
	if err != nil {
		logger.Warn("could not read planemo log", vgplog.Error(err))
	}
	var jobID, historyID string
	if len(lines) > 0 {
		jobID, historyID, err = ReadResult(ctx, result)
		if err != nil {
			return fail(strings.Join(lines, "; "), nil)
		}
		for _, line := range lines {
			logger.Warn("planemo reported an error", slog.String(vgplog.JobIDKey, jobID), slog.String("line", line))
		}
	} else {
		jobID, historyID, err = c.waitResult(ctx, result)
		if err != nil {
			return fail("read planemo result", err)
		}
	}
	if historyID != "" {
		c.mu.Lock()
		c.histories[jobID] = historyID
		c.mu.Unlock()
	}

	now := time.Now().UTC()
	return state.JobHandle{ID: jobID, State: state.JobPending, SubmittedAt: now, UpdatedAt: now}, nil
}

// waitResult polls for the result document until it parses and carries an
// invocation ID.
func (c *Client) waitResult(ctx context.Context, path string) (string, string, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		jobID, historyID, err := ReadResult(ctx, path)
		if err == nil {
			return jobID, historyID, nil
		}
		lastErr = err
		if attempt >= c.cfg.ResultAttempts {
			return "", "", fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		c.logger.Debug("waiting for planemo result", slog.String("path", path), slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(c.cfg.ResultInterval):
		}
	}
}

// ReadResult extracts the invocation and history IDs from a planemo test
// output document.
func ReadResult(ctx context.Context, path string) (jobID, historyID string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", "", fmt.Errorf("decode %s: %w", path, err)
	}
	jobID, err = invocationIDQuery.Text(ctx, doc)
	if err != nil {
		return "", "", err
	}
	if jobID == "" {
		return "", "", fmt.Errorf("%s carries no invocation id", path)
	}
	historyID, err = historyIDQuery.Text(ctx, doc)
	if err != nil {
		return "", "", err
	}
	return jobID, historyID, nil
}

// ScanLog returns up to five error lines from a planemo log.
func ScanLog(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() && len(lines) < maxLogErrors {
		line := strings.TrimSpace(sc.Text())
		for _, m := range logErrorMarkers {
			if strings.Contains(line, m) {
				lines = append(lines, line)
				break
			}
		}
	}
	return lines, sc.Err()
}

// HistoryOf returns the history recorded in the result document, falling
// back to the Galaxy API.
func (c *Client) HistoryOf(ctx context.Context, jobID string) (string, error) {
	c.mu.Lock()
	h, ok := c.histories[jobID]
	c.mu.Unlock()
	if ok {
		return h, nil
	}
	return c.Client.HistoryOf(ctx, jobID)
}
