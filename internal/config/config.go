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

// Package config loads the vgpflow profile: the Galaxy connection, the
// workflow references of each stage and the run options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/vgpflow/internal/stage"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Submission modes.
const (
	ModeAPI     = "api"
	ModePlanemo = "planemo"
)

// Config is the complete vgpflow configuration.
type Config struct {
	GalaxyInstance string `yaml:"galaxy_instance"`
	GalaxyKey      string `yaml:"galaxy_key"`

	// Email is required by the mitogenome workflow.
	Email string `yaml:"email,omitempty"`

	// MetadataDirectory holds checkpoints, job files and logs.
	MetadataDirectory string `yaml:"metadata_directory"`
	Suffix            string `yaml:"suffix,omitempty"`

	// Workflow references per stage, either a Galaxy workflow ID or a
	// release version such as "0.3".
	Workflow1           string        `yaml:"workflow_1"`
	Workflow0           string        `yaml:"workflow_0,omitempty"`
	Workflow4           string        `yaml:"workflow_4"`
	Workflow8           string        `yaml:"workflow_8"`
	Workflow9           string        `yaml:"workflow_9"`
	WorkflowPreCuration string        `yaml:"workflow_precuration,omitempty"`
	WorkflowRefKind     string        `yaml:"workflow_ref_kind,omitempty"`
	SubmitMode          string        `yaml:"submit_mode,omitempty"`
	LedgerPath          string        `yaml:"ledger_path,omitempty"`
	Planemo             PlanemoConfig `yaml:"planemo,omitempty"`
	Run                 RunConfig     `yaml:"run"`
	Log                 LogConfig     `yaml:"log,omitempty"`

	// Refs holds the parsed workflow references, set by Load.
	Refs map[stage.ID]WorkflowRef `yaml:"-"`
}

// RunConfig holds the options of one orchestrator pass.
type RunConfig struct {
	Concurrency            int           `yaml:"concurrency"`
	PollIntervalFirstStage time.Duration `yaml:"poll_interval_first_stage"`
	PollIntervalOther      time.Duration `yaml:"poll_interval_other"`
	TimeoutPerStage        time.Duration `yaml:"timeout_per_stage"`
	// MaxTransientRetries of 0 escalates the first failed status query.
	MaxTransientRetries int `yaml:"max_transient_retries"`

	// RateLimit caps Galaxy API requests per second.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	Resume       bool `yaml:"resume,omitempty"`
	RetryFailed  bool `yaml:"retry_failed,omitempty"`
	SyncMetadata bool `yaml:"sync_metadata,omitempty"`

	// FindExisting looks for invocations launched by an earlier run before
	// submitting.
	FindExisting bool `yaml:"find_existing,omitempty"`

	// PreCuration adds the pre-curation stage.
	PreCuration bool `yaml:"precuration,omitempty"`
}

// PlanemoConfig configures planemo submission.
type PlanemoConfig struct {
	Binary string `yaml:"binary,omitempty"`

	// WorkflowDir holds unpacked workflow releases, one directory per
	// "<workflow>-<version>".
	WorkflowDir string `yaml:"workflow_dir,omitempty"`

	// Wait blocks until each invocation is scheduled.
	Wait bool `yaml:"wait,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Option adjusts a Config after file and environment values are applied,
// typically from command-line flags.
type Option func(*Config)

// Default returns a Config with the run defaults.
func Default() *Config {
	return &Config{
		SubmitMode: ModeAPI,
		Run: RunConfig{
			Concurrency:            3,
			PollIntervalFirstStage: 5 * time.Minute,
			PollIntervalOther:      time.Hour,
			TimeoutPerStage:        24 * time.Hour,
			MaxTransientRetries:    3,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the profile at path, applies environment overrides and opts,
// normalises it and validates it. Errors are *errors.ConfigError.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &vgperrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}
	cfg.applyDefaults()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values a partial profile left unset.
func (c *Config) applyDefaults() {
	d := Default()
	if c.SubmitMode == "" {
		c.SubmitMode = d.SubmitMode
	}
	if c.Run.Concurrency == 0 {
		c.Run.Concurrency = d.Run.Concurrency
	}
	if c.Run.PollIntervalFirstStage == 0 {
		c.Run.PollIntervalFirstStage = d.Run.PollIntervalFirstStage
	}
	if c.Run.PollIntervalOther == 0 {
		c.Run.PollIntervalOther = d.Run.PollIntervalOther
	}
	if c.Run.TimeoutPerStage == 0 {
		c.Run.TimeoutPerStage = d.Run.TimeoutPerStage
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func (c *Config) loadFromEnv() error {
	if val := os.Getenv("VGPFLOW_GALAXY_URL"); val != "" {
		c.GalaxyInstance = val
	}
	if val := os.Getenv("VGPFLOW_GALAXY_KEY"); val != "" {
		c.GalaxyKey = val
	}
	if val := os.Getenv("VGPFLOW_METADATA_DIR"); val != "" {
		c.MetadataDirectory = val
	}
	if val := os.Getenv("VGPFLOW_SUFFIX"); val != "" {
		c.Suffix = val
	}
	if val := os.Getenv("VGPFLOW_SUBMIT_MODE"); val != "" {
		c.SubmitMode = strings.ToLower(val)
	}
	if val := os.Getenv("VGPFLOW_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return &vgperrors.ConfigError{Key: "VGPFLOW_CONCURRENCY", Reason: fmt.Sprintf("not an integer: %q", val), Cause: err}
		}
		c.Run.Concurrency = n
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	return nil
}

func (c *Config) normalize() {
	c.Suffix = NormalizeSuffix(c.Suffix)
	c.GalaxyInstance = NormalizeURL(c.GalaxyInstance)
	if c.MetadataDirectory == "" {
		c.MetadataDirectory = "."
	}
	c.MetadataDirectory = filepath.Clean(c.MetadataDirectory)
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.MetadataDirectory, "submissions.db")
	}
}

// NormalizeSuffix maps empty-value spellings (NA, NaN, None) to "" and
// makes a non-empty suffix start with "_".
func NormalizeSuffix(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "none":
		return ""
	}
	if !strings.HasPrefix(s, "_") {
		s = "_" + s
	}
	return s
}

// NormalizeURL defaults the scheme to https and drops a trailing slash.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// problems collects validation failures keyed by setting.
type problems []struct{ key, reason string }

func (p *problems) add(key, format string, args ...any) {
	*p = append(*p, struct{ key, reason string }{key, fmt.Sprintf(format, args...)})
}

func (p problems) err() error {
	switch len(p) {
	case 0:
		return nil
	case 1:
		return &vgperrors.ConfigError{Key: p[0].key, Reason: p[0].reason}
	}
	lines := make([]string, len(p))
	for i, pr := range p {
		lines[i] = pr.key + ": " + pr.reason
	}
	return &vgperrors.ConfigError{Key: "validation", Reason: "\n  - " + strings.Join(lines, "\n  - ")}
}

// Validate checks the configuration and parses the workflow references
// into Refs. It returns a *errors.ConfigError.
func (c *Config) Validate() error {
	var p problems

	if c.GalaxyInstance == "" {
		p.add("galaxy_instance", "required")
	}
	if c.GalaxyKey == "" {
		p.add("galaxy_key", "required")
	}
	if c.SubmitMode != ModeAPI && c.SubmitMode != ModePlanemo {
		p.add("submit_mode", "must be one of [%s, %s], got %q", ModeAPI, ModePlanemo, c.SubmitMode)
	}

	r := c.Run
	if r.Concurrency < 1 {
		p.add("run.concurrency", "must be at least 1, got %d", r.Concurrency)
	}
	if r.PollIntervalFirstStage <= 0 {
		p.add("run.poll_interval_first_stage", "must be positive, got %v", r.PollIntervalFirstStage)
	}
	if r.PollIntervalOther <= 0 {
		p.add("run.poll_interval_other", "must be positive, got %v", r.PollIntervalOther)
	}
	if r.TimeoutPerStage <= 0 {
		p.add("run.timeout_per_stage", "must be positive, got %v", r.TimeoutPerStage)
	}
	if r.MaxTransientRetries < 0 {
		p.add("run.max_transient_retries", "must not be negative, got %d", r.MaxTransientRetries)
	}
	if r.RateLimit < 0 {
		p.add("run.rate_limit", "must not be negative, got %v", r.RateLimit)
	}
	if r.RetryFailed && !r.Resume {
		p.add("run.retry_failed", "requires resume")
	}
	if r.Resume && r.SyncMetadata {
		p.add("run.sync_metadata", "cannot be combined with resume")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		p.add("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		p.add("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	force, err := ParseRefKind(c.WorkflowRefKind)
	if err != nil {
		p.add("workflow_ref_kind", "%v", err)
	}
	c.Refs = make(map[stage.ID]WorkflowRef)
	for _, w := range c.workflowFields() {
		if w.value == "" {
			if w.required {
				p.add(w.key, "required")
			}
			continue
		}
		ref, err := ParseWorkflowRef(w.value, force)
		if err != nil {
			p.add(w.key, "%v", err)
			continue
		}
		for _, id := range w.stages {
			c.Refs[id] = ref
		}
	}
	if c.Email == "" {
		p.add("email", "required by the mitogenome workflow")
	}
	if c.Run.PreCuration && c.WorkflowPreCuration == "" {
		p.add("workflow_precuration", "required when run.precuration is set")
	}

	return p.err()
}

type workflowField struct {
	key      string
	value    string
	required bool
	stages   []stage.ID
}

func (c *Config) workflowFields() []workflowField {
	return []workflowField{
		{"workflow_1", c.Workflow1, true, []stage.ID{stage.KmerProfiling}},
		{"workflow_0", c.Workflow0, true, []stage.ID{stage.Mitogenome}},
		{"workflow_4", c.Workflow4, true, []stage.ID{stage.Assembly}},
		{"workflow_8", c.Workflow8, true, []stage.ID{stage.ScaffoldingHap1, stage.ScaffoldingHap2}},
		{"workflow_9", c.Workflow9, true, []stage.ID{stage.DecontaminateHap1, stage.DecontaminateHap2}},
		{"workflow_precuration", c.WorkflowPreCuration, false, []stage.ID{stage.PreCuration}},
	}
}
