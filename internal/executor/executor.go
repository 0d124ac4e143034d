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

// Package executor advances one entity through the stage graph.
//
// A tick has two phases. The submit phase walks stages in dependency order
// and launches every eligible stage, checkpointing after each launch before
// the next one starts. The poll phase then waits on every launched stage
// that is not terminal and records completions and failures. Ticks are
// level-triggered: a tick over unchanged remote state changes nothing.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/ledger"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/poller"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	"github.com/tombee/vgpflow/internal/tracing"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Checkpointer persists entity state. Checkpoint must be durable when it
// returns.
type Checkpointer interface {
	Checkpoint(ctx context.Context, st *state.EntityState) error
	Load(ctx context.Context, key string) (*state.EntityState, error)
}

// Ledger records submissions so a job launched just before a crash can be
// adopted on the next run.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) (bool, error)
	Lookup(ctx context.Context, suffix, entity, stage string, attempt int) (*ledger.Entry, error)
}

// InputGenerator renders the job input document for a stage.
type InputGenerator interface {
	Generate(ctx context.Context, st *state.EntityState, s stage.Stage, inputs map[string]map[string]string) (jobs.Payload, error)
}

// Config holds the run options the executor needs.
type Config struct {
	RunID  string
	Suffix string

	// Mode is recorded in the ledger, e.g. "api" or "planemo".
	Mode string

	PollIntervalFirstStage time.Duration
	PollIntervalOther      time.Duration
	TimeoutPerStage        time.Duration
	MaxTransient           int

	// SyncOnly refreshes launched stages without submitting anything.
	SyncOnly bool

	// FindExisting asks a client implementing jobs.Finder for a matching
	// job before submitting.
	FindExisting bool

	// Workflows maps stages to resolved workflow references. Stages without
	// an entry submit their declared workflow name.
	Workflows map[stage.ID]string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLedger enables the submission ledger.
func WithLedger(l Ledger) Option {
	return func(e *Executor) { e.ledger = l }
}

// WithInputs sets the input generator. The default submits consumed outputs
// as JSON.
func WithInputs(g InputGenerator) Option {
	return func(e *Executor) { e.inputs = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs ticks for entities. It holds no per-entity state and is safe
// for concurrent use on different entities.
type Executor struct {
	graph  *stage.Graph
	client jobs.Client
	store  Checkpointer
	poller *poller.Poller
	cfg    Config

	ledger Ledger
	inputs InputGenerator
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an Executor.
func New(graph *stage.Graph, client jobs.Client, store Checkpointer, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		graph:  graph,
		client: client,
		store:  store,
		cfg:    cfg,
		inputs: jsonInputs{},
		logger: vgplog.Discard(),
		tracer: tracing.Tracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = vgplog.WithComponent(e.logger, "executor")
	e.poller = poller.New(client, poller.Config{
		MaxTransient: cfg.MaxTransient,
		Jitter:       true,
		Logger:       e.logger,
	})
	return e
}

// TickResult reports what one tick changed.
type TickResult struct {
	// Launched lists stages submitted or adopted this tick.
	Launched []stage.ID

	// Finished lists stages that reached a terminal state this tick.
	Finished []stage.ID

	// Errors holds entity-scoped errors per stage: rejected submissions,
	// exhausted status queries and failed jobs.
	Errors map[stage.ID]error
}

// Progressed reports whether the tick launched or finished anything.
func (r TickResult) Progressed() bool {
	return len(r.Launched) > 0 || len(r.Finished) > 0
}

// Report is the result of processing one entity.
type Report struct {
	Key     string
	Outcome checkpoint.Outcome
	Stages  map[stage.ID]stage.Status
	Errors  []string
	Ticks   int
	State   *state.EntityState
}

// Tick runs one submit phase and one poll phase over st. The only error it
// returns is a failure to persist st, which must stop processing of the
// entity since continuing could submit a job that is never recorded.
func (e *Executor) Tick(ctx context.Context, st *state.EntityState) (TickResult, error) {
	return e.tick(ctx, st, nil)
}

func (e *Executor) tick(ctx context.Context, st *state.EntityState, skip map[stage.ID]bool) (TickResult, error) {
	start := time.Now()
	ctx, span := tracing.StartTick(ctx, e.tracer, st.Key)
	defer func() {
		span.End()
		metrics.ObserveTick(time.Since(start))
	}()

	logger := vgplog.WithEntity(e.logger, st.Key)
	res := TickResult{Errors: make(map[stage.ID]error)}
	launchedNow := make(map[stage.ID]bool)

	if !e.cfg.SyncOnly {
		for _, id := range e.graph.Order() {
			if skip[id] || !e.graph.Eligible(id, st) {
				continue
			}
			if ctx.Err() != nil {
				logger.Info("stop requested, not launching further stages")
				break
			}

			s, _ := e.graph.Stage(id)
			stageLogger := logger.With(slog.String(vgplog.StageKey, string(id)))

			h, source, err := e.launch(ctx, st, s, stageLogger)
			if err != nil {
				res.Errors[id] = err
				stageLogger.Error("stage submission failed", vgplog.Error(err))
				continue
			}
			if err := st.Launch(id, h); err != nil {
				res.Errors[id] = err
				continue
			}
			if err := e.store.Checkpoint(context.WithoutCancel(ctx), st); err != nil {
				span.RecordError(err)
				return res, err
			}
			res.Launched = append(res.Launched, id)
			launchedNow[id] = true
			stageLogger.Info("stage launched",
				slog.String(vgplog.JobIDKey, h.ID),
				slog.String("source", source),
			)

			if err := e.discoverHistory(ctx, st, h.ID, stageLogger); err != nil {
				span.RecordError(err)
				return res, err
			}
		}
	}

	if err := e.pollPhase(ctx, st, launchedNow, &res, logger); err != nil {
		span.RecordError(err)
		return res, err
	}
	return res, nil
}

// launch submits s, or adopts a job already recorded for the current
// attempt. source is "submitted", "ledger" or "history".
func (e *Executor) launch(ctx context.Context, st *state.EntityState, s stage.Stage, logger *slog.Logger) (state.JobHandle, string, error) {
	attempt := st.Attempt(s.ID)
	ctx, span := tracing.StartSubmission(ctx, e.tracer, st.Key, string(s.ID), attempt)
	defer span.End()

	if e.ledger != nil {
		entry, err := e.ledger.Lookup(ctx, e.cfg.Suffix, st.Key, string(s.ID), attempt)
		if err != nil {
			logger.Warn("submission ledger lookup failed", vgplog.Error(err))
		} else if entry != nil {
			// Submitted by an earlier run that did not reach its checkpoint.
			logger.Warn("adopting untracked job from submission ledger",
				slog.String(vgplog.JobIDKey, entry.JobID),
				slog.String("recorded_by", entry.RunID),
			)
			span.AddEvent("adopted", attribute.String("source", "ledger"))
			metrics.RecordSubmission(string(s.ID), "adopted")
			return e.adopted(entry.JobID, entry.SubmittedAt), "ledger", nil
		}
	}

	sub := jobs.Submission{
		Entity:      st.Key,
		Stage:       s.ID,
		Haplotype:   s.Haplotype,
		Workflow:    e.workflow(s),
		HistoryID:   st.Attr(state.AttrHistoryID),
		HistoryName: st.Attr(state.AttrHistoryName),
	}
	if sub.HistoryName == "" {
		sub.HistoryName = st.Key + e.cfg.Suffix
	}

	if finder, ok := e.client.(jobs.Finder); ok && e.cfg.FindExisting {
		h, found, err := finder.Find(ctx, sub, s.Tag)
		switch {
		case err != nil:
			logger.Warn("searching for an existing job failed", vgplog.Error(err))
		case found && slices.Contains(st.FailedJobs[s.ID], h.ID):
			logger.Info("ignoring existing job cleared by retry", slog.String(vgplog.JobIDKey, h.ID))
		case found:
			logger.Info("adopting existing job from history", slog.String(vgplog.JobIDKey, h.ID))
			span.AddEvent("adopted", attribute.String("source", "history"))
			metrics.RecordSubmission(string(s.ID), "adopted")
			e.record(ctx, st, s, attempt, h.ID, "history", logger)
			return e.adopted(h.ID, h.SubmittedAt), "history", nil
		}
	}

	payload, err := e.inputs.Generate(ctx, st, s, e.graph.Inputs(s.ID, st))
	if err != nil {
		err = &vgperrors.SubmissionError{Entity: st.Key, Stage: string(s.ID), Message: "generate job inputs", Cause: err}
		span.RecordError(err)
		metrics.RecordSubmission(string(s.ID), "error")
		return state.JobHandle{}, "", err
	}
	sub.Inputs = payload.Data
	sub.InputPath = payload.Path

	// A submission in flight runs to completion even when a stop was
	// requested, so its handle can be checkpointed.
	h, err := e.client.Submit(context.WithoutCancel(ctx), sub)
	if err != nil {
		var subErr *vgperrors.SubmissionError
		if !errors.As(err, &subErr) {
			err = &vgperrors.SubmissionError{Entity: st.Key, Stage: string(s.ID), Cause: err}
		}
		span.RecordError(err)
		metrics.RecordSubmission(string(s.ID), "error")
		return state.JobHandle{}, "", err
	}

	now := e.now()
	if h.SubmittedAt.IsZero() {
		h.SubmittedAt = now
	}
	h.UpdatedAt = now
	if h.State == "" || h.State.Terminal() {
		h.State = state.JobPending
	}
	span.SetString("vgpflow.job_id", h.ID)
	metrics.RecordSubmission(string(s.ID), "ok")
	e.record(ctx, st, s, attempt, h.ID, e.cfg.Mode, logger)
	return h, "submitted", nil
}

func (e *Executor) adopted(jobID string, submittedAt time.Time) state.JobHandle {
	now := e.now()
	if submittedAt.IsZero() {
		submittedAt = now
	}
	// The cached state is unknown, so the poll phase re-reads it and
	// harvests outputs if it already completed.
	return state.JobHandle{ID: jobID, State: state.JobPending, SubmittedAt: submittedAt, UpdatedAt: now}
}

func (e *Executor) record(ctx context.Context, st *state.EntityState, s stage.Stage, attempt int, jobID, mode string, logger *slog.Logger) {
	if e.ledger == nil {
		return
	}
	_, err := e.ledger.Record(context.WithoutCancel(ctx), ledger.Entry{
		RunID:       e.cfg.RunID,
		Suffix:      e.cfg.Suffix,
		Entity:      st.Key,
		Stage:       string(s.ID),
		Attempt:     attempt,
		JobID:       jobID,
		Mode:        mode,
		SubmittedAt: e.now(),
	})
	if err != nil {
		logger.Error("failed to record submission in ledger",
			slog.String(vgplog.JobIDKey, jobID),
			vgplog.Error(err),
		)
	}
}

func (e *Executor) workflow(s stage.Stage) string {
	if ref, ok := e.cfg.Workflows[s.ID]; ok && ref != "" {
		return ref
	}
	return s.Workflow
}

// discoverHistory caches the history of the entity's first job so later
// stages are placed next to it.
func (e *Executor) discoverHistory(ctx context.Context, st *state.EntityState, jobID string, logger *slog.Logger) error {
	if st.Attr(state.AttrHistoryID) != "" {
		return nil
	}
	locator, ok := e.client.(jobs.HistoryLocator)
	if !ok {
		return nil
	}
	historyID, err := locator.HistoryOf(ctx, jobID)
	if err != nil {
		logger.Warn("could not determine history of job", slog.String(vgplog.JobIDKey, jobID), vgplog.Error(err))
		return nil
	}
	if historyID == "" {
		return nil
	}
	st.SetAttr(state.AttrHistoryID, historyID)
	logger.Debug("history discovered", slog.String("history_id", historyID))
	return e.store.Checkpoint(context.WithoutCancel(ctx), st)
}

func (e *Executor) pollPhase(ctx context.Context, st *state.EntityState, launchedNow map[stage.ID]bool, res *TickResult, logger *slog.Logger) error {
	var targets []poller.Target
	stageOf := make(map[string]stage.ID)
	for _, id := range e.graph.Order() {
		rec := st.Record(id)
		if rec == nil || rec.Job == nil || rec.Job.State.Terminal() || launchedNow[id] {
			continue
		}
		interval := e.cfg.PollIntervalOther
		if e.graph.IsRoot(id) {
			interval = e.cfg.PollIntervalFirstStage
		}
		targets = append(targets, poller.Target{JobID: rec.Job.ID, Interval: interval})
		stageOf[rec.Job.ID] = id
	}
	if len(targets) == 0 {
		return nil
	}

	var results map[string]poller.Result
	if e.cfg.SyncOnly {
		results = e.poller.Once(ctx, targets)
	} else {
		logger.Debug("waiting for stages", slog.Int("jobs", len(targets)))
		results = e.poller.Wait(ctx, targets, e.cfg.TimeoutPerStage)
	}

	for _, t := range targets {
		if err := e.apply(ctx, st, stageOf[t.JobID], results[t.JobID], res, logger); err != nil {
			return err
		}
	}
	return nil
}

// apply records one poll result. It returns an error only when st could not
// be checkpointed.
func (e *Executor) apply(ctx context.Context, st *state.EntityState, id stage.ID, r poller.Result, res *TickResult, logger *slog.Logger) error {
	logger = logger.With(slog.String(vgplog.StageKey, string(id)), slog.String(vgplog.JobIDKey, r.JobID))
	now := e.now()

	switch r.State {
	case state.JobCompleted:
		outputs, err := e.client.Outputs(ctx, r.JobID)
		if err != nil {
			res.Errors[id] = err
			logger.Warn("job completed but outputs are unavailable", vgplog.Error(err))
			return nil
		}
		if s, ok := e.graph.Stage(id); ok {
			if missing := missingLabels(s.Expects, outputs); len(missing) > 0 {
				logger.Warn("stage completed without expected outputs", slog.Any("missing", missing))
			}
		}
		if err := st.Complete(id, outputs, now); err != nil {
			res.Errors[id] = err
			return nil
		}
		if err := e.store.Checkpoint(context.WithoutCancel(ctx), st); err != nil {
			return err
		}
		res.Finished = append(res.Finished, id)
		logger.Info("stage completed", slog.Int("outputs", len(outputs)))

	case state.JobFailed, state.JobCancelled:
		if err := st.Observe(id, r.State, now); err != nil {
			res.Errors[id] = err
			return nil
		}
		if err := e.store.Checkpoint(context.WithoutCancel(ctx), st); err != nil {
			return err
		}
		res.Finished = append(res.Finished, id)
		res.Errors[id] = &vgperrors.JobFailedError{Entity: st.Key, Stage: string(id), JobID: r.JobID, State: string(r.State)}
		logger.Warn("stage ended unsuccessfully", slog.String("state", string(r.State)))

	default:
		if r.State != "" && r.State != st.Record(id).Job.State {
			if err := st.Observe(id, r.State, now); err == nil {
				if err := e.store.Checkpoint(context.WithoutCancel(ctx), st); err != nil {
					return err
				}
			}
		}
		switch {
		case r.Err != nil && ctx.Err() != nil:
			logger.Debug("polling abandoned", vgplog.Error(r.Err))
		case r.Err != nil:
			res.Errors[id] = r.Err
			logger.Warn("stage status unknown, re-check on next run", vgplog.Error(r.Err))
		case r.TimedOut:
			logger.Info("stage still running, re-check later", slog.String("state", string(r.State)))
		}
	}
	return nil
}

func missingLabels(expected []string, outputs map[string]string) []string {
	var missing []string
	for _, label := range expected {
		if _, ok := outputs[label]; !ok {
			missing = append(missing, label)
		}
	}
	return missing
}

// Process loads the entity and runs ticks until it settles, a tick makes no
// progress, or ctx is done. The returned error is non-nil only when the
// entity's state could not be loaded or persisted.
func (e *Executor) Process(ctx context.Context, key string, attrs map[string]string) (Report, error) {
	rep := Report{Key: key}
	order := e.graph.Order()

	st, err := e.store.Load(ctx, key)
	if err != nil {
		rep.Outcome = checkpoint.OutcomeError
		return rep, err
	}
	if st == nil {
		st = state.NewEntityState(key, attrs)
	} else {
		for k, v := range attrs {
			if st.Attr(k) == "" {
				st.SetAttr(k, v)
			}
		}
	}

	// A stage whose submission was rejected is not retried within the same
	// call.
	rejected := make(map[stage.ID]bool)
	for {
		if ctx.Err() != nil {
			break
		}
		res, err := e.tick(ctx, st, rejected)
		rep.Ticks++
		for _, id := range order {
			if terr, ok := res.Errors[id]; ok {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", id, terr))
				var subErr *vgperrors.SubmissionError
				if errors.As(terr, &subErr) {
					rejected[id] = true
				}
			}
		}
		if err != nil {
			rep.Outcome = checkpoint.OutcomeError
			rep.Stages = st.Summary(order)
			rep.State = st.Clone()
			return rep, err
		}
		if e.cfg.SyncOnly || !res.Progressed() || e.graph.Settled(st) {
			break
		}
	}

	e.settle(&rep, st)
	return rep, nil
}

// Inspect reports the entity's persisted state without ticking it. An
// entity with no saved state is in progress with every stage not launched.
func (e *Executor) Inspect(ctx context.Context, key string) (Report, error) {
	rep := Report{Key: key}
	st, err := e.store.Load(ctx, key)
	if err != nil {
		rep.Outcome = checkpoint.OutcomeError
		return rep, err
	}
	if st == nil {
		st = state.NewEntityState(key, nil)
	}
	e.settle(&rep, st)
	return rep, nil
}

func (e *Executor) settle(rep *Report, st *state.EntityState) {
	rep.Stages = st.Summary(e.graph.Order())
	rep.State = st.Clone()
	switch {
	case e.graph.Succeeded(st):
		rep.Outcome = checkpoint.OutcomeCompleted
	case e.graph.Settled(st):
		rep.Outcome = checkpoint.OutcomeFailed
	default:
		rep.Outcome = checkpoint.OutcomeInProgress
	}
}

// jsonInputs submits the consumed outputs as a JSON document.
type jsonInputs struct{}

func (jsonInputs) Generate(_ context.Context, _ *state.EntityState, _ stage.Stage, inputs map[string]map[string]string) (jobs.Payload, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return jobs.Payload{}, err
	}
	return jobs.Payload{Data: data}, nil
}
