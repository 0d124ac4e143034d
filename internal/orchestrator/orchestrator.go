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

// Package orchestrator runs the executor over many entities with a bounded
// worker pool and persists the run-end aggregate and summary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/executor"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/tracing"
)

// DefaultConcurrency is the worker count when none is configured.
const DefaultConcurrency = 3

// Processor drives one entity to a settled or paused state. Inspect reports
// the saved state of an entity that was not processed.
type Processor interface {
	Process(ctx context.Context, key string, attrs map[string]string) (executor.Report, error)
	Inspect(ctx context.Context, key string) (executor.Report, error)
}

// Store is the persistence the orchestrator needs at and after the end of
// each entity.
type Store interface {
	Merge(ctx context.Context, key string) error
	SaveRun(ctx context.Context) error
	WriteResults(ctx context.Context, r *checkpoint.Results) error
}

// Entity is one unit of work.
type Entity struct {
	Key        string
	Attributes map[string]string
}

// Config configures an Orchestrator.
type Config struct {
	RunID       string
	Suffix      string
	Concurrency int

	// MergeAll folds every entity into the aggregate, not only settled
	// ones. Used when refreshing metadata without launching.
	MergeAll bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Orchestrator owns the worker pool.
type Orchestrator struct {
	proc   Processor
	store  Store
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	active *ActiveGauge
}

// New creates an Orchestrator.
func New(proc Processor, store Store, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	return &Orchestrator{
		proc:   proc,
		store:  store,
		cfg:    cfg,
		logger: vgplog.WithRunContext(vgplog.WithComponent(logger, "orchestrator"), cfg.RunID, cfg.Suffix),
		tracer: tracer,
		active: &ActiveGauge{},
	}
}

// Active returns the gauge of entities currently held by a worker.
func (o *Orchestrator) Active() *ActiveGauge { return o.active }

// Run processes every entity once. Entity failures are recorded in the
// returned Results and never stop other entities. The returned error is
// non-nil only for run-wide failures: the aggregate or summary could not be
// written.
//
// When ctx is cancelled, entities that have not started are recorded as in
// progress and no new work starts; running workers finish their in-flight
// submissions.
func (o *Orchestrator) Run(ctx context.Context, entities []Entity) (*Results, error) {
	results := NewResults(o.cfg.RunID, o.cfg.Suffix)
	o.logger.Info("run starting",
		slog.Int("entities", len(entities)),
		slog.Int("concurrency", o.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	var skipped []string
	for _, ent := range entities {
		if gctx.Err() != nil {
			skipped = append(skipped, ent.Key)
			continue
		}
		g.Go(func() error {
			return o.process(gctx, ent, results)
		})
	}
	runErr := g.Wait()

	// The aggregate and summary are written even after a stop request.
	persistCtx := context.WithoutCancel(ctx)
	for _, key := range skipped {
		rep, err := o.proc.Inspect(persistCtx, key)
		if rep.Key == "" {
			rep.Key = key
		}
		results.Skip(rep, err, "not started: run stopped")
	}
	if err := o.store.SaveRun(persistCtx); err != nil && runErr == nil {
		runErr = err
	}
	summary := results.Summary()
	if err := o.store.WriteResults(persistCtx, summary); err != nil && runErr == nil {
		runErr = err
	}

	o.logger.Info("run finished",
		slog.Int(string(checkpoint.OutcomeCompleted), summary.Count(checkpoint.OutcomeCompleted)),
		slog.Int(string(checkpoint.OutcomeFailed), summary.Count(checkpoint.OutcomeFailed)),
		slog.Int(string(checkpoint.OutcomeInProgress), summary.Count(checkpoint.OutcomeInProgress)),
		slog.Int(string(checkpoint.OutcomeError), summary.Count(checkpoint.OutcomeError)),
		slog.Int("max_active", o.active.Max()),
	)
	return results, runErr
}

func (o *Orchestrator) process(ctx context.Context, ent Entity, results *Results) error {
	o.active.Inc()
	metrics.EntityStarted()
	defer func() {
		o.active.Dec()
		metrics.EntityFinished()
	}()

	start := time.Now()
	logger := vgplog.WithEntity(o.logger, ent.Key)
	ctx, span := tracing.StartEntity(ctx, o.tracer, o.cfg.RunID, ent.Key)
	defer span.End()

	logger.Info("processing entity")
	rep, err := o.proc.Process(ctx, ent.Key, ent.Attributes)
	if rep.Key == "" {
		rep.Key = ent.Key
	}
	if err != nil {
		span.RecordError(err)
		logger.Error("entity processing aborted", vgplog.Error(err))
	}
	results.Record(rep, err)
	metrics.RecordOutcome(string(rep.Outcome))
	span.SetString("vgpflow.outcome", string(rep.Outcome))
	logger.Info("entity done",
		slog.String("outcome", rep.Outcome.Label()),
		slog.Int("ticks", rep.Ticks),
		vgplog.Duration(time.Since(start)),
	)

	settled := rep.Outcome == checkpoint.OutcomeCompleted || rep.Outcome == checkpoint.OutcomeFailed
	if !settled && !o.cfg.MergeAll {
		return nil
	}
	if err := o.store.Merge(context.WithoutCancel(ctx), ent.Key); err != nil {
		return fmt.Errorf("merge %s into aggregate: %w", ent.Key, err)
	}
	return nil
}
