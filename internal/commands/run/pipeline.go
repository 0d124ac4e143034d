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

package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/commands/shared"
	"github.com/tombee/vgpflow/internal/config"
	"github.com/tombee/vgpflow/internal/entities"
	"github.com/tombee/vgpflow/internal/executor"
	"github.com/tombee/vgpflow/internal/galaxy"
	"github.com/tombee/vgpflow/internal/jobinput"
	"github.com/tombee/vgpflow/internal/jobs"
	"github.com/tombee/vgpflow/internal/ledger"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/metrics"
	"github.com/tombee/vgpflow/internal/orchestrator"
	"github.com/tombee/vgpflow/internal/planemo"
	"github.com/tombee/vgpflow/internal/recovery"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/tracing"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// runResponse is the JSON output of a run.
type runResponse struct {
	shared.JSONResponse
	Results *checkpoint.Results `json:"results"`
	Reset   []string            `json:"reset,omitempty"`
}

func runPipeline(ctx context.Context, cmd *cobra.Command, table string, cfgOpts []config.Option, o options) error {
	cfg, err := shared.LoadProfile(cfgOpts...)
	if err != nil {
		return err
	}
	logger := shared.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	runID := uuid.NewString()
	ctx = vgplog.ContextWithRunID(ctx, runID)
	logger = vgplog.WithRunContext(logger, runID, cfg.Suffix)

	store, err := checkpoint.NewStore(checkpoint.Config{
		Dir:    cfg.MetadataDirectory,
		Suffix: cfg.Suffix,
		Logger: logger,
	})
	if err != nil {
		return shared.Classify("failed to open metadata directory", err)
	}

	ents, err := selectEntities(ctx, store, table, cfg.Run)
	if err != nil {
		return shared.Classify("failed to load species", err)
	}

	graph, err := stage.VGP(stage.VGPOptions{PreCuration: cfg.Run.PreCuration})
	if err != nil {
		return shared.NewRunError("failed to build pipeline", err)
	}

	g, err := galaxy.New(galaxy.Config{
		URL:       cfg.GalaxyInstance,
		APIKey:    cfg.GalaxyKey,
		RateLimit: cfg.Run.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		return shared.NewConfigError("failed to create Galaxy client", err)
	}
	client, format, err := newClient(g, cfg, logger)
	if err != nil {
		return shared.NewConfigError("failed to create planemo client", err)
	}

	workflows, err := resolveWorkflows(ctx, g, graph, cfg)
	if err != nil {
		return shared.Classify("failed to resolve workflows", err)
	}

	gen, err := jobinput.New(jobinput.Config{
		Dir:      cfg.MetadataDirectory,
		Suffix:   cfg.Suffix,
		Format:   format,
		Bindings: jobinput.VGPBindings(),
		Params:   map[string]string{jobinput.ParamEmail: cfg.Email},
		Logger:   logger,
	})
	if err != nil {
		return shared.NewRunError("failed to create job input generator", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0700); err != nil {
		return shared.NewRunError("failed to create ledger directory", err)
	}
	led, err := ledger.Open(ledger.Config{Path: cfg.LedgerPath})
	if err != nil {
		return shared.NewRunError("failed to open submission ledger", err)
	}
	defer led.Close()

	tracer, shutdown, err := openTracer(o.traceFile)
	if err != nil {
		return shared.NewRunError("failed to open trace file", err)
	}
	defer shutdown(logger)

	var reset []recovery.Failure
	if cfg.Run.Resume {
		reset, err = recoverFailures(ctx, graph, store, client, ents, cfg.Run.RetryFailed, logger)
		if err != nil {
			return shared.Classify("failed to recover previous run", err)
		}
	}

	exec := executor.New(graph, client, store, executor.Config{
		RunID:                  runID,
		Suffix:                 cfg.Suffix,
		Mode:                   cfg.SubmitMode,
		PollIntervalFirstStage: cfg.Run.PollIntervalFirstStage,
		PollIntervalOther:      cfg.Run.PollIntervalOther,
		TimeoutPerStage:        cfg.Run.TimeoutPerStage,
		MaxTransient:           cfg.Run.MaxTransientRetries,
		SyncOnly:               cfg.Run.SyncMetadata,
		FindExisting:           cfg.Run.FindExisting || cfg.Run.Resume,
		Workflows:              workflows,
	},
		executor.WithLedger(led),
		executor.WithInputs(gen),
		executor.WithLogger(logger),
		executor.WithTracer(tracer),
	)

	orch := orchestrator.New(exec, store, orchestrator.Config{
		RunID:       runID,
		Suffix:      cfg.Suffix,
		Concurrency: cfg.Run.Concurrency,
		MergeAll:    cfg.Run.SyncMetadata,
		Logger:      logger,
		Tracer:      tracer,
	})

	results, runErr := orch.Run(ctx, ents)

	if o.metricsFile != "" {
		if err := metrics.WriteTextfile(o.metricsFile); err != nil {
			logger.Warn("failed to write metrics file", slog.String("path", o.metricsFile), vgplog.Error(err))
		}
	}
	if results != nil {
		if err := report(cmd.OutOrStdout(), results.Summary(), reset, runErr == nil); err != nil {
			return shared.NewRunError("failed to write output", err)
		}
	}
	if runErr != nil {
		return shared.Classify("run failed", runErr)
	}
	return nil
}

func report(w io.Writer, summary *checkpoint.Results, reset []recovery.Failure, ok bool) error {
	if shared.GetJSON() {
		resp := runResponse{
			JSONResponse: shared.NewJSONResponse("run", ok),
			Results:      summary,
		}
		for _, f := range reset {
			resp.Reset = append(resp.Reset, f.String())
		}
		return shared.EmitJSON(w, resp)
	}
	if shared.GetQuiet() {
		return nil
	}
	if len(reset) > 0 {
		fmt.Fprintln(w, shared.RenderInfo(fmt.Sprintf("reset %d failed stage(s) for resubmission", len(reset))))
	}
	shared.RenderSummary(w, summary)
	return nil
}

// selectEntities decides what the pass runs on. A fresh run takes the
// table and must not overwrite an existing run. Resume and sync take the
// saved run, plus any species in the table it does not know yet.
func selectEntities(ctx context.Context, store *checkpoint.Store, table string, rc config.RunConfig) ([]orchestrator.Entity, error) {
	_, statErr := os.Stat(store.AggregatePath())
	exists := statErr == nil

	if !rc.Resume && !rc.SyncMetadata {
		if table == "" {
			return nil, &vgperrors.ConfigError{Key: "table", Reason: "a tracking table is required unless resuming"}
		}
		if exists {
			return nil, &vgperrors.ConfigError{
				Key:    "suffix",
				Reason: fmt.Sprintf("metadata already exists at %s; use --resume or choose another suffix", store.AggregatePath()),
			}
		}
		return entities.Load(table)
	}

	if !exists {
		return nil, &vgperrors.ConfigError{
			Key:    "resume",
			Reason: fmt.Sprintf("no saved run at %s", store.AggregatePath()),
		}
	}
	run, err := store.LoadRun(ctx)
	if err != nil {
		return nil, err
	}
	var out []orchestrator.Entity
	seen := make(map[string]bool)
	for _, key := range run.Keys() {
		out = append(out, orchestrator.Entity{Key: key, Attributes: run.Get(key).Attributes})
		seen[key] = true
	}
	if table != "" {
		extra, err := entities.Load(table)
		if err != nil {
			return nil, err
		}
		for _, e := range extra {
			if !seen[e.Key] {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func newClient(g *galaxy.Client, cfg *config.Config, logger *slog.Logger) (jobs.Client, jobinput.Format, error) {
	if cfg.SubmitMode != config.ModePlanemo {
		return g, jobinput.FormatAPI, nil
	}
	p, err := planemo.New(g, planemo.Config{
		APIKey:  cfg.GalaxyKey,
		WorkDir: cfg.MetadataDirectory,
		Suffix:  cfg.Suffix,
		Binary:  cfg.Planemo.Binary,
		Wait:    cfg.Planemo.Wait,
		Logger:  logger,
	})
	if err != nil {
		return nil, "", err
	}
	return p, jobinput.FormatPlanemo, nil
}

// workflowResolver is the part of the Galaxy client that turns a release
// version into a stored workflow ID.
type workflowResolver interface {
	ResolveWorkflow(ctx context.Context, name, version string) (string, error)
}

// resolveWorkflows maps every stage in the graph to what its client
// submits: a workflow ID in API mode, a planemo target otherwise.
func resolveWorkflows(ctx context.Context, r workflowResolver, graph *stage.Graph, cfg *config.Config) (map[stage.ID]string, error) {
	out := make(map[stage.ID]string, graph.Len())
	for _, id := range graph.Order() {
		s, _ := graph.Stage(id)
		ref, ok := cfg.Refs[id]
		if !ok {
			return nil, &vgperrors.ConfigError{Key: string(id), Reason: "no workflow reference configured"}
		}

		if cfg.SubmitMode == config.ModePlanemo {
			if ref.Kind == config.RefVersion && cfg.Planemo.WorkflowDir == "" {
				return nil, &vgperrors.ConfigError{
					Key:    "planemo.workflow_dir",
					Reason: fmt.Sprintf("required to run %s %s with planemo", s.Workflow, ref),
				}
			}
			out[id] = ref.PlanemoTarget(cfg.Planemo.WorkflowDir, s.Workflow)
			continue
		}

		if ref.Kind == config.RefIdentifier {
			out[id] = ref.Value
			continue
		}
		wfID, err := r.ResolveWorkflow(ctx, s.Workflow, ref.Value)
		if err != nil {
			var nf *vgperrors.NotFoundError
			if errors.As(err, &nf) {
				return nil, &vgperrors.ConfigError{
					Key:    string(id),
					Reason: fmt.Sprintf("workflow %s %s is not on the Galaxy server", s.Workflow, ref),
					Cause:  err,
				}
			}
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}
		out[id] = wfID
	}
	return out, nil
}

// recoverFailures refreshes the saved run and, when retry is set, resets
// failed and cancelled stages so this pass resubmits them.
func recoverFailures(ctx context.Context, graph *stage.Graph, store *checkpoint.Store, client jobs.Client, ents []orchestrator.Entity, retry bool, logger *slog.Logger) ([]recovery.Failure, error) {
	keys := make([]string, 0, len(ents))
	for _, e := range ents {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)

	coord := recovery.New(graph, store, recovery.Config{Status: client, Logger: logger})
	failures, err := coord.Detect(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		logger.Info("found failed stage",
			slog.String(vgplog.EntityKey, f.Entity),
			slog.String(vgplog.StageKey, string(f.Stage)),
			slog.String(vgplog.JobIDKey, f.JobID),
			slog.String("status", string(f.Status)),
		)
	}
	if !retry || len(failures) == 0 {
		if len(failures) > 0 {
			logger.Warn("failed stages left as is; use --retry-failed to resubmit them", slog.Int("count", len(failures)))
		}
		return nil, nil
	}
	return coord.Reset(ctx, failures)
}

// openTracer exports spans to path when set. Without a path spans go to
// the global no-op provider.
func openTracer(path string) (trace.Tracer, func(*slog.Logger), error) {
	if path == "" {
		return tracing.Tracer(), func(*slog.Logger) {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	version, _, _ := shared.GetVersion()
	p, err := tracing.NewProvider("vgpflow", version, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return p.Tracer(), func(logger *slog.Logger) {
		if err := p.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to flush traces", vgplog.Error(err))
		}
		f.Close()
	}, nil
}
