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

// Package status implements the status command, which reports a run's
// outcome from the files under the metadata directory without contacting
// Galaxy.
package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/commands/shared"
	"github.com/tombee/vgpflow/internal/config"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
)

type statusResponse struct {
	shared.JSONResponse
	Source  string              `json:"source"`
	Results *checkpoint.Results `json:"results"`
}

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	var suffix string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the last run",
		Long: `Status prints the summary written at the end of the last run for the
profile's suffix. When no summary exists, for example because the run was
killed, it is rebuilt from the saved metadata.`,
		Example: `  # Summary of the profile's run
  vgpflow status

  # Another run sharing the metadata directory
  vgpflow status --suffix v3

  # Species still running, as JSON
  vgpflow status --json | jq '.results.entities | with_entries(select(.value.outcome == "in_progress"))'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []config.Option
			if cmd.Flags().Changed("suffix") {
				opts = append(opts, func(c *config.Config) { c.Suffix = suffix })
			}
			cfg, err := shared.LoadProfile(opts...)
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "Run suffix to report (default: profile suffix)")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *config.Config) error {
	store, err := checkpoint.NewStore(checkpoint.Config{Dir: cfg.MetadataDirectory, Suffix: cfg.Suffix})
	if err != nil {
		return shared.Classify("failed to open metadata directory", err)
	}

	source := store.ResultsPath()
	results, err := checkpoint.ReadResults(source)
	if errors.Is(err, fs.ErrNotExist) {
		source = store.AggregatePath()
		results, err = fromMetadata(cmd.Context(), store, cfg)
	}
	if err != nil {
		return shared.NewRunError("failed to read run status", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), statusResponse{
			JSONResponse: shared.NewJSONResponse("status", true),
			Source:       source,
			Results:      results,
		})
	}
	shared.RenderSummary(cmd.OutOrStdout(), results)
	fmt.Fprintln(cmd.OutOrStdout(), shared.RenderLabel("from "+source))
	return nil
}

// fromMetadata derives outcomes from the saved entity states.
func fromMetadata(ctx context.Context, store *checkpoint.Store, cfg *config.Config) (*checkpoint.Results, error) {
	run, err := store.LoadRun(ctx)
	if err != nil {
		return nil, err
	}
	if len(run.Keys()) == 0 {
		return nil, fmt.Errorf("no run found for suffix %q in %s", cfg.Suffix, cfg.MetadataDirectory)
	}
	graph, err := stage.VGP(stage.VGPOptions{PreCuration: cfg.Run.PreCuration})
	if err != nil {
		return nil, err
	}

	results := &checkpoint.Results{
		Suffix:   cfg.Suffix,
		Entities: make(map[string]checkpoint.EntityResult, len(run.Keys())),
	}
	for _, key := range run.Keys() {
		st := run.Get(key)
		results.Entities[key] = checkpoint.EntityResult{
			Outcome: outcome(graph, st),
			Stages:  st.Summary(graph.Order()),
		}
	}
	return results, nil
}

func outcome(g *stage.Graph, st *state.EntityState) checkpoint.Outcome {
	switch {
	case g.Succeeded(st):
		return checkpoint.OutcomeCompleted
	case g.Settled(st):
		return checkpoint.OutcomeFailed
	default:
		return checkpoint.OutcomeInProgress
	}
}
