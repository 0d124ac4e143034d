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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/vgpflow/internal/commands/shared"
	"github.com/tombee/vgpflow/internal/config"
)

// options holds the run flags. Only flags set on the command line
// override the profile.
type options struct {
	resume       bool
	retryFailed  bool
	syncMetadata bool
	findExisting bool
	precuration  bool
	submitMode   string
	idRefs       bool
	versionRefs  bool
	concurrency  int
	metricsFile  string
	traceFile    string
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run [tracking-table]",
		Short: "Run the assembly pipeline for a tracking table",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run makes one pass over every species in the tracking table. Each
species is driven until all of its stages have finished or its remaining
jobs are still running on Galaxy; progress is checkpointed under the
profile's metadata directory.

A fresh run needs the tracking table and refuses to start when metadata
for the suffix already exists. With --resume or --sync-metadata the
species come from the saved metadata, and a table given as well adds new
species to the run.

Submission Modes:
  api       Invoke workflows through the Galaxy API (default)
  planemo   Launch each workflow with 'planemo run'

Workflow References:
  Profile values are detected as Galaxy workflow IDs or release versions.
  --id or --version-refs force one interpretation for every workflow.`,
		Example: `  # Start a run
  vgpflow run tracking.tsv

  # Re-check running jobs and continue where the last pass stopped
  vgpflow run --resume

  # Resume and resubmit stages that failed
  vgpflow run --resume --retry-failed

  # Refresh job states without submitting anything
  vgpflow run --sync-metadata`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.idRefs && opts.versionRefs {
				return shared.NewConfigError("--id and --version-refs are mutually exclusive", nil)
			}
			table := ""
			if len(args) == 1 {
				table = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runPipeline(ctx, cmd, table, opts.configOptions(cmd), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Continue the run saved for the profile's suffix")
	cmd.Flags().BoolVar(&opts.retryFailed, "retry-failed", false, "Resubmit failed and cancelled stages (requires --resume)")
	cmd.Flags().BoolVar(&opts.syncMetadata, "sync-metadata", false, "Refresh job states and outputs without submitting")
	cmd.Flags().BoolVar(&opts.findExisting, "find-existing", false, "Adopt matching invocations already on Galaxy before submitting")
	cmd.Flags().BoolVar(&opts.precuration, "precuration", false, "Add the pre-curation stage")
	cmd.Flags().StringVar(&opts.submitMode, "submit-mode", "", "Submission mode (api, planemo)")
	cmd.Flags().BoolVar(&opts.idRefs, "id", false, "Treat workflow references as Galaxy workflow IDs")
	cmd.Flags().BoolVar(&opts.versionRefs, "version-refs", false, "Treat workflow references as release versions")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Number of species processed at once")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
	cmd.Flags().StringVar(&opts.traceFile, "trace-file", "", "Write trace spans as JSON to this file")

	return cmd
}

// configOptions turns the flags set on cmd into profile overrides.
func (o options) configOptions(cmd *cobra.Command) []config.Option {
	changed := make(map[string]bool)
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	var out []config.Option
	if changed["resume"] {
		out = append(out, func(c *config.Config) { c.Run.Resume = o.resume })
	}
	if changed["retry-failed"] {
		out = append(out, func(c *config.Config) { c.Run.RetryFailed = o.retryFailed })
	}
	if changed["sync-metadata"] {
		out = append(out, func(c *config.Config) { c.Run.SyncMetadata = o.syncMetadata })
	}
	if changed["find-existing"] {
		out = append(out, func(c *config.Config) { c.Run.FindExisting = o.findExisting })
	}
	if changed["precuration"] {
		out = append(out, func(c *config.Config) { c.Run.PreCuration = o.precuration })
	}
	if changed["submit-mode"] {
		out = append(out, func(c *config.Config) { c.SubmitMode = o.submitMode })
	}
	if changed["concurrency"] {
		out = append(out, func(c *config.Config) { c.Run.Concurrency = o.concurrency })
	}
	switch {
	case o.idRefs:
		out = append(out, func(c *config.Config) { c.WorkflowRefKind = config.RefIdentifier.String() })
	case o.versionRefs:
		out = append(out, func(c *config.Config) { c.WorkflowRefKind = config.RefVersion.String() })
	}
	return out
}
