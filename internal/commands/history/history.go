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

// Package history implements the history command, which lists the
// submissions recorded in the ledger.
package history

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/vgpflow/internal/commands/shared"
	"github.com/tombee/vgpflow/internal/ledger"
)

// Submission is one ledger row in JSON output.
type Submission struct {
	RunID       string    `json:"run_id"`
	Suffix      string    `json:"suffix"`
	Entity      string    `json:"entity"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	JobID       string    `json:"job_id"`
	Mode        string    `json:"mode"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type historyResponse struct {
	shared.JSONResponse
	Submissions []Submission `json:"submissions"`
}

// NewCommand creates the history command
func NewCommand() *cobra.Command {
	var (
		entity      string
		stageID     string
		limit       int
		allSuffixes bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded workflow submissions",
		Long: `History lists the invocations vgpflow submitted, newest first, as
recorded in the submission ledger. Only the profile's suffix is shown
unless --all-suffixes is given.`,
		Example: `  # Every submission for one assembly
  vgpflow history --entity bTaeGut2

  # Last ten assembly submissions across runs
  vgpflow history --stage Workflow_4 --limit 10 --all-suffixes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadProfile()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.LedgerPath); err != nil {
				return shared.NewRunError("no submission ledger at "+cfg.LedgerPath, err)
			}
			l, err := ledger.Open(ledger.Config{Path: cfg.LedgerPath})
			if err != nil {
				return shared.NewRunError("failed to open submission ledger", err)
			}
			defer l.Close()

			f := ledger.Filter{Entity: entity, Stage: stageID, Limit: limit}
			if !allSuffixes {
				f.Suffix = cfg.Suffix
			}
			entries, err := l.List(cmd.Context(), f)
			if err != nil {
				return shared.NewRunError("failed to list submissions", err)
			}
			return render(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "Only show this assembly")
	cmd.Flags().StringVar(&stageID, "stage", "", "Only show this stage, e.g. Workflow_4")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows (0 for all)")
	cmd.Flags().BoolVar(&allSuffixes, "all-suffixes", false, "Include runs with other suffixes")

	return cmd
}

func render(w io.Writer, entries []ledger.Entry) error {
	if shared.GetJSON() {
		resp := historyResponse{
			JSONResponse: shared.NewJSONResponse("history", true),
			Submissions:  make([]Submission, 0, len(entries)),
		}
		for _, e := range entries {
			resp.Submissions = append(resp.Submissions, Submission{
				RunID:       e.RunID,
				Suffix:      e.Suffix,
				Entity:      e.Entity,
				Stage:       e.Stage,
				Attempt:     e.Attempt,
				JobID:       e.JobID,
				Mode:        e.Mode,
				SubmittedAt: e.SubmittedAt,
			})
		}
		return shared.EmitJSON(w, resp)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No submissions found")
		return nil
	}

	fmt.Fprintln(w, "SUBMITTED           ENTITY               STAGE                ATTEMPT JOB ID           MODE")
	fmt.Fprintln(w, "------------------- -------------------- -------------------- ------- ---------------- -------")
	for _, e := range entries {
		fmt.Fprintf(w, "%-19s %-20s %-20s %7d %-16s %s\n",
			e.SubmittedAt.Local().Format("2006-01-02 15:04:05"), e.Entity, e.Stage, e.Attempt, e.JobID, e.Mode)
	}
	return nil
}
