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

package shared

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tombee/vgpflow/internal/checkpoint"
	"github.com/tombee/vgpflow/internal/stage"
)

// outcomeOrder is the order outcomes are totalled in.
var outcomeOrder = []checkpoint.Outcome{
	checkpoint.OutcomeCompleted,
	checkpoint.OutcomeInProgress,
	checkpoint.OutcomeFailed,
	checkpoint.OutcomeError,
}

func renderOutcome(o checkpoint.Outcome, msg string) string {
	switch o {
	case checkpoint.OutcomeCompleted:
		return RenderOK(msg)
	case checkpoint.OutcomeInProgress:
		return RenderInfo(msg)
	case checkpoint.OutcomeFailed:
		return RenderWarn(msg)
	default:
		return RenderError(msg)
	}
}

// RenderSummary writes the human-readable run summary.
func RenderSummary(w io.Writer, r *checkpoint.Results) {
	title := "Run"
	if r.RunID != "" {
		title += " " + r.RunID
	}
	if r.Suffix != "" {
		title += " (" + r.Suffix + ")"
	}
	fmt.Fprintln(w, Header.Render(title))
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		fmt.Fprintln(w, RenderLabel(fmt.Sprintf("finished %s after %s",
			r.FinishedAt.Format("2006-01-02 15:04:05"), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))))
	}
	fmt.Fprintln(w)

	for _, key := range r.Keys() {
		e := r.Entities[key]
		fmt.Fprintln(w, renderOutcome(e.Outcome, fmt.Sprintf("%s: %s", key, e.Outcome.Label())))
		if line := stageLine(e.Stages); line != "" {
			fmt.Fprintln(w, "    "+RenderLabel(line))
		}
		for _, msg := range e.Errors {
			fmt.Fprintln(w, "    "+StatusError.Render(msg))
		}
	}

	fmt.Fprintln(w)
	parts := make([]string, 0, len(outcomeOrder))
	for _, o := range outcomeOrder {
		parts = append(parts, fmt.Sprintf("%d %s", r.Count(o), o.Label()))
	}
	fmt.Fprintln(w, strings.Join(parts, ", "))
}

func stageLine(stages map[stage.ID]stage.Status) string {
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s %s", id, stages[stage.ID(id)]))
	}
	return strings.Join(parts, ", ")
}
