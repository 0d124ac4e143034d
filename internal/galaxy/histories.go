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

package galaxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tombee/vgpflow/internal/jobs"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

type history struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UpdateTime string `json:"update_time"`
}

// HistoryByName returns the most recently updated history called name.
func (c *Client) HistoryByName(ctx context.Context, name string) (string, error) {
	var hs []history
	q := url.Values{"name": {name}}
	if err := c.do(ctx, http.MethodGet, "histories", q, nil, &hs); err != nil {
		return "", err
	}
	// Older servers ignore the name filter.
	matched := hs[:0]
	for _, h := range hs {
		if h.Name == name {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		return "", &vgperrors.NotFoundError{Resource: "history", ID: name}
	}
	if len(matched) > 1 {
		c.logger.Warn("several histories share a name, using the most recent", slog.String("history", name), slog.Int("count", len(matched)))
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].UpdateTime > matched[j].UpdateTime })
	}
	return matched[0].ID, nil
}

// Find implements jobs.Finder. It looks through the invocations of the
// submission's history for the newest top-level invocation whose workflow
// name contains tag, skipping failed and cancelled ones. For per-haplotype
// stages the invocation's Haplotype parameter must match.
func (c *Client) Find(ctx context.Context, sub jobs.Submission, tag string) (state.JobHandle, bool, error) {
	if tag == "" {
		return state.JobHandle{}, false, nil
	}
	historyID := sub.HistoryID
	if historyID == "" && sub.HistoryName != "" {
		id, err := c.HistoryByName(ctx, sub.HistoryName)
		var nf *vgperrors.NotFoundError
		switch {
		case errors.As(err, &nf):
			return state.JobHandle{}, false, nil
		case err != nil:
			return state.JobHandle{}, false, err
		}
		historyID = id
	}
	if historyID == "" {
		return state.JobHandle{}, false, nil
	}

	var list []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "invocations", url.Values{"history_id": {historyID}}, nil, &list); err != nil {
		return state.JobHandle{}, false, err
	}

	invs := make([]*Invocation, 0, len(list))
	subworkflows := make(map[string]bool)
	for _, item := range list {
		inv, err := c.Invocation(ctx, item.ID)
		if err != nil {
			c.logger.Debug("skipping unreadable invocation", slog.String(vgplog.JobIDKey, item.ID), vgplog.Error(err))
			continue
		}
		for _, s := range inv.Steps {
			if s.SubworkflowInvocationID != "" {
				subworkflows[s.SubworkflowInvocationID] = true
			}
		}
		invs = append(invs, inv)
	}

	var (
		best      *Invocation
		bestState state.JobState
	)
	for _, inv := range invs {
		if subworkflows[inv.ID] {
			continue
		}
		if st := MapState(inv.State); st == state.JobFailed || st == state.JobCancelled {
			continue
		}
		name, err := c.WorkflowName(ctx, inv.WorkflowID)
		if err != nil || !strings.Contains(name, tag) {
			continue
		}
		if sub.Haplotype != "" && haplotypeOf(inv) != sub.Haplotype {
			continue
		}
		// A scheduled invocation with errored jobs is failed.
		st, err := c.Status(ctx, inv.ID)
		if err != nil {
			c.logger.Debug("skipping invocation with unreadable summary", slog.String(vgplog.JobIDKey, inv.ID), vgplog.Error(err))
			continue
		}
		if st == state.JobFailed || st == state.JobCancelled {
			continue
		}
		if best == nil || inv.CreateTime > best.CreateTime {
			best, bestState = inv, st
		}
	}
	if best == nil {
		return state.JobHandle{}, false, nil
	}
	return state.JobHandle{ID: best.ID, State: bestState}, true, nil
}
