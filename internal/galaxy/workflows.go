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
	"fmt"
	"net/http"
	"net/url"
	"sort"

	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

type workflow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UpdateTime string `json:"update_time"`
}

// VersionedName is the name a workflow imported at a given release carries.
func VersionedName(name, version string) string {
	return fmt.Sprintf("%s - v%s", name, version)
}

// ResolveWorkflow returns the ID of the workflow named
// "<name> - v<version>".
func (c *Client) ResolveWorkflow(ctx context.Context, name, version string) (string, error) {
	return c.WorkflowIDByName(ctx, VersionedName(name, version))
}

// WorkflowIDByName returns the most recently updated workflow with the exact
// name.
func (c *Client) WorkflowIDByName(ctx context.Context, name string) (string, error) {
	var wfs []workflow
	if err := c.do(ctx, http.MethodGet, "workflows", url.Values{"search": {name}}, nil, &wfs); err != nil {
		return "", err
	}
	var matched []workflow
	for _, wf := range wfs {
		if wf.Name == name {
			matched = append(matched, wf)
		}
	}
	if len(matched) == 0 {
		return "", &vgperrors.NotFoundError{Resource: "workflow", ID: name}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].UpdateTime > matched[j].UpdateTime })

	c.mu.Lock()
	c.workflowNames[matched[0].ID] = name
	c.mu.Unlock()
	return matched[0].ID, nil
}

// WorkflowName returns the name of a stored workflow, cached per client.
func (c *Client) WorkflowName(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	name, ok := c.workflowNames[id]
	c.mu.Unlock()
	if ok {
		return name, nil
	}

	var wf workflow
	if err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), url.Values{"instance": {"true"}}, nil, &wf); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.workflowNames[id] = wf.Name
	c.mu.Unlock()
	return wf.Name, nil
}
