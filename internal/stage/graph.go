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

package stage

import (
	"container/heap"
	"fmt"
	"strings"

	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Graph is an immutable, validated set of stages. It is safe for concurrent
// read access.
type Graph struct {
	stages []Stage
	index  map[ID]int
	order  []ID
	roots  map[ID]bool
}

// NewGraph builds and validates a Graph. Validation rejects empty or
// duplicate IDs, prerequisites on unknown stages, self-dependencies, cycles,
// and consumed stages that are not completed-strength prerequisites.
func NewGraph(stages ...Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, invalidf("stages", "no stages declared")
	}

	g := &Graph{
		stages: make([]Stage, 0, len(stages)),
		index:  make(map[ID]int, len(stages)),
		roots:  make(map[ID]bool),
	}
	for _, s := range stages {
		if s.ID == "" {
			return nil, invalidf("stages", "stage ID is required")
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, invalidf(string(s.ID), "duplicate stage")
		}
		g.index[s.ID] = len(g.stages)
		g.stages = append(g.stages, cloneStage(s))
	}

	for _, s := range g.stages {
		seen := make(map[ID]Strength, len(s.Requires))
		for _, p := range s.Requires {
			if p.Stage == s.ID {
				return nil, invalidf(string(s.ID), "stage requires itself")
			}
			if _, ok := g.index[p.Stage]; !ok {
				return nil, invalidf(string(s.ID), fmt.Sprintf("unknown prerequisite %q", p.Stage))
			}
			if _, dup := seen[p.Stage]; dup {
				return nil, invalidf(string(s.ID), fmt.Sprintf("prerequisite %q listed twice", p.Stage))
			}
			seen[p.Stage] = p.Strength
		}
		for _, c := range s.Consumes {
			strength, ok := seen[c]
			if !ok || strength != Completed {
				return nil, invalidf(string(s.ID), fmt.Sprintf("consumes %q which is not a completed-strength prerequisite", c))
			}
		}
		if len(s.Requires) == 0 {
			g.roots[s.ID] = true
		}
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func invalidf(field, msg string) error {
	return &vgperrors.ValidationError{Field: field, Message: msg}
}

func cloneStage(s Stage) Stage {
	s.Requires = append([]Prerequisite(nil), s.Requires...)
	s.Consumes = append([]ID(nil), s.Consumes...)
	s.Expects = append([]string(nil), s.Expects...)
	return s
}

type declHeap []int

func (h declHeap) Len() int           { return len(h) }
func (h declHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h declHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *declHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *declHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder runs Kahn's algorithm with ties broken by declaration order.
func (g *Graph) topoOrder() ([]ID, error) {
	indeg := make([]int, len(g.stages))
	outgoing := make([][]int, len(g.stages))
	for i, s := range g.stages {
		for _, p := range s.Requires {
			from := g.index[p.Stage]
			outgoing[from] = append(outgoing[from], i)
			indeg[i]++
		}
	}

	ready := &declHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]ID, 0, len(g.stages))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, g.stages[n].ID)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(order) != len(g.stages) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, string(g.stages[i].ID))
			}
		}
		return nil, invalidf("stages", "cycle among "+strings.Join(stuck, ", "))
	}
	return order, nil
}

// Order returns stage IDs in dependency order.
func (g *Graph) Order() []ID {
	return append([]ID(nil), g.order...)
}

// Stage returns the declaration for id.
func (g *Graph) Stage(id ID) (Stage, bool) {
	i, ok := g.index[id]
	if !ok {
		return Stage{}, false
	}
	return cloneStage(g.stages[i]), true
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// IsRoot reports whether id has no prerequisites. Root stages are polled at
// the first-stage interval.
func (g *Graph) IsRoot(id ID) bool { return g.roots[id] }

func (g *Graph) satisfied(p Prerequisite, v View) bool {
	st := v.StageStatus(p.Stage)
	if p.Strength == Launched {
		return st != StatusNotLaunched
	}
	return st == StatusCompleted
}

// Ready reports whether every prerequisite of id satisfies its strength,
// regardless of whether id itself was launched.
func (g *Graph) Ready(id ID, v View) bool {
	i, ok := g.index[id]
	if !ok {
		return false
	}
	for _, p := range g.stages[i].Requires {
		if !g.satisfied(p, v) {
			return false
		}
	}
	return true
}

// Eligible reports whether id may be submitted now: it is Ready and has no
// job handle yet.
func (g *Graph) Eligible(id ID, v View) bool {
	return v.StageStatus(id) == StatusNotLaunched && g.Ready(id, v)
}

// Blocked reports whether id is not launched and can never become eligible
// because some prerequisite, directly or transitively, ended failed or
// cancelled.
func (g *Graph) Blocked(id ID, v View) bool {
	if v.StageStatus(id) != StatusNotLaunched {
		return false
	}
	i, ok := g.index[id]
	if !ok {
		return false
	}
	for _, p := range g.stages[i].Requires {
		if g.satisfied(p, v) {
			continue
		}
		if v.StageStatus(p.Stage).Negative() || g.Blocked(p.Stage, v) {
			return true
		}
	}
	return false
}

// Inputs gathers the outputs of the stages id consumes, keyed by stage ID.
func (g *Graph) Inputs(id ID, v View) map[string]map[string]string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	in := make(map[string]map[string]string, len(g.stages[i].Consumes))
	for _, c := range g.stages[i].Consumes {
		out := v.StageOutputs(c)
		cp := make(map[string]string, len(out))
		for k, val := range out {
			cp[k] = val
		}
		in[string(c)] = cp
	}
	return in
}

// Settled reports whether every stage is terminal or blocked, so no tick can
// change the entity without a retry-reset.
func (g *Graph) Settled(v View) bool {
	for _, id := range g.order {
		if v.StageStatus(id).Terminal() || g.Blocked(id, v) {
			continue
		}
		return false
	}
	return true
}

// Succeeded reports whether every stage completed.
func (g *Graph) Succeeded(v View) bool {
	for _, id := range g.order {
		if v.StageStatus(id) != StatusCompleted {
			return false
		}
	}
	return true
}
