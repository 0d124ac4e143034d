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

package state

import (
	"sort"
	"time"
)

// RunMetadata is the aggregate of all entity states for one run suffix.
type RunMetadata struct {
	Suffix    string                  `json:"suffix"`
	Entities  map[string]*EntityState `json:"entities"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// NewRunMetadata returns an empty aggregate.
func NewRunMetadata(suffix string) *RunMetadata {
	return &RunMetadata{
		Suffix:   suffix,
		Entities: make(map[string]*EntityState),
	}
}

// Get returns a copy of the entity's state, or nil.
func (m *RunMetadata) Get(key string) *EntityState {
	return m.Entities[key].Clone()
}

// Put stores a copy of st under its key.
func (m *RunMetadata) Put(st *EntityState) {
	if m.Entities == nil {
		m.Entities = make(map[string]*EntityState)
	}
	m.Entities[st.Key] = st.Clone()
	if st.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = st.UpdatedAt
	}
}

// Keys returns entity keys, sorted.
func (m *RunMetadata) Keys() []string {
	keys := make([]string, 0, len(m.Entities))
	for k := range m.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (m *RunMetadata) Clone() *RunMetadata {
	c := NewRunMetadata(m.Suffix)
	c.UpdatedAt = m.UpdatedAt
	for k, st := range m.Entities {
		c.Entities[k] = st.Clone()
	}
	return c
}
