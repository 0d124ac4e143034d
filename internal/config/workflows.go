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

package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tombee/vgpflow/internal/galaxy"
)

// RefKind says how a workflow reference is resolved.
type RefKind int

const (
	// RefAuto detects the kind from the value.
	RefAuto RefKind = iota

	// RefIdentifier is an encoded Galaxy workflow ID.
	RefIdentifier

	// RefVersion is a release version of the stage's workflow.
	RefVersion
)

func (k RefKind) String() string {
	switch k {
	case RefIdentifier:
		return "id"
	case RefVersion:
		return "version"
	default:
		return "auto"
	}
}

// ParseRefKind parses "", "auto", "id" or "version".
func ParseRefKind(s string) (RefKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return RefAuto, nil
	case "id":
		return RefIdentifier, nil
	case "version":
		return RefVersion, nil
	}
	return RefAuto, fmt.Errorf("must be one of [auto, id, version], got %q", s)
}

var versionPattern = regexp.MustCompile(`^v?(\d+\.\d+(\.\d+)?)$`)

// WorkflowRef is a stage's workflow reference.
type WorkflowRef struct {
	Kind RefKind

	// Value is the workflow ID, or the version without a leading "v".
	Value string
}

func (r WorkflowRef) String() string {
	if r.Kind == RefVersion {
		return "v" + r.Value
	}
	return r.Value
}

// ParseWorkflowRef parses s. With force set to RefAuto an encoded ID is an
// identifier and X.Y or X.Y.Z is a version.
func ParseWorkflowRef(s string, force RefKind) (WorkflowRef, error) {
	s = strings.TrimSpace(s)
	isVersion := versionPattern.MatchString(s)
	kind := force
	if kind == RefAuto {
		switch {
		case galaxy.IsEncodedID(s):
			kind = RefIdentifier
		case isVersion:
			kind = RefVersion
		default:
			return WorkflowRef{}, fmt.Errorf("%q is neither a workflow ID nor a version", s)
		}
	}
	switch kind {
	case RefVersion:
		if !isVersion {
			return WorkflowRef{}, fmt.Errorf("%q is not a version (expected X.Y or X.Y.Z)", s)
		}
		return WorkflowRef{Kind: RefVersion, Value: versionPattern.FindStringSubmatch(s)[1]}, nil
	default:
		if s == "" || strings.ContainsAny(s, " /") {
			return WorkflowRef{}, fmt.Errorf("%q is not a workflow ID", s)
		}
		return WorkflowRef{Kind: RefIdentifier, Value: s}, nil
	}
}

// PlanemoTarget returns what planemo runs for a workflow named name: a
// gxid URI for identifiers, or the .ga file of the unpacked release under
// dir, laid out as <dir>/<name>-<version>/<name>.ga.
func (r WorkflowRef) PlanemoTarget(dir, name string) string {
	if r.Kind == RefIdentifier {
		return "gxid://workflows/" + r.Value
	}
	return filepath.Join(dir, name+"-"+r.Value, name+".ga")
}
