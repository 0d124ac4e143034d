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

// Package jobinput renders the YAML job document each stage is submitted
// with, binding workflow input labels to upstream outputs, entity
// attributes and fixed parameters.
package jobinput

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/vgpflow/internal/jobs"
	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Kind is how a bound value is presented to the workflow.
type Kind string

const (
	// Dataset is a single history dataset.
	Dataset Kind = "dataset"

	// Collection is a dataset collection.
	Collection Kind = "collection"

	// Parameter is a scalar workflow parameter.
	Parameter Kind = "parameter"

	// Files is a comma-separated list of remote file locations uploaded as
	// a list collection.
	Files Kind = "files"
)

// Format selects the document dialect.
type Format string

const (
	// FormatAPI renders the Galaxy invocation API input shape.
	FormatAPI Format = "api"

	// FormatPlanemo renders a planemo job file.
	FormatPlanemo Format = "planemo"
)

// Binding maps one workflow input label to its value. Exactly one of
// Stage, Attr, Param or Value is the source.
type Binding struct {
	Label string
	Kind  Kind

	// Stage and Output select an output of a consumed stage.
	Stage  stage.ID
	Output string

	// Attr selects an entity attribute.
	Attr string

	// Param selects a run-wide parameter from Config.Params.
	Param string

	// Value is a constant.
	Value any

	// Transform rewrites a resolved string value.
	Transform func(string) any

	// Optional bindings with no value are left out of the document.
	Optional bool

	// FileType is the datatype of Files entries.
	FileType string
}

func (b Binding) source() string {
	switch {
	case b.Stage != "":
		return fmt.Sprintf("output %q of %s", b.Output, b.Stage)
	case b.Attr != "":
		return fmt.Sprintf("attribute %s", b.Attr)
	case b.Param != "":
		return fmt.Sprintf("parameter %s", b.Param)
	default:
		return "constant"
	}
}

// Config configures a Generator.
type Config struct {
	// Dir is the metadata directory. When set, documents are also written
	// to <Dir>/<entity>/job_files/<entity><suffix>_<stage>.yml.
	Dir    string
	Suffix string
	Format Format

	// Bindings lists the inputs of each stage. Stages without bindings get
	// an empty document.
	Bindings map[stage.ID][]Binding

	// Params holds run-wide values such as the contact email.
	Params map[string]string

	Logger *slog.Logger
}

// Generator renders job documents.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	switch cfg.Format {
	case "":
		cfg.Format = FormatAPI
	case FormatAPI, FormatPlanemo:
	default:
		return nil, fmt.Errorf("unknown job input format %q", cfg.Format)
	}
	for id, bs := range cfg.Bindings {
		for _, b := range bs {
			if b.Label == "" {
				return nil, fmt.Errorf("stage %s: binding without label", id)
			}
			if b.Stage != "" && b.Output == "" {
				return nil, fmt.Errorf("stage %s: binding %q names a stage but no output", id, b.Label)
			}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	return &Generator{cfg: cfg, logger: vgplog.WithComponent(logger, "jobinput")}, nil
}

// Path returns where the document for key and stage is written, or "".
func (g *Generator) Path(key string, id stage.ID) string {
	if g.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(g.cfg.Dir, key, "job_files", key+g.cfg.Suffix+"_"+string(id)+".yml")
}

// Generate renders the document for s. inputs maps consumed stage ID to
// that stage's outputs.
func (g *Generator) Generate(_ context.Context, st *state.EntityState, s stage.Stage, inputs map[string]map[string]string) (jobs.Payload, error) {
	doc, err := g.Document(st, s, inputs)
	if err != nil {
		return jobs.Payload{}, err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return jobs.Payload{}, fmt.Errorf("encode job document: %w", err)
	}

	p := jobs.Payload{Data: data}
	if dst := g.Path(st.Key, s.ID); dst != "" {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return jobs.Payload{}, &vgperrors.PersistenceError{Operation: "write job file", Path: dst, Cause: err}
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return jobs.Payload{}, &vgperrors.PersistenceError{Operation: "write job file", Path: dst, Cause: err}
		}
		p.Path = dst
		g.logger.Debug("wrote job file", slog.String(vgplog.EntityKey, st.Key), slog.String(vgplog.StageKey, string(s.ID)), slog.String("path", dst))
	}
	return p, nil
}

// Document resolves every binding of s into a label to value mapping.
func (g *Generator) Document(st *state.EntityState, s stage.Stage, inputs map[string]map[string]string) (map[string]any, error) {
	doc := make(map[string]any)
	for _, b := range g.cfg.Bindings[s.ID] {
		raw, ok := g.resolve(st, b, inputs)
		if !ok {
			if b.Optional {
				continue
			}
			return nil, &vgperrors.ValidationError{
				Field:   b.Label,
				Message: fmt.Sprintf("%s: no value for %s", st.Key, b.source()),
			}
		}
		doc[b.Label] = g.render(b, raw)
	}
	return doc, nil
}

func (g *Generator) resolve(st *state.EntityState, b Binding, inputs map[string]map[string]string) (any, bool) {
	var v string
	switch {
	case b.Stage != "":
		v = inputs[string(b.Stage)][b.Output]
	case b.Attr != "":
		v = st.Attr(b.Attr)
	case b.Param != "":
		v = g.cfg.Params[b.Param]
	default:
		return b.Value, b.Value != nil
	}
	if v == "" {
		return nil, false
	}
	if b.Transform != nil {
		return b.Transform(v), true
	}
	return v, true
}

func (g *Generator) render(b Binding, v any) any {
	id := fmt.Sprint(v)
	switch b.Kind {
	case Dataset:
		if g.cfg.Format == FormatPlanemo {
			return map[string]any{"class": "File", "galaxy_id": id}
		}
		return map[string]any{"src": "hda", "id": id}
	case Collection:
		if g.cfg.Format == FormatPlanemo {
			return map[string]any{"class": "Collection", "galaxy_id": id}
		}
		return map[string]any{"src": "hdca", "id": id}
	case Files:
		return g.files(b, id)
	default:
		return v
	}
}

func (g *Generator) files(b Binding, list string) any {
	fileType := b.FileType
	if fileType == "" {
		fileType = "fastqsanger.gz"
	}
	var elements []any
	for _, loc := range strings.Split(list, ",") {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		if g.cfg.Format == FormatPlanemo {
			elements = append(elements, map[string]any{
				"class":      "File",
				"identifier": Identifier(loc),
				"path":       loc,
				"filetype":   fileType,
			})
			continue
		}
		elements = append(elements, map[string]any{"src": "url", "url": loc, "ext": fileType})
	}
	if g.cfg.Format == FormatPlanemo {
		return map[string]any{"class": "Collection", "collection_type": "list", "elements": elements}
	}
	return elements
}

var readsExt = regexp.MustCompile(`\.f(ast)?q(sanger)?\.gz$`)

// Identifier is the element name for a read file: its base name without
// the compressed fastq extension.
func Identifier(loc string) string {
	return readsExt.ReplaceAllString(path.Base(loc), "")
}
