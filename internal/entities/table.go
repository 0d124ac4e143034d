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

// Package entities reads the tab-separated tracking table listing the
// assemblies to process.
package entities

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/tombee/vgpflow/internal/orchestrator"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

// Tracking table column names.
const (
	ColSpecies         = "Species"
	ColAssembly        = "Assembly"
	ColWorkingAssembly = "Working_Assembly"
	ColCustomPath      = "Custom_Path"
	ColSuffix          = "Suffix"
	ColHifiReads       = "Hifi_reads"
	ColHiCForward      = "HiC_forward_reads"
	ColHiCReverse      = "HiC_reverse_reads"
	ColHiCType         = "HiC_Type"
	ColTaxonID         = "Taxon_ID"
)

// positional is the column order of a table without a header row.
var positional = []string{ColSpecies, ColAssembly, ColCustomPath, ColSuffix}

var attrColumns = map[string]string{
	ColSpecies:    state.AttrSpecies,
	ColAssembly:   state.AttrAssembly,
	ColHifiReads:  state.AttrHifiReads,
	ColHiCForward: state.AttrHiCForward,
	ColHiCReverse: state.AttrHiCReverse,
	ColHiCType:    state.AttrHiCType,
	ColTaxonID:    state.AttrTaxonID,
}

// Load reads the table at path.
func Load(path string) ([]orchestrator.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tracking table: %w", err)
	}
	ents, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ents, nil
}

// Parse reads a tracking table. A header row is recognised by any known
// column name; otherwise columns are Species, Assembly, then optionally
// Custom_Path and Suffix.
func Parse(r io.Reader) ([]orchestrator.Entity, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.Comment = '#'
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, &vgperrors.ValidationError{
			Message:    fmt.Sprintf("parse tracking table: %v", err),
			Suggestion: "ensure all rows have the same number of tab-separated columns",
		}
	}
	if len(records) == 0 {
		return nil, nil
	}
	records[0][0] = strings.TrimPrefix(records[0][0], "\uFEFF")

	header, first := positional, 1
	if isHeader(records[0]) {
		header, first = records[0], 2
		records = records[1:]
	} else if n := len(records[0]); n < 2 || n > len(positional) {
		return nil, &vgperrors.ValidationError{
			Message: fmt.Sprintf("table without header must have 2-%d columns, found %d", len(positional), n),
		}
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, c := range []string{ColSpecies, ColAssembly} {
		if _, ok := index[c]; !ok {
			return nil, &vgperrors.ValidationError{Field: c, Message: "required column missing"}
		}
	}

	var ents []orchestrator.Entity
	seen := make(map[string]int)
	for n, rec := range records {
		line := n + first
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return Normalize(rec[i])
		}

		species, assembly := get(ColSpecies), get(ColAssembly)
		if species == "" && assembly == "" {
			continue
		}
		if species == "" || assembly == "" {
			return nil, &vgperrors.ValidationError{
				Field:   fmt.Sprintf("row %d", line),
				Message: "species and assembly are required",
			}
		}

		key := WorkingAssembly(assembly, get(ColWorkingAssembly), get(ColSuffix))
		if prev, dup := seen[key]; dup {
			return nil, &vgperrors.ValidationError{
				Field:   fmt.Sprintf("row %d", line),
				Message: fmt.Sprintf("duplicate working assembly %q (also row %d)", key, prev),
			}
		}
		seen[key] = line

		attrs := make(map[string]string)
		for col, attr := range attrColumns {
			if v := get(col); v != "" {
				attrs[attr] = v
			}
		}
		if sub := CustomPath(assembly, get(ColCustomPath)); sub != "" {
			attrs[state.AttrCustomPath] = sub
		}
		ents = append(ents, orchestrator.Entity{Key: key, Attributes: attrs})
	}
	return ents, nil
}

func isHeader(row []string) bool {
	for _, c := range row {
		switch strings.TrimSpace(strings.TrimPrefix(c, "\uFEFF")) {
		case ColSpecies, ColAssembly, ColCustomPath, ColSuffix, ColWorkingAssembly:
			return true
		}
	}
	return false
}

// Normalize trims v and maps the empty-value spellings NA, NaN and None
// to "".
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "na", "nan", "none":
		return ""
	}
	return v
}

// WorkingAssembly returns the entity key: the explicit working assembly,
// else the assembly with its row suffix.
func WorkingAssembly(assembly, working, suffix string) string {
	if working != "" {
		return working
	}
	if suffix != "" {
		return assembly + "_" + strings.TrimPrefix(suffix, "_")
	}
	return assembly
}

// CustomPath extracts the directory between the assembly and genomic_data
// in a GenomeArk path, e.g. "/somatic". It returns "" when absent.
func CustomPath(assembly, full string) string {
	if full == "" {
		return ""
	}
	re := regexp.MustCompile(regexp.QuoteMeta(assembly) + `/(.*?)/genomic_data`)
	m := re.FindStringSubmatch(full)
	if m == nil {
		return ""
	}
	return "/" + m[1]
}
