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

package jobinput

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
	vgperrors "github.com/tombee/vgpflow/pkg/errors"
)

func entity() *state.EntityState {
	return state.NewEntityState("bTaeGut2", map[string]string{
		state.AttrSpecies:    "Taeniopygia_guttata",
		state.AttrAssembly:   "bTaeGut2",
		state.AttrHifiReads:  "gxfiles://genomeark/a.hifi_reads.fastq.gz, gxfiles://genomeark/b.hifi_reads.fq.gz",
		state.AttrHiCForward: "gxfiles://genomeark/hic_R1.fastq.gz",
		state.AttrHiCReverse: "gxfiles://genomeark/hic_R2.fastq.gz",
		state.AttrHiCType:    "Arima",
	})
}

func kmerOutputs() map[string]map[string]string {
	return map[string]map[string]string{
		string(stage.KmerProfiling): {
			OutPacbioCollection:  "c1",
			OutMerylDatabase:     "d1",
			OutGenomeScope:       "d2",
			OutGenomeScopeParams: "d3",
		},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)

	_, err = New(Config{Bindings: map[stage.ID][]Binding{"S1": {{Kind: Parameter, Value: 1}}}})
	assert.Error(t, err)

	_, err = New(Config{Bindings: map[stage.ID][]Binding{"S1": {{Label: "x", Stage: "S0"}}}})
	assert.Error(t, err)

	g, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, FormatAPI, g.cfg.Format)
}

func TestDocument_API(t *testing.T) {
	g, err := New(Config{Bindings: VGPBindings()})
	require.NoError(t, err)
	s := stage.Stage{ID: stage.Assembly}

	doc, err := g.Document(entity(), s, kmerOutputs())
	require.NoError(t, err)

	assert.Equal(t, "Taeniopygia_guttata", doc["Species Name"])
	assert.Equal(t, map[string]any{"src": "hdca", "id": "c1"}, doc[OutPacbioCollection])
	assert.Equal(t, map[string]any{"src": "hda", "id": "d1"}, doc["Meryl Database"])
	assert.Equal(t, true, doc["Trim Hi-C Data?"])
	assert.Equal(t, []any{
		map[string]any{"src": "url", "url": "gxfiles://genomeark/hic_R1.fastq.gz", "ext": "fastqsanger.gz"},
	}, doc["Hi-C forward reads"])
}

func TestDocument_Planemo(t *testing.T) {
	g, err := New(Config{Format: FormatPlanemo, Bindings: VGPBindings()})
	require.NoError(t, err)

	doc, err := g.Document(entity(), stage.Stage{ID: stage.KmerProfiling}, nil)
	require.NoError(t, err)

	reads, ok := doc["Pacbio Data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Collection", reads["class"])
	assert.Equal(t, "list", reads["collection_type"])
	elements := reads["elements"].([]any)
	require.Len(t, elements, 2)
	assert.Equal(t, "a.hifi_reads", elements[0].(map[string]any)["identifier"])
	assert.Equal(t, "b.hifi_reads", elements[1].(map[string]any)["identifier"])

	doc, err = g.Document(entity(), stage.Stage{ID: stage.Assembly}, kmerOutputs())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"class": "File", "galaxy_id": "d1"}, doc["Meryl Database"])
}

func TestDocument_MissingInput(t *testing.T) {
	g, err := New(Config{Bindings: VGPBindings()})
	require.NoError(t, err)

	in := kmerOutputs()
	delete(in[string(stage.KmerProfiling)], OutMerylDatabase)
	_, err = g.Document(entity(), stage.Stage{ID: stage.Assembly}, in)
	require.Error(t, err)

	var vErr *vgperrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Meryl Database", vErr.Field)
	assert.Contains(t, vErr.Message, OutMerylDatabase)
}

func TestDocument_OptionalAndParams(t *testing.T) {
	g, err := New(Config{Bindings: VGPBindings(), Params: map[string]string{ParamEmail: "curator@example.org"}})
	require.NoError(t, err)

	doc, err := g.Document(entity(), stage.Stage{ID: stage.Mitogenome}, kmerOutputs())
	require.NoError(t, err)
	assert.Equal(t, "Taeniopygia guttata", doc["Species name (latin name)"])
	assert.Equal(t, "curator@example.org", doc["Email address"])

	in := map[string]map[string]string{
		string(stage.ScaffoldingHap2): {OutScaffoldsFasta: "f2"},
	}
	doc, err = g.Document(entity(), stage.Stage{ID: stage.DecontaminateHap2}, in)
	require.NoError(t, err)
	assert.Equal(t, "Haplotype 2", doc["Haplotype"])
	assert.NotContains(t, doc, "Taxonomic Identifier")
}

func TestGenerate_WritesJobFile(t *testing.T) {
	dir := t.TempDir()
	g, err := New(Config{Dir: dir, Suffix: "_r1", Bindings: VGPBindings()})
	require.NoError(t, err)

	in := map[string]map[string]string{
		string(stage.Assembly): {"usable hap1 gfa": "g1", OutGenomeSize: "1200000000", OutTrimmedHiC: "c9"},
	}
	p, err := g.Generate(context.Background(), entity(), stage.Stage{ID: stage.ScaffoldingHap1}, in)
	require.NoError(t, err)

	want := filepath.Join(dir, "bTaeGut2", "job_files", "bTaeGut2_r1_Workflow_8_hap1.yml")
	assert.Equal(t, want, p.Path)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, p.Data, data)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "Haplotype 1", doc["Haplotype"])
	assert.Equal(t, "1200000000", doc["Estimated genome size - Parameter"])
	assert.Equal(t, map[string]any{"src": "hda", "id": "g1"}, doc["Input GFA"])
}

func TestGenerate_NoBindings(t *testing.T) {
	g, err := New(Config{})
	require.NoError(t, err)
	p, err := g.Generate(context.Background(), entity(), stage.Stage{ID: "S1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, p.Path)
	assert.Equal(t, "{}\n", string(p.Data))
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "m64_hifi", Identifier("gxfiles://genomeark/x/m64_hifi.fastq.gz"))
	assert.Equal(t, "r1", Identifier("r1.fqsanger.gz"))
	assert.Equal(t, "reads.bam", Identifier("reads.bam"))
	assert.Equal(t, "Haplotype 1", HaplotypeName("hap1"))
}
