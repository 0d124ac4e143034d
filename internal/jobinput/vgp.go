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
	"strings"

	"github.com/tombee/vgpflow/internal/stage"
	"github.com/tombee/vgpflow/internal/state"
)

// ParamEmail is the contact address the mitogenome workflow requires.
const ParamEmail = "email"

// VGP output labels read by downstream stages.
const (
	OutPacbioCollection  = "Collection of Pacbio Data"
	OutMerylDatabase     = "Merged Meryl Database"
	OutGenomeScope       = "GenomeScope summary"
	OutGenomeScopeParams = "GenomeScope Model Parameters"
	OutGenomeSize        = "Estimated Genome size"
	OutTrimmedHiC        = "Trimmed Hi-C reads"
	OutHiFiNoAdapters    = "HiFi reads without adapters"
	OutScaffoldsFasta    = "Reconciliated Scaffolds: fasta"
	OutDecontaminated    = "Final Decontaminated Assembly"
)

// HaplotypeName maps "hap1" to the workflow parameter value "Haplotype 1".
func HaplotypeName(code string) string {
	return strings.Replace(code, "hap", "Haplotype ", 1)
}

// trimHiC is true for Arima libraries, which need adapter trimming.
func trimHiC(hicType string) any {
	return strings.EqualFold(hicType, "arima")
}

func latinName(species string) any {
	return strings.ReplaceAll(species, "_", " ")
}

func names() []Binding {
	return []Binding{
		{Label: "Species Name", Kind: Parameter, Attr: state.AttrSpecies},
		{Label: "Assembly Name", Kind: Parameter, Attr: state.AttrAssembly},
	}
}

// VGPBindings returns the input bindings of the default pipeline stages.
func VGPBindings() map[stage.ID][]Binding {
	b := map[stage.ID][]Binding{
		stage.KmerProfiling: append(names(),
			Binding{Label: "Pacbio Data", Kind: Files, Attr: state.AttrHifiReads},
		),
		stage.Assembly: append(names(),
			Binding{Label: OutPacbioCollection, Kind: Collection, Stage: stage.KmerProfiling, Output: OutPacbioCollection},
			Binding{Label: "Meryl Database", Kind: Dataset, Stage: stage.KmerProfiling, Output: OutMerylDatabase},
			Binding{Label: "GenomeScope Summary", Kind: Dataset, Stage: stage.KmerProfiling, Output: OutGenomeScope},
			Binding{Label: "GenomeScope Model Parameters", Kind: Dataset, Stage: stage.KmerProfiling, Output: OutGenomeScopeParams},
			Binding{Label: "Hi-C forward reads", Kind: Files, Attr: state.AttrHiCForward},
			Binding{Label: "Hi-C reverse reads", Kind: Files, Attr: state.AttrHiCReverse},
			Binding{Label: "Trim Hi-C Data?", Kind: Parameter, Attr: state.AttrHiCType, Transform: trimHiC, Optional: true},
		),
		stage.Mitogenome: {
			{Label: "Pacbio Reads Collection", Kind: Collection, Stage: stage.KmerProfiling, Output: OutPacbioCollection},
			{Label: "Species name (latin name)", Kind: Parameter, Attr: state.AttrSpecies, Transform: latinName},
			{Label: "Email address", Kind: Parameter, Param: ParamEmail},
		},
		stage.PreCuration: {
			{Label: "Hifi reads", Kind: Collection, Stage: stage.Assembly, Output: OutHiFiNoAdapters},
			{Label: "Hi-C reads", Kind: Collection, Stage: stage.Assembly, Output: OutTrimmedHiC},
			{Label: "Haplotype 1", Kind: Dataset, Stage: stage.DecontaminateHap1, Output: OutDecontaminated},
			{Label: "Haplotype 2", Kind: Dataset, Stage: stage.DecontaminateHap2, Output: OutDecontaminated},
			{Label: "Do you have a second haplotype?", Kind: Parameter, Value: true},
			{Label: "Haplotype 1 suffix", Kind: Parameter, Value: "H1"},
			{Label: "Haplotype 2 suffix", Kind: Parameter, Value: "H2"},
			{Label: "Trim Hi-C reads?", Kind: Parameter, Value: false},
		},
	}

	for _, hap := range []struct {
		code          string
		scaffold, dec stage.ID
	}{
		{"hap1", stage.ScaffoldingHap1, stage.DecontaminateHap1},
		{"hap2", stage.ScaffoldingHap2, stage.DecontaminateHap2},
	} {
		b[hap.scaffold] = append(names(),
			Binding{Label: "Input GFA", Kind: Dataset, Stage: stage.Assembly, Output: "usable " + hap.code + " gfa"},
			Binding{Label: "Haplotype", Kind: Parameter, Value: HaplotypeName(hap.code)},
			Binding{Label: "Estimated genome size - Parameter", Kind: Parameter, Stage: stage.Assembly, Output: OutGenomeSize},
			Binding{Label: "Hi-C reads", Kind: Collection, Stage: stage.Assembly, Output: OutTrimmedHiC},
		)
		b[hap.dec] = append(names(),
			Binding{Label: "Scaffolded assembly (fasta)", Kind: Dataset, Stage: hap.scaffold, Output: OutScaffoldsFasta},
			Binding{Label: "Haplotype", Kind: Parameter, Value: HaplotypeName(hap.code)},
			Binding{Label: "Taxonomic Identifier", Kind: Parameter, Attr: state.AttrTaxonID, Optional: true},
		)
	}
	return b
}
