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

// Stage identifiers of the VGP assembly pipeline.
const (
	KmerProfiling     ID = "Workflow_1"
	Mitogenome        ID = "Workflow_0"
	Assembly          ID = "Workflow_4"
	ScaffoldingHap1   ID = "Workflow_8_hap1"
	ScaffoldingHap2   ID = "Workflow_8_hap2"
	DecontaminateHap1 ID = "Workflow_9_hap1"
	DecontaminateHap2 ID = "Workflow_9_hap2"
	PreCuration       ID = "Workflow_PreCuration"
)

// Workflow names as published on the IWC and in Galaxy.
const (
	WorkflowKmerProfiling = "kmer-profiling-hifi-VGP1"
	WorkflowMitogenome    = "Mitogenome-assembly-VGP0"
	WorkflowAssembly      = "Assembly-Hifi-HiC-phasing-VGP4"
	WorkflowScaffolding   = "Scaffolding-HiC-VGP8"
	WorkflowDecontaminate = "Assembly-decontamination-VGP9"
	WorkflowPreCuration   = "PretextMap-Generation"
)

// VGPOptions selects optional parts of the pipeline.
type VGPOptions struct {
	// PreCuration appends the pre-curation stage after decontamination.
	PreCuration bool
}

// VGP builds the assembly pipeline graph.
//
// Mitogenome assembly only needs the assembly job launched, since it reads
// the k-mer profiling outputs and not the assembly's.
func VGP(opts VGPOptions) (*Graph, error) {
	stages := []Stage{
		{
			ID:       KmerProfiling,
			Workflow: WorkflowKmerProfiling,
			Tag:      "VGP1",
			Expects:  []string{"Collection of Pacbio Data", "Merged Meryl Database", "GenomeScope summary", "GenomeScope Model Parameters"},
		},
		{
			ID:       Assembly,
			Workflow: WorkflowAssembly,
			Tag:      "VGP4",
			Requires: []Prerequisite{After(KmerProfiling)},
			Consumes: []ID{KmerProfiling},
			Expects:  []string{"usable hap1 gfa", "usable hap2 gfa", "Estimated Genome size", "Trimmed Hi-C reads"},
		},
		{
			ID:       Mitogenome,
			Workflow: WorkflowMitogenome,
			Tag:      "VGP0",
			Requires: []Prerequisite{After(KmerProfiling), LaunchedAfter(Assembly)},
			Consumes: []ID{KmerProfiling},
		},
	}

	for _, hap := range []struct {
		code          string
		scaffold, dec ID
	}{
		{"hap1", ScaffoldingHap1, DecontaminateHap1},
		{"hap2", ScaffoldingHap2, DecontaminateHap2},
	} {
		stages = append(stages,
			Stage{
				ID:        hap.scaffold,
				Workflow:  WorkflowScaffolding,
				Tag:       "VGP8",
				Haplotype: hap.code,
				Requires:  []Prerequisite{After(Assembly)},
				Consumes:  []ID{Assembly},
				Expects:   []string{"Reconciliated Scaffolds: fasta"},
			},
			Stage{
				ID:        hap.dec,
				Workflow:  WorkflowDecontaminate,
				Tag:       "VGP9",
				Haplotype: hap.code,
				Requires:  []Prerequisite{After(hap.scaffold)},
				Consumes:  []ID{hap.scaffold},
			},
		)
	}

	if opts.PreCuration {
		stages = append(stages, Stage{
			ID:       PreCuration,
			Workflow: WorkflowPreCuration,
			Tag:      "PretextMap",
			Requires: []Prerequisite{After(Assembly), After(DecontaminateHap1), After(DecontaminateHap2)},
			Consumes: []ID{Assembly, DecontaminateHap1, DecontaminateHap2},
		})
	}

	return NewGraph(stages...)
}
