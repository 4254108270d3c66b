package agents

import (
	"fmt"

	"github.com/sentinel-ew/sentinel/internal/gen"
)

const genomicsSystemPrompt = `You are a genomics risk analyst for a pandemic early-warning system.
Assess the genomic threat of the reported case: mutation novelty, lineage deviation
and recombination signals, weighed against similar prior outbreaks in the retrieved
context. Score 0-10 where 10 is an imminent novel-pathogen threat.`

// NewGenomics creates the genomics risk analyst.
func NewGenomics(g gen.Generator, auditor Auditor) Specialist {
	return &runner{
		name:      NameGenomics,
		system:    genomicsSystemPrompt,
		generator: g,
		fallback:  genomicsFallback,
		audit:     auditor,
	}
}

// genomicsFallback scores genomic pressure from the raw features when
// no model output is available.
func genomicsFallback(in Input) response {
	genomic := in.Case.Genomic
	recombination := 0.0
	if genomic.RecombinationFlag {
		recombination = 1.0
	}

	score := (0.45*genomic.MutationNovelty + 0.35*genomic.LineageDeviation + 0.20*recombination) * 10.0
	score = clamp(score, 0, 10)
	confidence := clamp(0.5+0.4*in.Case.CredibilityScore, 0, 1)

	band := "low"
	switch {
	case score >= 7.0:
		band = "high"
	case score >= 4.0:
		band = "moderate"
	}

	return response{
		Score:      score,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("rule-based genomics estimate: %s risk band from mutation novelty %.2f, lineage deviation %.2f", band, genomic.MutationNovelty, genomic.LineageDeviation),
		Evidence: []string{
			fmt.Sprintf("mutation_novelty=%.3f", genomic.MutationNovelty),
			fmt.Sprintf("lineage_deviation=%.3f", genomic.LineageDeviation),
			fmt.Sprintf("recombination_flag=%t", genomic.RecombinationFlag),
		},
	}
}
