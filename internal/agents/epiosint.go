package agents

import (
	"fmt"
	"strings"

	"github.com/sentinel-ew/sentinel/internal/gen"
)

const epiOsintSystemPrompt = `You are an epidemiological OSINT signal analyst for a pandemic early-warning system.
Assess how strongly the open-source reporting around this case indicates a real
outbreak: anomaly level, source reliability and source diversity. Discount noisy
single-source chatter. Score 0-10 where 10 is an unambiguous multi-source outbreak signal.`

// NewEpiOsint creates the epidemiological OSINT signal analyst.
func NewEpiOsint(g gen.Generator, auditor Auditor) Specialist {
	return &runner{
		name:      NameEpiOsint,
		system:    epiOsintSystemPrompt,
		generator: g,
		fallback:  epiOsintFallback,
		audit:     auditor,
	}
}

// epiOsintFallback estimates signal strength from anomaly, reliability
// and source diversity when no model output is available.
func epiOsintFallback(in Input) response {
	epi := in.Case.EpiOsint

	diversity := sourceDiversity(epi.SourceTypes)
	signalToNoise := clamp(0.65*epi.ReliabilityHint+0.35*diversity, 0, 1)

	score := (0.6*epi.AnomalyScore + 0.25*epi.ReliabilityHint + 0.15*diversity) * 10.0
	score = clamp(score, 0, 10)
	confidence := clamp(0.45+0.45*signalToNoise, 0, 1)

	var noiseFlags []string
	if epi.ReliabilityHint < 0.4 {
		noiseFlags = append(noiseFlags, "low_reliability_sources")
	}
	if distinctSourceTypes(epi.SourceTypes) < 2 {
		noiseFlags = append(noiseFlags, "single_source_bias")
	}

	rationale := fmt.Sprintf("rule-based epi/OSINT estimate: anomaly %.2f over %d source types, signal-to-noise %.2f", epi.AnomalyScore, len(epi.SourceTypes), signalToNoise)
	if len(noiseFlags) > 0 {
		rationale += ", flags: " + strings.Join(noiseFlags, " ")
	}

	return response{
		Score:      score,
		Confidence: confidence,
		Rationale:  rationale,
		Evidence: []string{
			fmt.Sprintf("anomaly_score=%.3f", epi.AnomalyScore),
			fmt.Sprintf("reliability_hint=%.3f", epi.ReliabilityHint),
			fmt.Sprintf("source_diversity=%.3f", diversity),
		},
	}
}

// sourceDiversity maps the distinct source-type count onto [0, 1],
// saturating at four types.
func sourceDiversity(sourceTypes []string) float64 {
	return clamp(float64(distinctSourceTypes(sourceTypes))/4.0, 0, 1)
}

func distinctSourceTypes(sourceTypes []string) int {
	distinct := make(map[string]bool)
	for _, s := range sourceTypes {
		distinct[s] = true
	}
	return len(distinct)
}
