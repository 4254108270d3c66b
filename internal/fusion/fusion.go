// Package fusion combines specialist outputs into a single decision and
// applies the guardrail that gates human review. Everything here is
// deterministic given its inputs.
package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sentinel-ew/sentinel/internal/models"
)

// maxScoreVariance is the largest possible variance of scores on the
// 0-10 scale, used to normalize the disagreement discount.
const maxScoreVariance = 25.0

// Fuse produces a Decision from the specialist outputs and the active
// fusion weights. Agents without a weight, and weights without an
// output, are excluded from both numerator and denominator; a missing
// specialist is never treated as a zero score.
func Fuse(outputs []models.AgentOutput, state models.FusionState) models.Decision {
	type part struct {
		name   string
		output models.AgentOutput
		weight float64
	}

	var parts []part
	for _, out := range outputs {
		w, ok := state.Weights[out.AgentName]
		if !ok || w <= 0 {
			continue
		}
		parts = append(parts, part{name: out.AgentName, output: out, weight: w})
	}

	d := models.Decision{
		Contributions: make(map[string]models.Contribution, len(parts)),
		CreatedAt:     time.Now().UTC(),
	}
	if len(parts) == 0 {
		d.Rationale = "no specialist outputs available"
		return d
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].name < parts[j].name })

	var weightSum, scoreSum, confSum float64
	for _, p := range parts {
		weightSum += p.weight
		scoreSum += p.weight * p.output.Score
		confSum += p.weight * p.output.Confidence
		d.Contributions[p.name] = models.Contribution{Score: p.output.Score, Weight: p.weight}
	}

	severity := clamp(scoreSum/weightSum, 0, 10)
	confidenceRaw := clamp(confSum/weightSum, 0, 1)

	// Disagreeing specialists discount the fused confidence.
	scores := make([]float64, len(parts))
	for i, p := range parts {
		scores[i] = p.output.Score
	}
	confidence := confidenceRaw * (1 - scoreVariance(scores)/maxScoreVariance)

	var rationales []string
	for _, p := range parts {
		rationales = append(rationales, fmt.Sprintf("[%s w=%.2f s=%.1f] %s", p.name, p.weight, p.output.Score, p.output.Rationale))
	}

	d.Severity = severity
	d.Confidence = clamp(confidence, 0, 1)
	d.Rationale = strings.Join(rationales, " | ")
	d.Eligible = Eligible(severity, d.Confidence, state)

	first := parts[0]
	topSignal := first.name
	topScore := first.output.Score
	for _, p := range parts[1:] {
		if p.output.Score > topScore {
			topSignal, topScore = p.name, p.output.Score
		}
	}
	d.Suggestion = suggestion(severity, d.Confidence, topSignal, topScore, state)
	return d
}

// Eligible is the guardrail: a decision may reach a human reviewer only
// when both the severity and confidence thresholds are met.
func Eligible(severity, confidence float64, state models.FusionState) bool {
	return severity >= state.SevThreshold && confidence >= state.ConfThreshold
}

// suggestion renders the one-line recommended action for a decision.
func suggestion(severity, confidence float64, topSignal string, topScore float64, state models.FusionState) string {
	switch {
	case severity >= state.SevThreshold && confidence >= state.ConfThreshold:
		return "Dispatch outbreak alert to regional health authority."
	case severity >= 5.0:
		return "Increase epidemiological surveillance cadence in the affected region."
	case topSignal == "genomics" && topScore >= 4.0:
		return "Expand genomic sequencing coverage in regional laboratories."
	default:
		return "Continue routine monitoring; no immediate action required."
	}
}

// scoreVariance is the population variance of the scores.
func scoreVariance(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	var sum float64
	for _, s := range scores {
		diff := s - mean
		sum += diff * diff
	}
	return sum / float64(len(scores))
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
