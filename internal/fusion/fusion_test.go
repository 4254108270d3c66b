package fusion

import (
	"math"
	"strings"
	"testing"

	"github.com/sentinel-ew/sentinel/internal/models"
)

func state(weights map[string]float64) models.FusionState {
	return models.FusionState{
		Weights:       weights,
		SevThreshold:  7.0,
		ConfThreshold: 0.60,
	}
}

func output(agent string, score, confidence float64) models.AgentOutput {
	return models.AgentOutput{AgentName: agent, Score: score, Confidence: confidence, Rationale: agent + " rationale"}
}

func TestFuseWeightedAverage(t *testing.T) {
	outputs := []models.AgentOutput{
		output("genomics", 9.0, 0.8),
		output("epi", 3.0, 0.8),
	}
	d := Fuse(outputs, state(map[string]float64{"genomics": 0.5, "epi": 0.5}))

	if math.Abs(d.Severity-6.0) > 1e-9 {
		t.Errorf("severity = %v, want 6.0", d.Severity)
	}
	// variance of {9, 3} = 9; confidence = 0.8 * (1 - 9/25) = 0.512
	if math.Abs(d.Confidence-0.512) > 1e-9 {
		t.Errorf("confidence = %v, want 0.512", d.Confidence)
	}
	if len(d.Contributions) != 2 {
		t.Errorf("contributions = %d, want 2", len(d.Contributions))
	}
	if d.Contributions["genomics"].Weight != 0.5 {
		t.Errorf("genomics weight = %v", d.Contributions["genomics"].Weight)
	}
}

func TestFuseExcludesMissingAgents(t *testing.T) {
	// geo has a weight but produced no output; it must be excluded from
	// both numerator and denominator, not scored as zero.
	outputs := []models.AgentOutput{
		output("genomics", 8.0, 0.9),
		output("epi", 8.0, 0.9),
	}
	d := Fuse(outputs, state(map[string]float64{"genomics": 0.4, "epi": 0.4, "geo": 0.2}))

	if math.Abs(d.Severity-8.0) > 1e-9 {
		t.Errorf("severity = %v, want 8.0 (geo excluded)", d.Severity)
	}
	if _, ok := d.Contributions["geo"]; ok {
		t.Errorf("geo should not contribute without an output")
	}
}

func TestFuseIgnoresUnweightedAgents(t *testing.T) {
	outputs := []models.AgentOutput{
		output("genomics", 8.0, 0.9),
		output("ingest", 1.0, 0.2),
	}
	d := Fuse(outputs, state(map[string]float64{"genomics": 0.4}))

	if math.Abs(d.Severity-8.0) > 1e-9 {
		t.Errorf("severity = %v, want 8.0 (ingest has no weight)", d.Severity)
	}
}

func TestFuseAgreementKeepsConfidence(t *testing.T) {
	outputs := []models.AgentOutput{
		output("genomics", 7.0, 0.8),
		output("epi", 7.0, 0.6),
	}
	d := Fuse(outputs, state(map[string]float64{"genomics": 0.5, "epi": 0.5}))

	// No disagreement, no discount.
	if math.Abs(d.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want 0.7", d.Confidence)
	}
}

func TestFuseNoOutputs(t *testing.T) {
	d := Fuse(nil, state(map[string]float64{"genomics": 0.5}))
	if d.Severity != 0 || d.Eligible {
		t.Errorf("empty fusion should be severity 0 and ineligible")
	}
}

func TestFuseRationaleAnnotatesWeights(t *testing.T) {
	outputs := []models.AgentOutput{
		output("genomics", 8.0, 0.9),
		output("epi", 6.0, 0.7),
	}
	d := Fuse(outputs, state(map[string]float64{"genomics": 0.6, "epi": 0.4}))

	if !strings.Contains(d.Rationale, "genomics w=0.60") || !strings.Contains(d.Rationale, "epi w=0.40") {
		t.Errorf("rationale missing weight annotations: %s", d.Rationale)
	}
}

func TestEligibleRequiresBothThresholds(t *testing.T) {
	s := state(map[string]float64{})

	tests := []struct {
		severity   float64
		confidence float64
		want       bool
	}{
		{7.2, 0.55, false}, // confident enough? no
		{6.9, 0.90, false}, // severe enough? no
		{7.0, 0.60, true},  // exactly at both thresholds
		{9.5, 0.95, true},
		{0.0, 0.0, false},
	}
	for _, tt := range tests {
		if got := Eligible(tt.severity, tt.confidence, s); got != tt.want {
			t.Errorf("Eligible(%.1f, %.2f) = %v, want %v", tt.severity, tt.confidence, got, tt.want)
		}
	}
}

func TestSuggestionTiers(t *testing.T) {
	s := state(map[string]float64{"genomics": 0.4, "epi": 0.4, "geo": 0.2})

	eligible := Fuse([]models.AgentOutput{
		output("genomics", 8.5, 0.9),
		output("epi", 8.0, 0.9),
		output("geo", 8.0, 0.9),
	}, s)
	if !strings.Contains(eligible.Suggestion, "Dispatch outbreak alert") {
		t.Errorf("eligible suggestion = %q", eligible.Suggestion)
	}

	moderate := Fuse([]models.AgentOutput{
		output("genomics", 5.5, 0.5),
		output("epi", 5.5, 0.5),
	}, s)
	if !strings.Contains(moderate.Suggestion, "surveillance cadence") {
		t.Errorf("moderate suggestion = %q", moderate.Suggestion)
	}

	genomicLean := Fuse([]models.AgentOutput{
		output("genomics", 4.5, 0.5),
		output("epi", 1.0, 0.5),
	}, s)
	if !strings.Contains(genomicLean.Suggestion, "sequencing coverage") {
		t.Errorf("genomics-led suggestion = %q", genomicLean.Suggestion)
	}

	quiet := Fuse([]models.AgentOutput{
		output("genomics", 1.0, 0.5),
		output("epi", 1.5, 0.5),
	}, s)
	if !strings.Contains(quiet.Suggestion, "routine monitoring") {
		t.Errorf("quiet suggestion = %q", quiet.Suggestion)
	}
}
