// Package improve is the self-improvement controller. After a run
// completes it scores predictions against ground truth, nudges the
// fusion weights and guardrail thresholds, and writes a strategy note
// the retrieval engine surfaces on later runs.
package improve

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// Params are the learning tunables, configured rather than hardcoded.
type Params struct {
	LearningRate      float64
	SevThresholdStep  float64
	ConfThresholdStep float64
	FalseAlarmCeiling float64
	MissCeiling       float64
	MinWeight         float64
}

// Controller evaluates a completed run and updates the fusion state.
type Controller struct {
	store    *store.Store
	embedder embed.Embedder
	audit    *audit.Writer
	params   Params
}

// NewController creates the self-improvement controller.
func NewController(s *store.Store, embedder embed.Embedder, auditor *audit.Writer, params Params) *Controller {
	return &Controller{store: s, embedder: embedder, audit: auditor, params: params}
}

// caseOutcome is one case's prediction paired with its ground truth.
// firstEligibleAt is the timestamp of the earliest eligible decision
// across evidence cycles; zero when no cycle cleared the guardrail.
type caseOutcome struct {
	decision        models.Decision
	firstEligibleAt time.Time
	truth           models.GroundTruth
	hasTruth        bool
}

// Run evaluates the finished run and returns the updated fusion state.
// Cases without ground truth are excluded from metrics and the weight
// update but never block it.
func (c *Controller) Run(ctx context.Context, runID string, state models.FusionState) (models.FusionState, *models.Metric, error) {
	outcomes, err := c.collect(runID)
	if err != nil {
		return state, nil, err
	}

	metric := c.evaluate(runID, outcomes)
	if err := c.store.InsertMetric(metric); err != nil {
		return state, nil, fmt.Errorf("persist metric: %w", err)
	}
	c.audit.Record(runID, "", audit.ActionMetricsComputed, "improve", metric)

	next := state.Clone()
	weightDelta := c.updateWeights(&next, outcomes)
	thresholdNote := c.adjustThresholds(&next, metric, outcomes)

	note := c.composeNote(metric, state, next, weightDelta, thresholdNote)
	if err := c.remember(ctx, runID, note, next); err != nil {
		return state, metric, err
	}
	c.audit.Record(runID, "", audit.ActionStateUpdated, "improve", next)

	return next, metric, nil
}

func (c *Controller) collect(runID string) ([]caseOutcome, error) {
	caseIDs, err := c.store.ListCaseIDsForRun(runID)
	if err != nil {
		return nil, err
	}

	var outcomes []caseOutcome
	for _, caseID := range caseIDs {
		decisions, err := c.store.ListDecisions(caseID, runID)
		if err != nil {
			return nil, err
		}
		if len(decisions) == 0 {
			continue
		}
		oc := caseOutcome{decision: decisions[len(decisions)-1]}
		for _, d := range decisions {
			if d.Eligible {
				oc.firstEligibleAt = d.CreatedAt
				break
			}
		}
		if sc, err := c.store.GetCase(caseID, runID); err == nil && sc.Case.GroundTruth != nil {
			oc.truth = *sc.Case.GroundTruth
			oc.hasTruth = true
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes, nil
}

// evaluate aggregates the run's prediction quality. A suppressed true
// outbreak still counts against the miss numbers even though no
// approval record exists for it. Lead time is measured from the first
// decision that cleared the guardrail, so an evidence cycle that later
// turned ineligible does not erase the early warning.
func (c *Controller) evaluate(runID string, outcomes []caseOutcome) *models.Metric {
	var (
		eligible, falsePositives  int
		positives, falseNegatives int
		absErrSum, brierSum       float64
		scored                    int
		leadSum                   float64
		leadCount                 int
	)

	for _, oc := range outcomes {
		if oc.decision.Eligible {
			eligible++
		}
		if !oc.hasTruth {
			continue
		}
		scored++
		outcome := 0.0
		if oc.truth.TrueOutbreak {
			outcome = 1.0
			positives++
		}
		absErrSum += math.Abs(oc.decision.Severity - oc.truth.TrueSeverity)
		diff := oc.decision.Confidence - outcome
		brierSum += diff * diff

		switch {
		case oc.decision.Eligible && !oc.truth.TrueOutbreak:
			falsePositives++
		case !oc.decision.Eligible && oc.truth.TrueOutbreak:
			falseNegatives++
		}

		if !oc.firstEligibleAt.IsZero() && oc.truth.TrueOutbreak && !oc.truth.OfficialAlertDate.IsZero() {
			leadSum += oc.truth.OfficialAlertDate.Sub(oc.firstEligibleAt).Hours() / 24.0
			leadCount++
		}
	}

	m := &models.Metric{RunID: runID}
	if eligible > 0 {
		m.FalseAlarmRate = float64(falsePositives) / float64(eligible)
	}
	if scored > 0 {
		m.SeverityMAE = absErrSum / float64(scored)
		m.BrierScore = brierSum / float64(scored)
	}
	if leadCount > 0 {
		m.LeadTimeDays = leadSum / float64(leadCount)
	}
	return m
}

// updateWeights applies the gradient-style correlation rule per scored
// case: a specialist gains influence when its score diverged from the
// fused score in the direction that would have corrected the error.
// Weights are floored at MinWeight and renormalized to sum to 1, with
// the floor re-applied after normalization so it always holds.
func (c *Controller) updateWeights(state *models.FusionState, outcomes []caseOutcome) map[string]float64 {
	before := make(map[string]float64, len(state.Weights))
	for name, w := range state.Weights {
		before[name] = w
	}

	for _, oc := range outcomes {
		if !oc.hasTruth {
			continue
		}
		outcome := 0.0
		if oc.truth.TrueOutbreak {
			outcome = 1.0
		}
		errSignal := outcome - oc.decision.Confidence
		for name, contrib := range oc.decision.Contributions {
			if _, ok := state.Weights[name]; !ok {
				continue
			}
			state.Weights[name] += c.params.LearningRate * errSignal * (contrib.Score - oc.decision.Severity) / 10.0
		}
	}

	var sum float64
	for name := range state.Weights {
		if state.Weights[name] < c.params.MinWeight {
			state.Weights[name] = c.params.MinWeight
		}
		sum += state.Weights[name]
	}
	if sum > 0 {
		for name := range state.Weights {
			state.Weights[name] /= sum
			// Normalization can push a floored weight back under the
			// floor; re-clamping keeps the floor hard at the cost of a
			// marginally-above-one sum.
			if state.Weights[name] < c.params.MinWeight {
				state.Weights[name] = c.params.MinWeight
			}
		}
	}

	delta := make(map[string]float64, len(before))
	for name, w := range state.Weights {
		delta[name] = w - before[name]
	}
	return delta
}

// adjustThresholds moves the guardrail by one configured step when a
// rate ceiling is breached. Too many false alarms tighten it; too many
// missed outbreaks loosen it. A simultaneous breach of both ceilings
// favors loosening, since a missed outbreak costs more than an alarm.
func (c *Controller) adjustThresholds(state *models.FusionState, metric *models.Metric, outcomes []caseOutcome) string {
	var positives, misses int
	for _, oc := range outcomes {
		if !oc.hasTruth || !oc.truth.TrueOutbreak {
			continue
		}
		positives++
		if !oc.decision.Eligible {
			misses++
		}
	}
	missRate := 0.0
	if positives > 0 {
		missRate = float64(misses) / float64(positives)
	}

	switch {
	case missRate > c.params.MissCeiling:
		state.SevThreshold = clamp(state.SevThreshold-c.params.SevThresholdStep, 0, 10)
		state.ConfThreshold = clamp(state.ConfThreshold-c.params.ConfThresholdStep, 0, 1)
		return fmt.Sprintf("miss rate %.0f%% exceeded ceiling %.0f%%; lowered thresholds to %.2f/%.2f",
			missRate*100, c.params.MissCeiling*100, state.SevThreshold, state.ConfThreshold)
	case metric.FalseAlarmRate > c.params.FalseAlarmCeiling:
		state.SevThreshold = clamp(state.SevThreshold+c.params.SevThresholdStep, 0, 10)
		state.ConfThreshold = clamp(state.ConfThreshold+c.params.ConfThresholdStep, 0, 1)
		return fmt.Sprintf("false-alarm rate %.0f%% exceeded ceiling %.0f%%; raised thresholds to %.2f/%.2f",
			metric.FalseAlarmRate*100, c.params.FalseAlarmCeiling*100, state.SevThreshold, state.ConfThreshold)
	}
	return "thresholds unchanged, rates within ceilings"
}

func (c *Controller) composeNote(metric *models.Metric, before, after models.FusionState, delta map[string]float64, thresholdNote string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("run metrics: false-alarm %.0f%%, severity MAE %.2f, brier %.3f",
		metric.FalseAlarmRate*100, metric.SeverityMAE, metric.BrierScore))
	parts = append(parts, thresholdNote)

	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if math.Abs(delta[name]) < 0.005 {
			continue
		}
		direction := "increased"
		if delta[name] < 0 {
			direction = "decreased"
		}
		parts = append(parts, fmt.Sprintf("%s weight %s %.2f into %.2f", name, direction, before.Weights[name], after.Weights[name]))
	}
	return strings.Join(parts, "; ")
}

// remember persists the run's strategy note with its embedding so the
// retrieval engine can surface it on later runs.
func (c *Controller) remember(ctx context.Context, runID, note string, state models.FusionState) error {
	vec, err := c.embedder.Embed(ctx, note)
	if err != nil {
		log.Printf("improve: embedding strategy note failed, storing without vector: %v", err)
		vec = nil
	}
	entry := &models.StrategyMemoryEntry{
		RunID:     runID,
		Note:      note,
		State:     state,
		Embedding: vec,
	}
	if err := c.store.InsertStrategyMemory(entry); err != nil {
		return fmt.Errorf("persist strategy memory: %w", err)
	}
	return nil
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
