package agents

import (
	"fmt"

	"github.com/sentinel-ew/sentinel/internal/gen"
)

const geoSystemPrompt = `You are a geospatial spread analyst for a pandemic early-warning system.
Assess how quickly an outbreak at this location could propagate: proximity to
travel hubs, population density and cross-border connectivity, informed by
similar prior outbreaks in the retrieved context. Score 0-10 where 10 is a
location primed for rapid international spread.`

// NewGeo creates the geospatial spread analyst.
func NewGeo(g gen.Generator, auditor Auditor) Specialist {
	return &runner{
		name:      NameGeo,
		system:    geoSystemPrompt,
		generator: g,
		fallback:  geoFallback,
		audit:     auditor,
	}
}

// geoFallback scores spread potential from the geo features when no
// model output is available.
func geoFallback(in Input) response {
	geo := in.Case.Geo

	score := (0.4*geo.TravelHubScore + 0.35*geo.PopDensityScore + 0.25*geo.BorderConnect) * 10.0
	score = clamp(score, 0, 10)
	confidence := clamp(0.5+0.4*in.Case.CredibilityScore, 0, 1)

	return response{
		Score:      score,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("rule-based geospatial estimate: travel hub %.2f, density %.2f, border connectivity %.2f", geo.TravelHubScore, geo.PopDensityScore, geo.BorderConnect),
		Evidence: []string{
			fmt.Sprintf("travel_hub_score=%.3f", geo.TravelHubScore),
			fmt.Sprintf("population_density_score=%.3f", geo.PopDensityScore),
			fmt.Sprintf("border_connectivity=%.3f", geo.BorderConnect),
		},
	}
}
