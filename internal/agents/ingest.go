package agents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinel-ew/sentinel/internal/models"
)

// Normalize projects a raw case into its canonical form: typed fields,
// a credibility score per the source mix, and derived pressure scores.
// Normalization is deterministic because the normalized case is written
// exactly once and everything downstream keys off it.
func Normalize(c *models.Case) *models.NormalizedCase {
	epi := c.EpiOsint
	diversity := sourceDiversity(epi.SourceTypes)
	newsVolume := clamp(float64(len(epi.NewsSnippets))/5.0, 0, 1)

	credibility := clamp(0.55*epi.ReliabilityHint+0.25*diversity+0.20*newsVolume, 0, 1)

	recombination := 0.0
	if c.Genomic.RecombinationFlag {
		recombination = 0.15
	}
	genomicPressure := c.Genomic.MutationNovelty*0.5 + c.Genomic.LineageDeviation*0.35 + recombination
	geoPressure := (c.Geo.TravelHubScore + c.Geo.PopDensityScore + c.Geo.BorderConnect) / 3.0

	return &models.NormalizedCase{
		CaseID:           c.ID,
		Country:          c.Country,
		City:             c.City,
		Date:             c.Date,
		PathogenLabel:    c.PathogenLabel,
		CredibilityScore: round3(credibility),
		GenomicPressure:  round3(genomicPressure),
		GeoPressure:      round3(geoPressure),
		Genomic:          c.Genomic,
		EpiOsint:         c.EpiOsint,
		Geo:              c.Geo,
		CreatedAt:        time.Now().UTC(),
	}
}

// IngestOutput records the normalization pass on the agent trail so the
// credibility assessment is auditable alongside the specialist scores.
func IngestOutput(nc *models.NormalizedCase) models.AgentOutput {
	riskSignal := clamp(0.4*nc.GenomicPressure+0.35*nc.EpiOsint.AnomalyScore+0.25*nc.GeoPressure, 0, 1)

	payload, err := json.Marshal(map[string]interface{}{
		"credibility_score":        nc.CredibilityScore,
		"derived_genomic_pressure": nc.GenomicPressure,
		"derived_geo_pressure":     nc.GeoPressure,
		"risk_signal":              round3(riskSignal),
	})
	if err != nil {
		payload = []byte(`{}`)
	}

	return models.AgentOutput{
		CaseID:     nc.CaseID,
		RunID:      nc.RunID,
		AgentName:  NameIngest,
		Score:      round3(riskSignal * 10.0),
		Confidence: round3(clamp(0.5+0.45*nc.CredibilityScore, 0, 1)),
		Rationale:  fmt.Sprintf("normalized with credibility %.3f from %d source types and %d snippets", nc.CredibilityScore, len(nc.EpiOsint.SourceTypes), len(nc.EpiOsint.NewsSnippets)),
		Payload:    string(payload),
		CreatedAt:  time.Now().UTC(),
	}
}
