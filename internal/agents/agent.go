// Package agents implements the specialist analysts. Each agent builds
// a prompt from the case and retrieved context, asks the generation
// capability for structured JSON, validates it, retries once with a
// repair instruction, and falls back to a deterministic rule-based
// estimator so evaluation never fails.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/gen"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/retrieval"
)

// Auditor records agent lifecycle events on the audit trail. A nil
// auditor disables recording.
type Auditor interface {
	Record(runID, caseID, action, actor string, payload interface{})
}

// Agent names, matching the fusion weight keys.
const (
	NameIngest   = "ingest"
	NameGenomics = "genomics"
	NameEpiOsint = "epi"
	NameGeo      = "geo"
)

// Input bundles everything an agent sees for one evaluation.
type Input struct {
	Case          *models.NormalizedCase
	Context       []retrieval.Snippet
	StrategyHints []string
}

// Specialist evaluates one case. Evaluate always returns an output;
// model failures are absorbed by the rule-based fallback.
type Specialist interface {
	Name() string
	Evaluate(ctx context.Context, in Input) models.AgentOutput
}

// response is the JSON schema every specialist asks the model for.
type response struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Evidence   []string `json:"evidence,omitempty"`
}

func (r *response) validate() error {
	if r.Score < 0 || r.Score > 10 {
		return fmt.Errorf("score %.3f outside [0, 10]", r.Score)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", r.Confidence)
	}
	if strings.TrimSpace(r.Rationale) == "" {
		return fmt.Errorf("rationale is empty")
	}
	return nil
}

const responseSchema = `{"score": <float 0-10>, "confidence": <float 0-1>, "rationale": "<string>", "evidence": ["<string>", ...]}`

// runner drives the generate/validate/repair/fallback flow shared by
// all specialists.
type runner struct {
	name      string
	system    string
	generator gen.Generator
	fallback  func(in Input) response
	audit     Auditor
}

// Name implements Specialist.
func (r *runner) Name() string { return r.name }

// Evaluate implements Specialist.
func (r *runner) Evaluate(ctx context.Context, in Input) models.AgentOutput {
	resp, viaModel := r.generate(ctx, in)
	if !viaModel {
		resp = r.fallback(in)
		resp.clampRounded()
		if r.audit != nil {
			r.audit.Record(in.Case.RunID, in.Case.CaseID, audit.ActionAgentFallback, r.name, map[string]interface{}{
				"score":      resp.Score,
				"confidence": resp.Confidence,
			})
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		payload = []byte(`{}`)
	}
	return models.AgentOutput{
		CaseID:     in.Case.CaseID,
		RunID:      in.Case.RunID,
		AgentName:  r.name,
		Score:      resp.Score,
		Confidence: resp.Confidence,
		Rationale:  resp.Rationale,
		Payload:    string(payload),
		CreatedAt:  time.Now().UTC(),
	}
}

// generate runs one model attempt plus one repair attempt. It reports
// whether a valid response was obtained.
func (r *runner) generate(ctx context.Context, in Input) (response, bool) {
	prompt := buildUserPrompt(in)

	raw, err := r.generator.Generate(ctx, r.system, prompt)
	if err != nil {
		log.Printf("agent %s: generation failed, using fallback: %v", r.name, err)
		return response{}, false
	}

	resp, vErr := parseResponse(raw)
	if vErr == nil {
		return resp, true
	}

	// One repair attempt that echoes the validation error.
	repair := fmt.Sprintf(
		"Your previous output was invalid: %v.\nReturn ONLY a JSON object matching this schema, no markdown:\n%s\n\nPrevious output:\n%s",
		vErr, responseSchema, raw,
	)
	raw, err = r.generator.Generate(ctx, r.system, repair)
	if err != nil {
		log.Printf("agent %s: repair generation failed, using fallback: %v", r.name, err)
		return response{}, false
	}
	resp, vErr = parseResponse(raw)
	if vErr != nil {
		log.Printf("agent %s: repair output still invalid, using fallback: %v", r.name, vErr)
		return response{}, false
	}
	return resp, true
}

func parseResponse(raw string) (response, error) {
	text, err := gen.ExtractJSON(raw)
	if err != nil {
		return response{}, err
	}
	var resp response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if err := resp.validate(); err != nil {
		return response{}, err
	}
	return resp, nil
}

func buildUserPrompt(in Input) string {
	var b strings.Builder
	caseJSON, _ := json.Marshal(in.Case)
	fmt.Fprintf(&b, "Case JSON:\n%s\n\n", caseJSON)

	b.WriteString("Retrieved context:\n")
	if len(in.Context) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range in.Context {
		fmt.Fprintf(&b, "- [%s sim=%.2f] %s\n", s.Source, s.Similarity, s.Text)
	}

	if len(in.StrategyHints) > 0 {
		b.WriteString("\nLearned strategy notes from past runs:\n")
		for _, hint := range in.StrategyHints {
			fmt.Fprintf(&b, "- %s\n", hint)
		}
	}

	fmt.Fprintf(&b, "\nRespond with ONLY a JSON object matching:\n%s", responseSchema)
	return b.String()
}

func (r *response) clampRounded() {
	r.Score = round3(clamp(r.Score, 0, 10))
	r.Confidence = round3(clamp(r.Confidence, 0, 1))
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

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
