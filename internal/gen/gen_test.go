package gen

import (
	"context"
	"encoding/json"
	"testing"
)

func TestLocalGeneratorAlwaysFails(t *testing.T) {
	if _, err := (Local{}).Generate(context.Background(), "system", "user"); err == nil {
		t.Fatalf("Local.Generate() should fail so agents use their fallback")
	}
}

func TestNewFallsBackToLocal(t *testing.T) {
	if _, ok := New("openai", "", "", "").(Local); !ok {
		t.Errorf("openai without key should yield Local")
	}
	if _, ok := New("anthropic", "", "", "").(Local); !ok {
		t.Errorf("anthropic without key should yield Local")
	}
	if _, ok := New("local", "key", "key", "").(Local); !ok {
		t.Errorf("local provider should yield Local")
	}
	if _, ok := New("openai", "sk-test", "", "").(*OpenAI); !ok {
		t.Errorf("openai with key should yield OpenAI")
	}
	if _, ok := New("anthropic", "", "sk-test", "").(*Anthropic); !ok {
		t.Errorf("anthropic with key should yield Anthropic")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantKey  string
	}{
		{
			name:     "bare object",
			response: `{"score": 7.5, "confidence": 0.8}`,
			wantKey:  "score",
		},
		{
			name:     "json code fence",
			response: "Here is my assessment:\n```json\n{\"score\": 6.0}\n```",
			wantKey:  "score",
		},
		{
			name:     "plain code fence",
			response: "```\n{\"score\": 6.0}\n```",
			wantKey:  "score",
		},
		{
			name:     "surrounding prose",
			response: "Based on the evidence, {\"score\": 5.5, \"rationale\": \"moderate\"} is my answer.",
			wantKey:  "rationale",
		},
		{
			name:     "multiline object",
			response: "{\n  \"score\": 8.2,\n  \"confidence\": 0.71\n}",
			wantKey:  "confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.response)
			if err != nil {
				t.Fatalf("ExtractJSON() error = %v", err)
			}
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
				t.Fatalf("extracted text is not valid JSON: %v\n%s", err, raw)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("parsed object missing key %q: %v", tt.wantKey, parsed)
			}
		})
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := ExtractJSON("I cannot assess this case."); err == nil {
		t.Fatalf("ExtractJSON() should fail when no object is present")
	}
}
