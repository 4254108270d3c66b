package caseload

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleLines = `{"case_id": "case-1", "country": "Vietnam", "city": "Hanoi", "date": "2025-03-10T00:00:00Z", "genomic": {"mutation_novelty": 0.8, "lineage_deviation": 0.6, "recombination_flag": true}, "epi_osint": {"news_snippets": ["cluster"], "source_types": ["news"], "anomaly_score": 0.7, "reliability_hint": 0.6}, "geo": {"travel_hub_score": 0.9, "population_density_score": 0.8, "border_connectivity": 0.5}, "ground_truth": {"true_outbreak": true, "true_severity": 8.0, "official_alert_date": "2025-03-15T00:00:00Z"}}
{"country": "Norway", "city": "Tromso", "date": "2025-03-11T00:00:00Z", "genomic": {}, "epi_osint": {}, "geo": {}}
{"case_id": "case-3", "country": "Brazil", "city": "Manaus", "date": "2025-03-12T00:00:00Z", "genomic": {}, "epi_osint": {}, "geo": {}}
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cases, err := Load(writeSample(t, sampleLines), 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("loaded %d cases, want 3", len(cases))
	}

	first := cases[0]
	if first.ID != "case-1" || first.Country != "Vietnam" {
		t.Errorf("first case = %s/%s", first.ID, first.Country)
	}
	if first.GroundTruth == nil || !first.GroundTruth.TrueOutbreak || first.GroundTruth.TrueSeverity != 8.0 {
		t.Errorf("ground truth = %+v", first.GroundTruth)
	}
	if !first.Genomic.RecombinationFlag {
		t.Errorf("genomic features not parsed")
	}

	// A case without an id gets one assigned.
	if cases[1].ID == "" {
		t.Errorf("missing case id not assigned")
	}
	if cases[1].GroundTruth != nil {
		t.Errorf("absent ground truth should stay nil")
	}
	for _, c := range cases {
		if c.IngestedAt.IsZero() {
			t.Errorf("case %s has no ingest timestamp", c.ID)
		}
	}
}

func TestLoadLimit(t *testing.T) {
	cases, err := Load(writeSample(t, sampleLines), 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cases) != 2 {
		t.Errorf("loaded %d cases, want 2", len(cases))
	}
}

func TestLoadMalformedLine(t *testing.T) {
	if _, err := Load(writeSample(t, "{not json}\n"), 0); err == nil {
		t.Fatalf("Load() should fail on a malformed line")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"), 0); err == nil {
		t.Fatalf("Load() should fail on a missing file")
	}
}
