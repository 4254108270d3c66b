package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentinel-ew/sentinel/internal/agents"
	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/dispatch"
	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/gen"
	"github.com/sentinel-ew/sentinel/internal/improve"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/pipeline"
	"github.com/sentinel-ew/sentinel/internal/retrieval"
	"github.com/sentinel-ew/sentinel/internal/scheduler"
	"github.com/sentinel-ew/sentinel/internal/store"
)

const sampleCases = `{"case_id": "case-1", "country": "Vietnam", "city": "Hanoi", "date": "2025-03-10T00:00:00Z", "genomic": {"mutation_novelty": 0.95, "lineage_deviation": 0.9, "recombination_flag": true}, "epi_osint": {"news_snippets": ["a", "b", "c", "d", "e"], "source_types": ["news", "social", "clinic", "government"], "anomaly_score": 0.95, "reliability_hint": 0.9}, "geo": {"travel_hub_score": 0.95, "population_density_score": 0.9, "border_connectivity": 0.9}, "ground_truth": {"true_outbreak": true, "true_severity": 9.0, "official_alert_date": "2025-03-20T00:00:00Z"}}
{"case_id": "case-2", "country": "Norway", "city": "Tromso", "date": "2025-03-11T00:00:00Z", "genomic": {"mutation_novelty": 0.05, "lineage_deviation": 0.05}, "epi_osint": {"news_snippets": ["x"], "source_types": ["social"], "anomaly_score": 0.1, "reliability_hint": 0.3}, "geo": {"travel_hub_score": 0.1, "population_density_score": 0.1, "border_connectivity": 0.1}, "ground_truth": {"true_outbreak": false, "true_severity": 1.0}}
`

type fixture struct {
	url          string
	orchestrator *scheduler.Orchestrator
	store        *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dataPath := filepath.Join(dir, "cases.jsonl")
	if err := os.WriteFile(dataPath, []byte(sampleCases), 0644); err != nil {
		t.Fatalf("write cases: %v", err)
	}

	auditor := audit.NewWriter(s)
	embedder := embed.NewHashEmbedder(64)
	registry := dispatch.NewRegistry()
	registry.Register(dispatch.LogProvider{})
	manager := approval.NewManager(s, registry, auditor, "log", true, 3)
	corpus, _ := retrieval.LoadCorpus(context.Background(), "", embedder)

	specialists := []agents.Specialist{
		agents.NewGenomics(gen.Local{}, auditor),
		agents.NewEpiOsint(gen.Local{}, auditor),
		agents.NewGeo(gen.Local{}, auditor),
	}
	p := pipeline.New(s, auditor, embedder, corpus, specialists, manager, pipeline.Options{RetrievalK: 3, MaxVectorScan: 100})
	improver := improve.NewController(s, embedder, auditor, improve.Params{
		LearningRate:      0.08,
		SevThresholdStep:  0.1,
		ConfThresholdStep: 0.01,
		FalseAlarmCeiling: 0.30,
		MissCeiling:       0.20,
		MinWeight:         0.05,
	})
	state := models.FusionState{
		Weights:       map[string]float64{"genomics": 0.4, "epi": 0.4, "geo": 0.2},
		SevThreshold:  7.0,
		ConfThreshold: 0.60,
	}
	o := scheduler.New(s, auditor, p, improver, state, scheduler.Config{Workers: 2, DataPath: dataPath})

	svc := NewService(s, o, manager, p, dataPath)
	ts := httptest.NewServer(NewServer(svc, "", "").Handler())
	t.Cleanup(ts.Close)

	return &fixture{url: ts.URL, orchestrator: o, store: s}
}

// runBatch starts a run over the HTTP API and waits for it to finish.
func (f *fixture) runBatch(t *testing.T) models.Run {
	t.Helper()
	resp, err := http.Post(f.url+"/runs", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /runs error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /runs status = %d, want 202", resp.StatusCode)
	}
	var run models.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	f.orchestrator.Wait()
	return run
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postDecision(t *testing.T, url string, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if code := getJSON(t, f.url+"/health", nil); code != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", code)
	}
}

func TestStartRunAndStatus(t *testing.T) {
	f := newFixture(t)
	run := f.runBatch(t)

	var detail RunDetail
	if code := getJSON(t, f.url+"/runs/"+run.ID, &detail); code != http.StatusOK {
		t.Fatalf("GET /runs/{id} status = %d, want 200", code)
	}
	if detail.Run.Status != models.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", detail.Run.Status)
	}
	if detail.Run.Processed != 2 {
		t.Errorf("processed = %d, want 2", detail.Run.Processed)
	}
	if detail.Metric == nil {
		t.Error("metric missing from completed run detail")
	}
}

func TestStartRunRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.CreateRun(1, models.FusionState{Weights: map[string]float64{"genomics": 1}}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	resp, err := http.Post(f.url+"/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /runs error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("POST /runs status = %d, want 409", resp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t)
	if code := getJSON(t, f.url+"/runs/no-such-run", nil); code != http.StatusNotFound {
		t.Errorf("GET /runs/{id} status = %d, want 404", code)
	}
}

func TestCaseDetail(t *testing.T) {
	f := newFixture(t)
	f.runBatch(t)

	var detail CaseDetail
	if code := getJSON(t, f.url+"/cases/case-1", &detail); code != http.StatusOK {
		t.Fatalf("GET /cases/case-1 status = %d, want 200", code)
	}
	if detail.Case.ID != "case-1" {
		t.Errorf("case id = %s, want case-1", detail.Case.ID)
	}
	if len(detail.Agents) != 4 {
		t.Errorf("agent outputs = %d, want 4", len(detail.Agents))
	}
	if len(detail.Decisions) != 1 {
		t.Errorf("decisions = %d, want 1", len(detail.Decisions))
	}
	if len(detail.Audit) == 0 {
		t.Error("audit trail empty")
	}

	if code := getJSON(t, f.url+"/cases/no-such-case", nil); code != http.StatusNotFound {
		t.Errorf("GET /cases/{id} status = %d, want 404", code)
	}
}

func TestApprovalQueueAndDecision(t *testing.T) {
	f := newFixture(t)
	f.runBatch(t)

	var queue []models.Approval
	if code := getJSON(t, f.url+"/approvals", &queue); code != http.StatusOK {
		t.Fatalf("GET /approvals status = %d, want 200", code)
	}
	if len(queue) != 1 || queue[0].CaseID != "case-1" {
		t.Fatalf("queue = %+v, want one pending approval for case-1", queue)
	}

	base := f.url + "/approvals/" + queue[0].ID

	// Reviewer is mandatory.
	if code := postDecision(t, base+"/decision", `{"status": "approved"}`); code != http.StatusBadRequest {
		t.Errorf("decision without reviewer status = %d, want 400", code)
	}
	// Only approved, rejected and more_evidence are valid submissions.
	if code := postDecision(t, base+"/decision", `{"status": "escalate", "reviewer": "dr.chen"}`); code != http.StatusBadRequest {
		t.Errorf("invalid status submission = %d, want 400", code)
	}

	if code := postDecision(t, base+"/decision", `{"status": "approved", "reviewer": "dr.chen", "notes": "confirmed"}`); code != http.StatusOK {
		t.Errorf("approve status = %d, want 200", code)
	}

	var resolved models.Approval
	if code := getJSON(t, base, &resolved); code != http.StatusOK {
		t.Fatalf("GET approval status = %d, want 200", code)
	}
	if resolved.Status != models.ApprovalStatusApproved {
		t.Errorf("status = %s, want approved", resolved.Status)
	}
	if resolved.Dispatch == nil || !resolved.Dispatch.Dispatched {
		t.Errorf("dispatch = %+v, want delivered result", resolved.Dispatch)
	}

	// A settled approval rejects further decisions.
	if code := postDecision(t, base+"/decision", `{"status": "rejected", "reviewer": "dr.chen"}`); code != http.StatusConflict {
		t.Errorf("re-decision status = %d, want 409", code)
	}

	if code := getJSON(t, f.url+"/approvals/no-such-approval", nil); code != http.StatusNotFound {
		t.Errorf("GET unknown approval status = %d, want 404", code)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.runBatch(t)

	var d Dashboard
	if code := getJSON(t, f.url+"/dashboard", &d); code != http.StatusOK {
		t.Fatalf("GET /dashboard status = %d, want 200", code)
	}
	if d.ActiveRuns != 0 {
		t.Errorf("active runs = %d, want 0", d.ActiveRuns)
	}
	if d.PendingApprovals != 1 {
		t.Errorf("pending approvals = %d, want 1", d.PendingApprovals)
	}
	if len(d.FusionState.Weights) != 3 {
		t.Errorf("fusion state weights = %v, want 3 entries", d.FusionState.Weights)
	}
	if d.LatestMetric == nil {
		t.Error("latest metric missing")
	}
}
