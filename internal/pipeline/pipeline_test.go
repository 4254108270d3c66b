package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinel-ew/sentinel/internal/agents"
	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/dispatch"
	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/gen"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/retrieval"
	"github.com/sentinel-ew/sentinel/internal/store"
)

type fixture struct {
	store    *store.Store
	pipeline *Pipeline
	manager  *approval.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	auditor := audit.NewWriter(s)
	embedder := embed.NewHashEmbedder(64)
	registry := dispatch.NewRegistry()
	registry.Register(dispatch.LogProvider{})
	manager := approval.NewManager(s, registry, auditor, "log", true, 3)

	corpus, err := retrieval.LoadCorpus(context.Background(), "", embedder)
	if err != nil {
		t.Fatalf("LoadCorpus() error = %v", err)
	}

	generator := gen.Local{}
	specialists := []agents.Specialist{
		agents.NewGenomics(generator, auditor),
		agents.NewEpiOsint(generator, auditor),
		agents.NewGeo(generator, auditor),
	}

	return &fixture{
		store:    s,
		manager:  manager,
		pipeline: New(s, auditor, embedder, corpus, specialists, manager, Options{RetrievalK: 3, MaxVectorScan: 100}),
	}
}

func defaultState() models.FusionState {
	return models.FusionState{
		Weights:       map[string]float64{"genomics": 0.4, "epi": 0.4, "geo": 0.2},
		SevThreshold:  7.0,
		ConfThreshold: 0.60,
	}
}

func severeCase(id string) *models.Case {
	return &models.Case{
		ID:      id,
		Country: "Vietnam",
		City:    "Hanoi",
		Date:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Genomic: models.GenomicFeatures{MutationNovelty: 0.95, LineageDeviation: 0.9, RecombinationFlag: true},
		EpiOsint: models.EpiOsintFeatures{
			NewsSnippets:    []string{"hospital cluster", "school closures", "icu at capacity", "export of cases", "official statement"},
			SourceTypes:     []string{"news", "social", "clinic", "government"},
			AnomalyScore:    0.95,
			ReliabilityHint: 0.9,
		},
		Geo: models.GeoFeatures{TravelHubScore: 0.95, PopDensityScore: 0.9, BorderConnect: 0.9},
	}
}

func quietCase(id string) *models.Case {
	return &models.Case{
		ID:      id,
		Country: "Norway",
		City:    "Tromso",
		Date:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Genomic: models.GenomicFeatures{MutationNovelty: 0.05, LineageDeviation: 0.05},
		EpiOsint: models.EpiOsintFeatures{
			NewsSnippets:    []string{"seasonal sniffles"},
			SourceTypes:     []string{"social"},
			AnomalyScore:    0.1,
			ReliabilityHint: 0.3,
		},
		Geo: models.GeoFeatures{TravelHubScore: 0.1, PopDensityScore: 0.1, BorderConnect: 0.1},
	}
}

func (f *fixture) startRun(t *testing.T) *models.Run {
	t.Helper()
	run, err := f.store.CreateRun(1, defaultState())
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	return run
}

func TestProcessCaseEligibleCreatesApproval(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	if err := f.pipeline.ProcessCase(context.Background(), run.ID, severeCase("case-1"), run.Snapshot); err != nil {
		t.Fatalf("ProcessCase() error = %v", err)
	}

	d, err := f.store.LatestDecision("case-1", run.ID)
	if err != nil {
		t.Fatalf("LatestDecision() error = %v", err)
	}
	if !d.Eligible {
		t.Fatalf("decision = %.2f/%.2f, want eligible", d.Severity, d.Confidence)
	}
	if d.Cycle != 1 {
		t.Errorf("cycle = %d, want 1", d.Cycle)
	}

	pending, err := f.manager.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].CaseID != "case-1" {
		t.Fatalf("pending = %+v, want one approval for case-1", pending)
	}

	outputs, err := f.store.ListAgentOutputs("case-1", run.ID)
	if err != nil {
		t.Fatalf("ListAgentOutputs() error = %v", err)
	}
	// ingest plus three specialists
	if len(outputs) != 4 {
		t.Errorf("agent outputs = %d, want 4", len(outputs))
	}
}

func TestProcessCaseIneligibleNoApproval(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	if err := f.pipeline.ProcessCase(context.Background(), run.ID, quietCase("case-1"), run.Snapshot); err != nil {
		t.Fatalf("ProcessCase() error = %v", err)
	}

	d, err := f.store.LatestDecision("case-1", run.ID)
	if err != nil {
		t.Fatalf("LatestDecision() error = %v", err)
	}
	if d.Eligible {
		t.Fatalf("quiet case should be ineligible, got %.2f/%.2f", d.Severity, d.Confidence)
	}

	pending, _ := f.manager.Pending()
	if len(pending) != 0 {
		t.Errorf("pending = %d approvals, want 0", len(pending))
	}
}

func TestProcessCaseRespectsLock(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	if err := f.store.AcquireCaseLock("case-1", "someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireCaseLock() error = %v", err)
	}
	err := f.pipeline.ProcessCase(context.Background(), run.ID, severeCase("case-1"), run.Snapshot)
	if !errors.Is(err, store.ErrCaseBusy) {
		t.Fatalf("ProcessCase() error = %v, want ErrCaseBusy", err)
	}
}

func TestReevaluateProducesNewCycle(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.pipeline.ProcessCase(ctx, run.ID, severeCase("case-1"), run.Snapshot); err != nil {
		t.Fatalf("ProcessCase() error = %v", err)
	}
	pending, _ := f.manager.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	res, err := f.manager.Resolve(ctx, pending[0].ID, models.ApprovalStatusMoreEvidence, "dr.chen", "need sequencing confirmation")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.MoreEvidence {
		t.Fatalf("resolution should request another cycle")
	}

	if err := f.pipeline.Reevaluate(ctx, "case-1", run.ID, "need sequencing confirmation"); err != nil {
		t.Fatalf("Reevaluate() error = %v", err)
	}

	decisions, err := f.store.ListDecisions("case-1", run.ID)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[1].Cycle != 2 {
		t.Errorf("second decision cycle = %d, want 2", decisions[1].Cycle)
	}

	// The severe case stays eligible, so a fresh pending approval
	// exists alongside the retained more-evidence record.
	history, err := f.store.ListApprovals("case-1", run.ID)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("approval history = %d, want 2", len(history))
	}
	if history[0].Status != models.ApprovalStatusMoreEvidence {
		t.Errorf("first approval = %s, want request_more_evidence", history[0].Status)
	}
	if history[1].Status != models.ApprovalStatusPending {
		t.Errorf("second approval = %s, want pending", history[1].Status)
	}
}

func TestProcessCaseWritesAuditTrail(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	if err := f.pipeline.ProcessCase(context.Background(), run.ID, severeCase("case-1"), run.Snapshot); err != nil {
		t.Fatalf("ProcessCase() error = %v", err)
	}

	events, err := f.store.ListAuditForCase("case-1", 100)
	if err != nil {
		t.Fatalf("ListAuditForCase() error = %v", err)
	}
	actions := make(map[string]bool)
	for _, e := range events {
		actions[e.Action] = true
	}
	for _, want := range []string{audit.ActionCaseIngested, audit.ActionAgentCompleted, audit.ActionDecisionFused, audit.ActionApprovalCreated} {
		if !actions[want] {
			t.Errorf("audit trail missing %s: %v", want, actions)
		}
	}
}
