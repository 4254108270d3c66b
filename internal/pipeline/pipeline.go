// Package pipeline processes one case end to end: normalize, embed,
// retrieve context, run the specialist agents, fuse their outputs and
// gate the result behind the guardrail. It also re-runs the cycle when
// a reviewer requests more evidence.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-ew/sentinel/internal/agents"
	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/fusion"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/retrieval"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// lockTTL bounds how long a crashed worker can hold a case.
const lockTTL = 5 * time.Minute

// Options are the pipeline tunables.
type Options struct {
	RetrievalK    int
	MaxVectorScan int
	StrategyHints int
}

// Pipeline owns the per-case processing flow.
type Pipeline struct {
	store       *store.Store
	audit       *audit.Writer
	embedder    embed.Embedder
	corpus      *retrieval.CorpusSource
	specialists []agents.Specialist
	approvals   *approval.Manager
	opts        Options
}

// New creates a pipeline.
func New(s *store.Store, auditor *audit.Writer, embedder embed.Embedder, corpus *retrieval.CorpusSource, specialists []agents.Specialist, approvals *approval.Manager, opts Options) *Pipeline {
	if opts.RetrievalK <= 0 {
		opts.RetrievalK = 3
	}
	if opts.StrategyHints <= 0 {
		opts.StrategyHints = 3
	}
	return &Pipeline{
		store:       s,
		audit:       auditor,
		embedder:    embedder,
		corpus:      corpus,
		specialists: specialists,
		approvals:   approvals,
		opts:        opts,
	}
}

// ProcessCase ingests a raw case and runs its first evidence cycle
// under the run's fusion-state snapshot.
func (p *Pipeline) ProcessCase(ctx context.Context, runID string, c *models.Case, state models.FusionState) error {
	holder := uuid.New().String()
	if err := p.store.AcquireCaseLock(c.ID, holder, lockTTL); err != nil {
		return err
	}
	defer p.store.ReleaseCaseLock(c.ID, holder)

	nc := agents.Normalize(c)
	nc.RunID = runID

	vec, err := p.embedder.Embed(ctx, embed.CaseText(nc, ""))
	if err != nil {
		return fmt.Errorf("embed case %s: %w", c.ID, err)
	}
	nc.Embedding = vec

	if c.IngestedAt.IsZero() {
		c.IngestedAt = time.Now().UTC()
	}
	if err := p.store.InsertCase(c, nc); err != nil {
		return err
	}
	p.audit.Record(runID, c.ID, audit.ActionCaseIngested, "pipeline", map[string]interface{}{
		"credibility": nc.CredibilityScore,
		"country":     c.Country,
		"city":        c.City,
	})

	ingest := agents.IngestOutput(nc)
	ingest.Cycle = 1
	if err := p.store.InsertAgentOutput(&ingest); err != nil {
		return err
	}

	return p.runCycle(ctx, nc, state, 1, vec)
}

// Reevaluate runs a fresh evidence cycle for a case after a reviewer
// asked for more evidence. The query embedding is enriched with the
// reviewer's notes and the retrieval breadth grows with each cycle.
// The fusion state is the owning run's snapshot, so a re-evaluation
// landing mid-way through a later run still scores consistently.
func (p *Pipeline) Reevaluate(ctx context.Context, caseID, runID, reviewerNotes string) error {
	holder := uuid.New().String()
	if err := p.store.AcquireCaseLock(caseID, holder, lockTTL); err != nil {
		return err
	}
	defer p.store.ReleaseCaseLock(caseID, holder)

	sc, err := p.store.GetCase(caseID, runID)
	if err != nil {
		return err
	}
	run, err := p.store.GetRun(runID)
	if err != nil {
		return err
	}
	prev, err := p.store.LatestDecision(caseID, runID)
	if err != nil {
		return err
	}

	nc := &sc.Normalized
	vec, err := p.embedder.Embed(ctx, embed.CaseText(nc, reviewerNotes))
	if err != nil {
		return fmt.Errorf("embed case %s: %w", caseID, err)
	}

	return p.runCycle(ctx, nc, run.Snapshot, prev.Cycle+1, vec)
}

// runCycle performs one retrieval-through-guardrail pass.
func (p *Pipeline) runCycle(ctx context.Context, nc *models.NormalizedCase, state models.FusionState, cycle int, queryVec []float64) error {
	// Each extra evidence cycle widens the net.
	k := p.opts.RetrievalK + 2*(cycle-1)

	history := retrieval.NewCaseHistorySource(p.store, p.opts.MaxVectorScan).Filtered(nc.CaseID, nc.Date)
	strategy := retrieval.NewStrategyMemorySource(p.store, p.opts.MaxVectorScan)
	engine := retrieval.NewEngine(nil, history, p.corpus, strategy)

	snippets := engine.Retrieve(ctx, queryVec, embed.CaseText(nc, ""), k)

	var hints []string
	for _, s := range snippets {
		if s.Source == retrieval.SourceStrategy && len(hints) < p.opts.StrategyHints {
			hints = append(hints, s.Text)
		}
	}

	in := agents.Input{Case: nc, Context: snippets, StrategyHints: hints}

	// Specialists are independent; fusion waits on all of them. Each
	// Evaluate deterministically returns via its fallback, so the join
	// never blocks on a partial set.
	outputs := make([]models.AgentOutput, len(p.specialists))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range p.specialists {
		i, sp := i, sp
		g.Go(func() error {
			out := sp.Evaluate(gctx, in)
			out.Cycle = cycle
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range outputs {
		if err := p.store.InsertAgentOutput(&outputs[i]); err != nil {
			return err
		}
	}
	p.audit.Record(nc.RunID, nc.CaseID, audit.ActionAgentCompleted, "pipeline", map[string]interface{}{
		"cycle":  cycle,
		"agents": len(outputs),
	})

	decision := fusion.Fuse(outputs, state)
	decision.RunID = nc.RunID
	decision.CaseID = nc.CaseID
	decision.Cycle = cycle
	if err := p.store.InsertDecision(&decision); err != nil {
		return err
	}
	p.audit.Record(nc.RunID, nc.CaseID, audit.ActionDecisionFused, "pipeline", map[string]interface{}{
		"cycle":      cycle,
		"severity":   decision.Severity,
		"confidence": decision.Confidence,
		"eligible":   decision.Eligible,
	})

	if decision.Eligible {
		if _, err := p.approvals.CreatePending(&decision); err != nil {
			return err
		}
	}
	return nil
}
