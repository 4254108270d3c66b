// Package controlplane provides the HTTP API and service layer for
// Sentinel: starting runs, inspecting cases and resolving approvals.
package controlplane

import (
	"context"
	"errors"
	"log"

	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/caseload"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/pipeline"
	"github.com/sentinel-ew/sentinel/internal/scheduler"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store        *store.Store
	orchestrator *scheduler.Orchestrator
	approvals    *approval.Manager
	pipeline     *pipeline.Pipeline
	dataPath     string
}

// NewService creates the control plane service.
func NewService(s *store.Store, o *scheduler.Orchestrator, approvals *approval.Manager, p *pipeline.Pipeline, dataPath string) *Service {
	return &Service{
		store:        s,
		orchestrator: o,
		approvals:    approvals,
		pipeline:     p,
		dataPath:     dataPath,
	}
}

// StartRun loads up to limit cases from the configured feed and starts
// a run. The run executes in the background.
func (s *Service) StartRun(ctx context.Context, limit int) (*models.Run, error) {
	cases, err := caseload.Load(s.dataPath, limit)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.StartRun(ctx, cases)
}

// RunDetail is a run with its metric once computed.
type RunDetail struct {
	Run    models.Run     `json:"run"`
	Metric *models.Metric `json:"metric,omitempty"`
}

// GetRun retrieves a run and, when the improvement pass has finished,
// its metric.
func (s *Service) GetRun(id string) (*RunDetail, error) {
	run, err := s.store.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: *run}
	if m, err := s.store.GetMetric(id); err == nil {
		detail.Metric = m
	}
	return detail, nil
}

// CaseDetail is everything recorded for one case in one run.
type CaseDetail struct {
	Case       models.Case           `json:"case"`
	Normalized models.NormalizedCase `json:"normalized"`
	Agents     []models.AgentOutput  `json:"agent_outputs"`
	Decisions  []models.Decision     `json:"decisions"`
	Approvals  []models.Approval     `json:"approvals"`
	Audit      []models.AuditEvent   `json:"audit"`
}

// GetCase assembles the full case record: raw and normalized case,
// agent outputs, decision and approval history, and the audit trail.
func (s *Service) GetCase(caseID, runID string) (*CaseDetail, error) {
	sc, err := s.store.GetCase(caseID, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = sc.Normalized.RunID
	}

	detail := &CaseDetail{Case: sc.Case, Normalized: sc.Normalized}
	if detail.Agents, err = s.store.ListAgentOutputs(caseID, runID); err != nil {
		return nil, err
	}
	if detail.Decisions, err = s.store.ListDecisions(caseID, runID); err != nil {
		return nil, err
	}
	if detail.Approvals, err = s.store.ListApprovals(caseID, runID); err != nil {
		return nil, err
	}
	if detail.Audit, err = s.store.ListAuditForCase(caseID, 200); err != nil {
		return nil, err
	}
	return detail, nil
}

// PendingApprovals lists the reviewer queue.
func (s *Service) PendingApprovals() ([]models.Approval, error) {
	return s.approvals.Pending()
}

// GetApproval retrieves one approval.
func (s *Service) GetApproval(id string) (*models.Approval, error) {
	a, err := s.store.GetApproval(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrApprovalNotFound
	}
	return a, err
}

// SubmitApproval applies a reviewer decision. A request for more
// evidence schedules the case's next cycle in the background so the
// reviewer call never blocks on retrieval and agents.
func (s *Service) SubmitApproval(ctx context.Context, approvalID string, status models.ApprovalStatus, reviewer, notes string) (*models.Approval, error) {
	res, err := s.approvals.Resolve(ctx, approvalID, status, reviewer, notes)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}

	if res.MoreEvidence {
		a := res.Approval
		go func() {
			if err := s.pipeline.Reevaluate(context.WithoutCancel(ctx), a.CaseID, a.RunID, notes); err != nil {
				log.Printf("controlplane: re-evaluation of case %s failed: %v", a.CaseID, err)
			}
		}()
	}
	return res.Approval, nil
}

// Dashboard summarizes the system for the landing view.
type Dashboard struct {
	ActiveRuns       int                `json:"active_runs"`
	PendingApprovals int                `json:"pending_approvals"`
	FusionState      models.FusionState `json:"fusion_state"`
	LatestMetric     *models.Metric     `json:"latest_metric,omitempty"`
}

// GetDashboard builds the summary view.
func (s *Service) GetDashboard() (*Dashboard, error) {
	active, err := s.store.CountActiveRuns()
	if err != nil {
		return nil, err
	}
	pending, err := s.approvals.Pending()
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		ActiveRuns:       active,
		PendingApprovals: len(pending),
		FusionState:      s.orchestrator.CurrentState(),
	}
	if m, err := s.store.LatestMetric(); err == nil {
		d.LatestMetric = m
	}
	return d, nil
}
