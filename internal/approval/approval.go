// Package approval implements the human-review state machine. A
// pending approval moves to approved, rejected, or request_more_evidence
// on an externally supplied reviewer decision; the machine never
// auto-resolves. Approved decisions are handed to dispatch; a
// request_more_evidence resolution signals the pipeline to run another
// evidence cycle for the same case.
package approval

import (
	"context"
	"fmt"
	"log"

	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/dispatch"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// ErrInvalidStatus indicates the requested transition target is not a
// reviewer decision.
var ErrInvalidStatus = fmt.Errorf("invalid approval status")

// Manager drives approval transitions and the dispatch gate.
type Manager struct {
	store     *store.Store
	registry  *dispatch.Registry
	audit     *audit.Writer
	channel   string
	dryRun    bool
	maxCycles int
}

// NewManager creates the approval manager. channel names the dispatch
// provider for approved alerts; dryRun forces the log provider.
func NewManager(s *store.Store, registry *dispatch.Registry, auditor *audit.Writer, channel string, dryRun bool, maxCycles int) *Manager {
	if maxCycles <= 0 {
		maxCycles = 3
	}
	return &Manager{
		store:     s,
		registry:  registry,
		audit:     auditor,
		channel:   channel,
		dryRun:    dryRun,
		maxCycles: maxCycles,
	}
}

// Resolution is the outcome of one reviewer decision.
type Resolution struct {
	Approval *models.Approval
	// MoreEvidence is set when the reviewer asked for another evidence
	// cycle and the case has cycles remaining.
	MoreEvidence bool
}

// Pending lists approvals waiting for a reviewer, newest first.
func (m *Manager) Pending() ([]models.Approval, error) {
	return m.store.ListApprovalsByStatus(models.ApprovalStatusPending)
}

// CreatePending opens a new pending approval for an eligible decision.
func (m *Manager) CreatePending(d *models.Decision) (*models.Approval, error) {
	a := &models.Approval{
		RunID:      d.RunID,
		CaseID:     d.CaseID,
		DecisionID: d.ID,
		Cycle:      d.Cycle,
		Status:     models.ApprovalStatusPending,
	}
	if err := m.store.InsertApproval(a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	m.audit.Record(d.RunID, d.CaseID, audit.ActionApprovalCreated, "pipeline", map[string]interface{}{
		"approval_id": a.ID,
		"decision_id": d.ID,
		"cycle":       d.Cycle,
		"severity":    d.Severity,
		"confidence":  d.Confidence,
	})
	return a, nil
}

// Resolve applies a reviewer decision to a pending approval. Resolving
// an already-terminal approval fails with store.ErrApprovalFinal; the
// history of prior approvals for the case is never rewritten.
func (m *Manager) Resolve(ctx context.Context, approvalID string, status models.ApprovalStatus, reviewer, notes string) (*Resolution, error) {
	switch status {
	case models.ApprovalStatusApproved, models.ApprovalStatusRejected, models.ApprovalStatusMoreEvidence:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	a, err := m.store.ResolveApprovalTx(approvalID, status, reviewer, notes, nil)
	if err != nil {
		return nil, err
	}
	m.audit.Record(a.RunID, a.CaseID, audit.ActionApprovalUpdated, reviewer, map[string]interface{}{
		"approval_id": a.ID,
		"status":      status,
		"notes":       notes,
	})

	res := &Resolution{Approval: a}
	switch status {
	case models.ApprovalStatusApproved:
		m.dispatchAlert(ctx, a, reviewer)
	case models.ApprovalStatusMoreEvidence:
		if a.Cycle < m.maxCycles {
			res.MoreEvidence = true
		} else {
			log.Printf("approval: case %s exhausted its %d evidence cycles, no further re-evaluation", a.CaseID, m.maxCycles)
			m.audit.Record(a.RunID, a.CaseID, "evidence_cycles_exhausted", "pipeline", map[string]interface{}{
				"approval_id": a.ID,
				"cycle":       a.Cycle,
			})
		}
	}
	return res, nil
}

// dispatchAlert sends the alert for an approved case and records the
// outcome on the approval. A delivery failure is recorded, never
// retried; a human must re-approve to try again.
func (m *Manager) dispatchAlert(ctx context.Context, a *models.Approval, reviewer string) {
	alert := dispatch.Alert{
		CaseID:   a.CaseID,
		RunID:    a.RunID,
		Reviewer: reviewer,
	}
	if sc, err := m.store.GetCase(a.CaseID, a.RunID); err == nil {
		alert.Country = sc.Case.Country
		alert.City = sc.Case.City
	}
	if d, err := m.store.LatestDecision(a.CaseID, a.RunID); err == nil {
		alert.Severity = d.Severity
		alert.Confidence = d.Confidence
		alert.Suggestion = d.Suggestion
	}

	channel := m.channel
	if m.dryRun {
		channel = "log"
	}
	result := m.registry.Dispatch(ctx, channel, alert)
	a.Dispatch = &result

	if err := m.store.SetApprovalDispatch(a.ID, &result); err != nil {
		log.Printf("approval: failed to record dispatch result for %s: %v", a.ID, err)
	}

	action := audit.ActionAlertDispatched
	if !result.Dispatched {
		action = audit.ActionDispatchFailed
	}
	m.audit.Record(a.RunID, a.CaseID, action, "dispatch", map[string]interface{}{
		"approval_id": a.ID,
		"channel":     result.Channel,
		"error":       result.Error,
	})
}
