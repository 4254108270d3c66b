// Package audit writes the append-only trail of state-mutating actions:
// ingests, agent completions, fused decisions, approvals and dispatches.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// Actions recorded on the audit trail.
const (
	ActionRunStarted      = "run_started"
	ActionRunFinished     = "run_finished"
	ActionCaseIngested    = "case_ingested"
	ActionAgentCompleted  = "agent_completed"
	ActionAgentFallback   = "agent_fallback"
	ActionDecisionFused   = "decision_fused"
	ActionApprovalCreated = "approval_created"
	ActionApprovalUpdated = "approval_updated"
	ActionAlertDispatched = "alert_dispatched"
	ActionDispatchFailed  = "dispatch_failed"
	ActionStateUpdated    = "fusion_state_updated"
	ActionMetricsComputed = "metrics_computed"
)

// Writer records audit events. Audit failures never abort the action
// being recorded; they are logged and dropped.
type Writer struct {
	store *store.Store
}

// NewWriter creates an audit writer backed by the evidence store.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Record appends one audit event. The payload is serialized alongside a
// SHA256 digest so any record can be checked against replayed inputs.
func (w *Writer) Record(runID, caseID, action, actor string, payload interface{}) {
	body := map[string]interface{}{
		"data": payload,
		"hash": hashInputs(payload),
	}
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{}`)
	}
	event := &models.AuditEvent{
		RunID:   runID,
		CaseID:  caseID,
		Action:  action,
		Actor:   actor,
		Payload: string(data),
	}
	if err := w.store.AppendAudit(event); err != nil {
		log.Printf("audit: failed to record %s for case %s: %v", action, caseID, err)
	}
}

// hashInputs creates a SHA256 digest of the payload for reproducibility.
func hashInputs(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return "hash_error"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
