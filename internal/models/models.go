// Package models defines the core domain types for Sentinel.
package models

import "time"

// ApprovalStatus represents the current state of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending      ApprovalStatus = "pending"
	ApprovalStatusApproved     ApprovalStatus = "approved"
	ApprovalStatusRejected     ApprovalStatus = "rejected"
	ApprovalStatusMoreEvidence ApprovalStatus = "request_more_evidence"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}

// RunStatus represents the current state of a batch run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// GenomicFeatures holds the genomic signal fields of a case.
type GenomicFeatures struct {
	MutationNovelty   float64 `json:"mutation_novelty"`
	LineageDeviation  float64 `json:"lineage_deviation"`
	RecombinationFlag bool    `json:"recombination_flag"`
	Notes             string  `json:"notes,omitempty"`
}

// EpiOsintFeatures holds the epidemiological/OSINT signal fields of a case.
type EpiOsintFeatures struct {
	NewsSnippets    []string `json:"news_snippets"`
	SourceTypes     []string `json:"source_types"`
	AnomalyScore    float64  `json:"anomaly_score"`
	ReliabilityHint float64  `json:"reliability_hint"`
}

// GeoFeatures holds the geospatial signal fields of a case.
type GeoFeatures struct {
	TravelHubScore  float64 `json:"travel_hub_score"`
	PopDensityScore float64 `json:"population_density_score"`
	BorderConnect   float64 `json:"border_connectivity"`
}

// GroundTruth is the optional label attached to a synthetic case.
type GroundTruth struct {
	TrueOutbreak      bool      `json:"true_outbreak"`
	TrueSeverity      float64   `json:"true_severity"`
	OfficialAlertDate time.Time `json:"official_alert_date"`
}

// Case is one immutable outbreak-signal record to be assessed.
type Case struct {
	ID            string           `json:"case_id"`
	Country       string           `json:"country"`
	City          string           `json:"city"`
	Lat           float64          `json:"lat"`
	Lon           float64          `json:"lon"`
	Date          time.Time        `json:"date"`
	PathogenLabel string           `json:"pathogen_label,omitempty"`
	Genomic       GenomicFeatures  `json:"genomic"`
	EpiOsint      EpiOsintFeatures `json:"epi_osint"`
	Geo           GeoFeatures      `json:"geo"`
	GroundTruth   *GroundTruth     `json:"ground_truth,omitempty"`
	IngestedAt    time.Time        `json:"ingested_at"`
}

// NormalizedCase is the canonical projection of a Case after ingest.
type NormalizedCase struct {
	CaseID           string           `json:"case_id"`
	RunID            string           `json:"run_id"`
	Country          string           `json:"country"`
	City             string           `json:"city"`
	Date             time.Time        `json:"date"`
	PathogenLabel    string           `json:"pathogen_label,omitempty"`
	CredibilityScore float64          `json:"credibility_score"`
	GenomicPressure  float64          `json:"derived_genomic_pressure"`
	GeoPressure      float64          `json:"derived_geo_pressure"`
	Genomic          GenomicFeatures  `json:"genomic"`
	EpiOsint         EpiOsintFeatures `json:"epi_osint"`
	Geo              GeoFeatures      `json:"geo"`
	Embedding        []float64        `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
}

// AgentOutput is one structured evaluation of a case by a named agent.
type AgentOutput struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	CaseID     string    `json:"case_id"`
	Cycle      int       `json:"cycle"`
	AgentName  string    `json:"agent_name"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Payload    string    `json:"payload"` // raw structured JSON from the agent
	CreatedAt  time.Time `json:"created_at"`
}

// Contribution records one specialist's score and the weight applied to it
// at fusion time.
type Contribution struct {
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Decision is the fused result for one retrieval cycle of a case.
type Decision struct {
	ID            string                  `json:"id"`
	RunID         string                  `json:"run_id"`
	CaseID        string                  `json:"case_id"`
	Cycle         int                     `json:"cycle"`
	Severity      float64                 `json:"severity"`
	Confidence    float64                 `json:"confidence"`
	Contributions map[string]Contribution `json:"contributions"`
	Rationale     string                  `json:"rationale"`
	Suggestion    string                  `json:"suggestion"`
	Eligible      bool                    `json:"eligible"`
	CreatedAt     time.Time               `json:"created_at"`
}

// DispatchResult records the outcome of a notification attempt.
type DispatchResult struct {
	Dispatched bool   `json:"dispatched"`
	Channel    string `json:"channel,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Approval is one human-review record for a guardrail-eligible Decision.
// Status transitions are the only mutation; history across evidence cycles
// is kept as separate rows, never overwritten.
type Approval struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	CaseID     string          `json:"case_id"`
	DecisionID string          `json:"decision_id"`
	Cycle      int             `json:"cycle"`
	Status     ApprovalStatus  `json:"status"`
	Reviewer   string          `json:"reviewer,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Dispatch   *DispatchResult `json:"dispatch,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FusionState is the versioned weight/threshold snapshot a run operates under.
type FusionState struct {
	Weights       map[string]float64 `json:"weights"`
	SevThreshold  float64            `json:"severity_threshold"`
	ConfThreshold float64            `json:"confidence_threshold"`
}

// Clone returns a deep copy so a run's snapshot cannot alias live state.
func (f FusionState) Clone() FusionState {
	w := make(map[string]float64, len(f.Weights))
	for k, v := range f.Weights {
		w[k] = v
	}
	return FusionState{Weights: w, SevThreshold: f.SevThreshold, ConfThreshold: f.ConfThreshold}
}

// Run is a batch container of case processing.
type Run struct {
	ID        string      `json:"id"`
	Status    RunStatus   `json:"status"`
	Requested int         `json:"requested"`
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Snapshot  FusionState `json:"snapshot"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// StrategyMemoryEntry is one learned heuristic written after a run completes.
type StrategyMemoryEntry struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Note      string      `json:"note"`
	State     FusionState `json:"state"`
	Embedding []float64   `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
}

// Metric is the per-run aggregate computed by the self-improvement pass.
type Metric struct {
	RunID          string    `json:"run_id"`
	LeadTimeDays   float64   `json:"lead_time_days"`
	FalseAlarmRate float64   `json:"false_alarm_rate"`
	SeverityMAE    float64   `json:"severity_mae"`
	BrierScore     float64   `json:"brier_score"`
	ComputedAt     time.Time `json:"computed_at"`
}

// AuditEvent is one append-only record of a state transition.
type AuditEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	CaseID    string    `json:"case_id,omitempty"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
