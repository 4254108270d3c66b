// Package store provides SQLite-backed persistence for the Sentinel
// evidence store: cases, agent outputs, decisions, approvals, runs,
// strategy memory, metrics and the audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sentinel-ew/sentinel/internal/models"
	_ "modernc.org/sqlite"
)

// ErrCaseBusy indicates another evidence cycle is in flight for the case.
var ErrCaseBusy = fmt.Errorf("case has an active processing cycle")

// ErrApprovalFinal indicates the approval has already been resolved.
var ErrApprovalFinal = fmt.Errorf("approval already resolved")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// Store provides access to the Sentinel SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers during a run.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		case_date DATETIME NOT NULL,
		country TEXT NOT NULL,
		city TEXT NOT NULL,
		pathogen_label TEXT,
		raw_json TEXT NOT NULL,
		normalized_json TEXT NOT NULL,
		ground_truth_json TEXT,
		embedding_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id, run_id)
	);

	CREATE TABLE IF NOT EXISTS agent_outputs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		score REAL NOT NULL,
		confidence REAL NOT NULL,
		rationale TEXT,
		payload_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		severity REAL NOT NULL,
		confidence REAL NOT NULL,
		contributions_json TEXT NOT NULL,
		rationale TEXT,
		suggestion TEXT,
		eligible INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		decision_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reviewer TEXT,
		notes TEXT,
		dispatch_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		requested INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		snapshot_json TEXT NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS strategy_memory (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		note TEXT NOT NULL,
		state_json TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT PRIMARY KEY,
		lead_time_days REAL NOT NULL,
		false_alarm_rate REAL NOT NULL,
		severity_mae REAL NOT NULL,
		brier_score REAL NOT NULL,
		computed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		case_id TEXT,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS case_locks (
		case_id TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_run ON cases(run_id);
	CREATE INDEX IF NOT EXISTS idx_agent_outputs_case ON agent_outputs(case_id, run_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_case ON decisions(case_id, run_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_case ON approvals(case_id, run_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_audit_case ON audit_events(case_id);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Case Operations ---

// InsertCase persists a raw case together with its normalized projection
// and embedding. Cases are immutable once written.
func (s *Store) InsertCase(c *models.Case, nc *models.NormalizedCase) error {
	rawJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}
	normJSON, err := json.Marshal(nc)
	if err != nil {
		return fmt.Errorf("marshal normalized case: %w", err)
	}
	embJSON, err := json.Marshal(nc.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	var gtJSON []byte
	if c.GroundTruth != nil {
		if gtJSON, err = json.Marshal(c.GroundTruth); err != nil {
			return fmt.Errorf("marshal ground truth: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO cases (id, run_id, case_date, country, city, pathogen_label, raw_json, normalized_json, ground_truth_json, embedding_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nc.RunID, c.Date, c.Country, c.City, c.PathogenLabel,
		string(rawJSON), string(normJSON), nullableString(string(gtJSON)),
		string(embJSON), nc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// StoredCase bundles everything persisted for one (case, run) pair.
type StoredCase struct {
	Case       models.Case
	Normalized models.NormalizedCase
	Embedding  []float64
}

// GetCase retrieves the most recent record for a case, optionally scoped
// to a run. Returns ErrNotFound when the case does not exist.
func (s *Store) GetCase(caseID, runID string) (*StoredCase, error) {
	query := `SELECT raw_json, normalized_json, embedding_json FROM cases WHERE id = ?`
	args := []interface{}{caseID}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var rawJSON, normJSON, embJSON string
	err := s.db.QueryRow(query, args...).Scan(&rawJSON, &normJSON, &embJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}

	var sc StoredCase
	if err := json.Unmarshal([]byte(rawJSON), &sc.Case); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	if err := json.Unmarshal([]byte(normJSON), &sc.Normalized); err != nil {
		return nil, fmt.Errorf("decode normalized case: %w", err)
	}
	if err := json.Unmarshal([]byte(embJSON), &sc.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	sc.Normalized.Embedding = sc.Embedding
	return &sc, nil
}

// CaseVector is a lightweight row for vector scans over case history.
type CaseVector struct {
	CaseID    string
	RunID     string
	Date      time.Time
	Country   string
	City      string
	Pathogen  string
	Embedding []float64
}

// ScanCaseVectors returns recent case embeddings for similarity search,
// newest first, bounded by limit.
func (s *Store) ScanCaseVectors(limit int) ([]CaseVector, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, case_date, country, city, COALESCE(pathogen_label, ''), embedding_json
		 FROM cases ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("scan case vectors: %w", err)
	}
	defer rows.Close()

	var out []CaseVector
	for rows.Next() {
		var cv CaseVector
		var embJSON string
		if err := rows.Scan(&cv.CaseID, &cv.RunID, &cv.Date, &cv.Country, &cv.City, &cv.Pathogen, &embJSON); err != nil {
			return nil, fmt.Errorf("scan case vector: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &cv.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

// ListCaseIDsForRun returns the case ids processed in a run, oldest first.
func (s *Store) ListCaseIDsForRun(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM cases WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cases for run: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Agent Output Operations ---

// InsertAgentOutput appends one agent evaluation.
func (s *Store) InsertAgentOutput(o *models.AgentOutput) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO agent_outputs (id, run_id, case_id, cycle, agent_name, score, confidence, rationale, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, o.CaseID, o.Cycle, o.AgentName, o.Score, o.Confidence, o.Rationale, o.Payload, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent output: %w", err)
	}
	return nil
}

// ListAgentOutputs returns agent outputs for a case in a run, oldest first.
func (s *Store) ListAgentOutputs(caseID, runID string) ([]models.AgentOutput, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, case_id, cycle, agent_name, score, confidence, COALESCE(rationale, ''), payload_json, created_at
		 FROM agent_outputs WHERE case_id = ? AND run_id = ? ORDER BY created_at ASC`,
		caseID, runID)
	if err != nil {
		return nil, fmt.Errorf("query agent outputs: %w", err)
	}
	defer rows.Close()

	var outputs []models.AgentOutput
	for rows.Next() {
		var o models.AgentOutput
		if err := rows.Scan(&o.ID, &o.RunID, &o.CaseID, &o.Cycle, &o.AgentName, &o.Score, &o.Confidence, &o.Rationale, &o.Payload, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent output: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// --- Decision Operations ---

// InsertDecision appends one fused decision. Decisions are immutable;
// a new evidence cycle writes a new row with an incremented cycle.
func (s *Store) InsertDecision(d *models.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	contribJSON, err := json.Marshal(d.Contributions)
	if err != nil {
		return fmt.Errorf("marshal contributions: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO decisions (id, run_id, case_id, cycle, severity, confidence, contributions_json, rationale, suggestion, eligible, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.CaseID, d.Cycle, d.Severity, d.Confidence, string(contribJSON),
		d.Rationale, d.Suggestion, boolToInt(d.Eligible), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// LatestDecision returns the newest decision for a case in a run, or
// ErrNotFound when none exists.
func (s *Store) LatestDecision(caseID, runID string) (*models.Decision, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, case_id, cycle, severity, confidence, contributions_json, COALESCE(rationale, ''), COALESCE(suggestion, ''), eligible, created_at
		 FROM decisions WHERE case_id = ? AND run_id = ? ORDER BY cycle DESC, created_at DESC LIMIT 1`,
		caseID, runID)
	return scanDecision(row)
}

// ListDecisions returns all decisions for a case in a run, oldest first.
func (s *Store) ListDecisions(caseID, runID string) ([]models.Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, case_id, cycle, severity, confidence, contributions_json, COALESCE(rationale, ''), COALESCE(suggestion, ''), eligible, created_at
		 FROM decisions WHERE case_id = ? AND run_id = ? ORDER BY cycle ASC, created_at ASC`,
		caseID, runID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*models.Decision, error) {
	var d models.Decision
	var contribJSON string
	var eligible int
	err := row.Scan(&d.ID, &d.RunID, &d.CaseID, &d.Cycle, &d.Severity, &d.Confidence, &contribJSON, &d.Rationale, &d.Suggestion, &eligible, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	if err := json.Unmarshal([]byte(contribJSON), &d.Contributions); err != nil {
		return nil, fmt.Errorf("decode contributions: %w", err)
	}
	d.Eligible = eligible == 1
	return &d, nil
}

// --- Approval Operations ---

// InsertApproval creates a new pending approval for an eligible decision.
func (s *Store) InsertApproval(a *models.Approval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	dispatchJSON, err := marshalDispatch(a.Dispatch)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO approvals (id, run_id, case_id, decision_id, cycle, status, reviewer, notes, dispatch_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.CaseID, a.DecisionID, a.Cycle, a.Status, a.Reviewer, a.Notes, dispatchJSON, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ResolveApprovalTx transitions a pending approval to a resolved status
// atomically. It fails with ErrNotFound when the approval does not exist
// and with a conflict when the approval is no longer pending, so two
// concurrent reviewers cannot both resolve the same record.
func (s *Store) ResolveApprovalTx(approvalID string, status models.ApprovalStatus, reviewer, notes string, dispatch *models.DispatchResult) (*models.Approval, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	a, err := scanApproval(tx.QueryRow(
		`SELECT id, run_id, case_id, decision_id, cycle, status, COALESCE(reviewer, ''), COALESCE(notes, ''), COALESCE(dispatch_json, ''), created_at, updated_at
		 FROM approvals WHERE id = ?`, approvalID))
	if err != nil {
		return nil, err
	}
	if a.Status != models.ApprovalStatusPending {
		return nil, fmt.Errorf("approval %s is %s: %w", approvalID, a.Status, ErrApprovalFinal)
	}

	dispatchJSON, err := marshalDispatch(dispatch)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE approvals SET status = ?, reviewer = ?, notes = ?, dispatch_json = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, reviewer, notes, dispatchJSON, now, approvalID, models.ApprovalStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("approval %s resolved concurrently: %w", approvalID, ErrApprovalFinal)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	a.Status = status
	a.Reviewer = reviewer
	a.Notes = notes
	a.Dispatch = dispatch
	a.UpdatedAt = now
	return a, nil
}

// SetApprovalDispatch records the delivery outcome on a resolved
// approval. The resolution itself is never changed here.
func (s *Store) SetApprovalDispatch(approvalID string, dispatch *models.DispatchResult) error {
	dispatchJSON, err := marshalDispatch(dispatch)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE approvals SET dispatch_json = ?, updated_at = ? WHERE id = ?`,
		dispatchJSON, time.Now().UTC(), approvalID,
	)
	if err != nil {
		return fmt.Errorf("set approval dispatch: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(id string) (*models.Approval, error) {
	return scanApproval(s.db.QueryRow(
		`SELECT id, run_id, case_id, decision_id, cycle, status, COALESCE(reviewer, ''), COALESCE(notes, ''), COALESCE(dispatch_json, ''), created_at, updated_at
		 FROM approvals WHERE id = ?`, id))
}

// LatestApproval returns the newest approval for a case in a run.
func (s *Store) LatestApproval(caseID, runID string) (*models.Approval, error) {
	return scanApproval(s.db.QueryRow(
		`SELECT id, run_id, case_id, decision_id, cycle, status, COALESCE(reviewer, ''), COALESCE(notes, ''), COALESCE(dispatch_json, ''), created_at, updated_at
		 FROM approvals WHERE case_id = ? AND run_id = ? ORDER BY cycle DESC, created_at DESC LIMIT 1`,
		caseID, runID))
}

// ListApprovals returns the approval history for a case, oldest first.
func (s *Store) ListApprovals(caseID, runID string) ([]models.Approval, error) {
	return s.queryApprovals(
		`SELECT id, run_id, case_id, decision_id, cycle, status, COALESCE(reviewer, ''), COALESCE(notes, ''), COALESCE(dispatch_json, ''), created_at, updated_at
		 FROM approvals WHERE case_id = ? AND run_id = ? ORDER BY cycle ASC, created_at ASC`,
		caseID, runID)
}

// ListApprovalsByStatus returns approvals in a given status, newest first.
func (s *Store) ListApprovalsByStatus(status models.ApprovalStatus) ([]models.Approval, error) {
	return s.queryApprovals(
		`SELECT id, run_id, case_id, decision_id, cycle, status, COALESCE(reviewer, ''), COALESCE(notes, ''), COALESCE(dispatch_json, ''), created_at, updated_at
		 FROM approvals WHERE status = ? ORDER BY created_at DESC`,
		string(status))
}

func (s *Store) queryApprovals(query string, args ...interface{}) ([]models.Approval, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var a models.Approval
	var dispatchJSON string
	err := row.Scan(&a.ID, &a.RunID, &a.CaseID, &a.DecisionID, &a.Cycle, &a.Status, &a.Reviewer, &a.Notes, &dispatchJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if dispatchJSON != "" {
		var d models.DispatchResult
		if err := json.Unmarshal([]byte(dispatchJSON), &d); err == nil {
			a.Dispatch = &d
		}
	}
	return &a, nil
}

// --- Run Operations ---

// CreateRun inserts a new run with its fusion-state snapshot.
func (s *Store) CreateRun(requested int, snapshot models.FusionState) (*models.Run, error) {
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Status:    models.RunStatusRunning,
		Requested: requested,
		Snapshot:  snapshot,
		StartedAt: time.Now().UTC(),
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, status, requested, snapshot_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.Requested, string(snapJSON), run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// IncrementRunProgress bumps the processed (and optionally failed) counter
// in a single UPDATE so concurrent workers never lose updates.
func (s *Store) IncrementRunProgress(runID string, failed bool) error {
	query := `UPDATE runs SET processed = processed + 1 WHERE id = ?`
	if failed {
		query = `UPDATE runs SET processed = processed + 1, failed = failed + 1 WHERE id = ?`
	}
	if _, err := s.db.Exec(query, runID); err != nil {
		return fmt.Errorf("increment run progress: %w", err)
	}
	return nil
}

// FinishRun marks a run completed or failed.
func (s *Store) FinishRun(runID string, status models.RunStatus, runErr string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		status, nullableString(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id string) (*models.Run, error) {
	var run models.Run
	var snapJSON string
	var errMsg sql.NullString
	var endedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, status, requested, processed, failed, snapshot_json, error, started_at, ended_at FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Status, &run.Requested, &run.Processed, &run.Failed, &snapJSON, &errMsg, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	if err := json.Unmarshal([]byte(snapJSON), &run.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// CountActiveRuns returns how many runs are currently in the running state.
func (s *Store) CountActiveRuns() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE status = ?`, models.RunStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

// --- Strategy Memory Operations ---

// InsertStrategyMemory appends one learned heuristic.
func (s *Store) InsertStrategyMemory(e *models.StrategyMemoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stateJSON, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("marshal fusion state: %w", err)
	}
	embJSON, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO strategy_memory (id, run_id, note, state_json, embedding_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Note, string(stateJSON), string(embJSON), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert strategy memory: %w", err)
	}
	return nil
}

// ScanStrategyMemory returns recent strategy entries, newest first.
func (s *Store) ScanStrategyMemory(limit int) ([]models.StrategyMemoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, note, state_json, embedding_json, created_at FROM strategy_memory ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("scan strategy memory: %w", err)
	}
	defer rows.Close()

	var entries []models.StrategyMemoryEntry
	for rows.Next() {
		var e models.StrategyMemoryEntry
		var stateJSON, embJSON string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Note, &stateJSON, &embJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy entry: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
			return nil, fmt.Errorf("decode fusion state: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestFusionState returns the fusion state written by the newest
// strategy entry, or ErrNotFound on a fresh database.
func (s *Store) LatestFusionState() (*models.FusionState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM strategy_memory ORDER BY created_at DESC LIMIT 1`).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query fusion state: %w", err)
	}
	var state models.FusionState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode fusion state: %w", err)
	}
	return &state, nil
}

// --- Metric Operations ---

// InsertMetric writes the per-run aggregate. Metrics are immutable.
func (s *Store) InsertMetric(m *models.Metric) error {
	if m.ComputedAt.IsZero() {
		m.ComputedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO metrics (run_id, lead_time_days, false_alarm_rate, severity_mae, brier_score, computed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, m.LeadTimeDays, m.FalseAlarmRate, m.SeverityMAE, m.BrierScore, m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// GetMetric retrieves the metric for a run.
func (s *Store) GetMetric(runID string) (*models.Metric, error) {
	var m models.Metric
	err := s.db.QueryRow(
		`SELECT run_id, lead_time_days, false_alarm_rate, severity_mae, brier_score, computed_at FROM metrics WHERE run_id = ?`,
		runID,
	).Scan(&m.RunID, &m.LeadTimeDays, &m.FalseAlarmRate, &m.SeverityMAE, &m.BrierScore, &m.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query metric: %w", err)
	}
	return &m, nil
}

// LatestMetric returns the most recently computed metric, if any.
func (s *Store) LatestMetric() (*models.Metric, error) {
	var m models.Metric
	err := s.db.QueryRow(
		`SELECT run_id, lead_time_days, false_alarm_rate, severity_mae, brier_score, computed_at FROM metrics ORDER BY computed_at DESC LIMIT 1`,
	).Scan(&m.RunID, &m.LeadTimeDays, &m.FalseAlarmRate, &m.SeverityMAE, &m.BrierScore, &m.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest metric: %w", err)
	}
	return &m, nil
}

// --- Audit Operations ---

// AppendAudit writes one audit event. Audit rows are never updated.
func (s *Store) AppendAudit(e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_events (id, run_id, case_id, action, actor, payload_json, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.RunID), nullableString(e.CaseID), e.Action, e.Actor, e.Payload, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditForCase returns audit events for a case ordered by time.
func (s *Store) ListAuditForCase(caseID string, limit int) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, COALESCE(run_id, ''), COALESCE(case_id, ''), action, actor, payload_json, timestamp
		 FROM audit_events WHERE case_id = ? ORDER BY timestamp ASC LIMIT ?`,
		caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.CaseID, &e.Action, &e.Actor, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Case Lock Operations ---

// AcquireCaseLock takes the per-case mutex that serializes evidence
// cycles. Expired locks are reaped first; a live lock returns ErrCaseBusy.
func (s *Store) AcquireCaseLock(caseID, holderID string, ttl time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(`DELETE FROM case_locks WHERE case_id = ? AND expires_at <= ?`, caseID, now); err != nil {
		return fmt.Errorf("reap expired lock: %w", err)
	}

	var holder string
	err = tx.QueryRow(`SELECT holder_id FROM case_locks WHERE case_id = ? AND expires_at > ?`, caseID, now).Scan(&holder)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check lock: %w", err)
	}
	if err == nil {
		return ErrCaseBusy
	}

	_, err = tx.Exec(
		`INSERT INTO case_locks (case_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		caseID, holderID, now, now.Add(ttl),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return ErrCaseBusy
		}
		return fmt.Errorf("insert lock: %w", err)
	}

	return tx.Commit()
}

// ReleaseCaseLock drops the per-case mutex held by holderID.
func (s *Store) ReleaseCaseLock(caseID, holderID string) error {
	_, err := s.db.Exec(`DELETE FROM case_locks WHERE case_id = ? AND holder_id = ?`, caseID, holderID)
	return err
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalDispatch(d *models.DispatchResult) (interface{}, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch result: %w", err)
	}
	return string(data), nil
}
