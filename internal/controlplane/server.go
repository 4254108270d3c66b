package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/scheduler"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// Server provides the HTTP API for Sentinel.
type Server struct {
	service *Service
	addr    string
	origins string
	server  *http.Server
}

// NewServer creates a new HTTP server. origins is a comma-separated
// allowlist for CORS; empty or "*" allows every origin.
func NewServer(service *Service, addr, origins string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		origins: origins,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/cases/", s.handleCaseByID)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalByID)
	mux.HandleFunc("/dashboard", s.handleDashboard)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// The dashboard UI is served from another origin.
	if s.origins == "" || s.origins == "*" {
		return cors.AllowAll().Handler(mux)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: strings.Split(s.origins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("starting sentinel daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRuns handles POST /runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	run, err := s.service.StartRun(r.Context(), req.Limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrRunActive) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// handleRunByID handles GET /runs/{id}.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	detail, err := s.service.GetRun(runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleCaseByID handles GET /cases/{id}?run_id=.
func (s *Server) handleCaseByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caseID := strings.TrimPrefix(r.URL.Path, "/cases/")
	if caseID == "" || strings.Contains(caseID, "/") {
		http.Error(w, "case id required", http.StatusBadRequest)
		return
	}

	detail, err := s.service.GetCase(caseID, r.URL.Query().Get("run_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleApprovals handles GET /approvals (the pending queue).
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approvals, err := s.service.PendingApprovals()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if approvals == nil {
		approvals = []models.Approval{}
	}
	writeJSON(w, http.StatusOK, approvals)
}

// decisionRequest is the reviewer's submission.
type decisionRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

// handleApprovalByID handles GET /approvals/{id} and
// POST /approvals/{id}/decision.
func (s *Server) handleApprovalByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/approvals/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "approval id required", http.StatusBadRequest)
		return
	}
	approvalID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a, err := s.service.GetApproval(approvalID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	case action == "decision" && r.Method == http.MethodPost:
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Reviewer == "" {
			http.Error(w, "reviewer required", http.StatusBadRequest)
			return
		}

		a, err := s.service.SubmitApproval(r.Context(), approvalID, models.ApprovalStatus(req.Status), req.Reviewer, req.Notes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleDashboard handles GET /dashboard.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, err := s.service.GetDashboard()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors onto HTTP statuses: unknown
// entities are 404, settled approvals are 409.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrCaseNotFound), errors.Is(err, ErrApprovalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrApprovalFinal), errors.Is(err, store.ErrCaseBusy):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrInvalidStatus):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
