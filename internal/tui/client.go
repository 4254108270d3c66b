package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sentinel-ew/sentinel/internal/controlplane"
	"github.com/sentinel-ew/sentinel/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Sentinel API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// PendingApprovals fetches the reviewer queue.
func (c *Client) PendingApprovals() ([]models.Approval, error) {
	var queue []models.Approval
	if err := c.get("/approvals", &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// GetCase fetches the full record for one case.
func (c *Client) GetCase(caseID, runID string) (*controlplane.CaseDetail, error) {
	path := "/cases/" + url.PathEscape(caseID)
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	var detail controlplane.CaseDetail
	if err := c.get(path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SubmitDecision sends a reviewer decision for an approval.
func (c *Client) SubmitDecision(approvalID string, status models.ApprovalStatus, reviewer, notes string) (*models.Approval, error) {
	body := map[string]string{
		"status":   string(status),
		"reviewer": reviewer,
		"notes":    notes,
	}
	resp, err := c.post("/approvals/"+url.PathEscape(approvalID)+"/decision", body)
	if err != nil {
		return nil, err
	}
	var a models.Approval
	if err := json.Unmarshal(resp, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// StartRun kicks off a batch run.
func (c *Client) StartRun(limit int) (*models.Run, error) {
	resp, err := c.post("/runs", map[string]int{"limit": limit})
	if err != nil {
		return nil, err
	}
	var run models.Run
	if err := json.Unmarshal(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetDashboard fetches the system summary.
func (c *Client) GetDashboard() (*controlplane.Dashboard, error) {
	var d controlplane.Dashboard
	if err := c.get("/dashboard", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CheckHealth checks if the daemon is reachable.
func (c *Client) CheckHealth() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}
