// Package sdk provides a Go client for the truthaudit HTTP API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8090", "")
//	res, err := c.AuditSession(ctx, "sess-123")
//
// With an API key (server.api_key):
//
//	c := sdk.NewClient("http://localhost:8090", os.Getenv("TRUTHAUDIT_API_KEY"))
//	sum, err := c.RunBatch(ctx, 100)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuditResult is returned by the session and batch endpoints.
type AuditResult struct {
	SessionID        string   `json:"session_id"`
	AgentID          string   `json:"agent_id"`
	TruthScore       float64  `json:"truth_score"`
	Status           string   `json:"status"` // passed, warning, failed, escalated
	Actions          []string `json:"actions"`
	Escalated        bool     `json:"escalated"`
	EscalationReason *string  `json:"escalation_reason"`
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	TotalAudited int           `json:"total_audited"`
	Passed       int           `json:"passed"`
	Warnings     int           `json:"warnings"`
	Failed       int           `json:"failed"`
	Escalated    int           `json:"escalated"`
	Results      []AuditResult `json:"results"`
}

// HealthResponse is returned by GET /api/audit/health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	AuditorID       string `json:"auditor_id"`
	RulesLoaded     int    `json:"rules_loaded"`
	BaselinesLoaded int    `json:"baselines_loaded"`
}

// PendingSession is one session waiting for audit.
type PendingSession struct {
	SessionID    string     `json:"session_id"`
	AgentID      string     `json:"agent_id"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	MessageCount int        `json:"message_count"`
}

// Rule is one pause rule as reported by the server.
type Rule struct {
	ID        string  `json:"rule_id"`
	Name      string  `json:"rule_name"`
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold_value"`
	Severity  string  `json:"severity"`
	Action    string  `json:"action"`
	Enabled   bool    `json:"enabled"`
}

// Agent is an agent's registry state.
type Agent struct {
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"` // active, paused, disabled
	Reason    string     `json:"reason,omitempty"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Session is an ended session submitted for audit.
type Session struct {
	SessionID           string    `json:"session_id"`
	AgentID             string    `json:"agent_id"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
	MessageCount        int       `json:"message_count"`
	UserMessages        int       `json:"user_messages"`
	AgentMessages       int       `json:"agent_messages"`
	ToolCalls           int       `json:"tool_calls,omitempty"`
	ErrorsCount         int       `json:"errors_count"`
	RetriesCount        int       `json:"retries_count"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	TotalTokensIn       int       `json:"total_tokens_in,omitempty"`
	TotalTokensOut      int       `json:"total_tokens_out,omitempty"`
	DurationSeconds     int       `json:"duration_seconds,omitempty"`
	DataSourcesAccessed []string  `json:"data_sources_accessed,omitempty"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("truthaudit: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client calls a truthaudit server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. apiKey may be empty when the server runs
// without authentication.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Health checks the auditor. A server that has not finished loading rules
// answers with an APIError carrying HTTP 503.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/audit/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AuditSession audits one session by id.
func (c *Client) AuditSession(ctx context.Context, sessionID string) (*AuditResult, error) {
	var resp AuditResult
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, http.MethodPost, "/api/audit/session", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunBatch audits up to limit pending sessions. Zero uses the server default.
func (c *Client) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	var resp BatchResult
	if err := c.do(ctx, http.MethodPost, "/api/audit/batch", map[string]int{"limit": limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartBatch starts a batch in the background and returns immediately.
func (c *Client) StartBatch(ctx context.Context, limit int) error {
	return c.do(ctx, http.MethodPost, "/api/audit/batch/background", map[string]int{"limit": limit}, nil)
}

// Pending lists sessions waiting for audit.
func (c *Client) Pending(ctx context.Context, limit int) ([]PendingSession, error) {
	path := "/api/audit/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Sessions []PendingSession `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Rules lists the enabled rules in evaluation order.
func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Rules []Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/audit/rules", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

// AgentsRequiringAction lists paused and disabled agents.
func (c *Client) AgentsRequiringAction(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents_requiring_action"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/audit/agents/requiring-action", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// PauseAgent pauses an agent. An empty reason lets the server pick one.
func (c *Client) PauseAgent(ctx context.Context, agentID, reason string) error {
	path := "/api/audit/agent/" + url.PathEscape(agentID) + "/pause"
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ResumeAgent returns an agent to active.
func (c *Client) ResumeAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/audit/agent/"+url.PathEscape(agentID)+"/resume", nil, nil)
}

// SubmitSessions stores ended sessions as pending and returns how many
// were accepted before any failure.
func (c *Client) SubmitSessions(ctx context.Context, sessions ...Session) (int, error) {
	var resp struct {
		Accepted int `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/sessions", sessions, &resp)
	return resp.Accepted, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		if json.Unmarshal(data, &e) == nil {
			switch {
			case e.Error != "":
				apiErr.Message = e.Error
			case e.Status != "":
				apiErr.Message = e.Status
			}
		}
		// Partial ingest reports how many sessions made it in.
		if out != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}
