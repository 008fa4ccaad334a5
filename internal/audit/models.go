package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/scoring"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is a session's audit status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAuditing  Status = "auditing" // claimed by a running audit
	StatusPassed    Status = "passed"
	StatusWarning   Status = "warning"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
)

// Event kinds written to the event store.
const (
	EventDisable  = "disable"
	EventPause    = "pause"
	EventAlert    = "alert"
	EventWarning  = "warning"
	EventLog      = "log"
	EventEscalate = "escalate"
)

// Agent registry states.
const (
	AgentActive   = "active"
	AgentPaused   = "paused"
	AgentDisabled = "disabled"
)

// Result is the outcome of auditing one session.
type Result struct {
	SessionID        string             `json:"session_id"`
	AgentID          string             `json:"agent_id"`
	Scores           scoring.Score      `json:"scores"`
	Status           Status             `json:"status"`
	TriggeredRules   []policy.Triggered `json:"triggered_rules"`
	ActionsTaken     []string           `json:"actions_taken"`
	Escalated        bool               `json:"escalated"`
	EscalationReason *string            `json:"escalation_reason"`
}

// Summary counts batch results. Escalated counts the escalation flag, so an
// escalated session is not also counted as passed, warning or failed.
type Summary struct {
	Total     int `json:"total_audited"`
	Passed    int `json:"passed"`
	Warnings  int `json:"warnings"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusWarning:
			s.Warnings++
		case StatusFailed:
			s.Failed++
		}
		if r.Escalated {
			s.Escalated++
		}
	}
	return s
}

// Event is one audit event record.
type Event struct {
	ID             string    `json:"event_id"`
	Kind           string    `json:"event_type"`
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id"`
	TriggerReason  string    `json:"trigger_reason"`
	TriggerValue   *float64  `json:"trigger_value"`
	ThresholdValue *float64  `json:"threshold_value"`
	TruthScore     float64   `json:"truth_score"`
	AccuracyScore  float64   `json:"accuracy_score"`
	LatencyScore   float64   `json:"latency_score"`
	ErrorRate      *float64  `json:"error_rate"`
	ActionTaken    string    `json:"action_taken"`
	EscalatedTo    string    `json:"escalated_to,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ScoreRecord is one row of score history.
type ScoreRecord struct {
	ID         string             `json:"score_id"`
	AgentID    string             `json:"agent_id"`
	SessionID  string             `json:"session_id"`
	ScoredBy   string             `json:"scored_by"`
	ScoreType  string             `json:"score_type"`
	Value      float64            `json:"score_value"`
	Components map[string]float64 `json:"component_scores"`
	SampleSize int                `json:"sample_size"`
	Criteria   string             `json:"evaluation_criteria"`
	CreatedAt  time.Time          `json:"created_at"`
}

// SessionAudit is the write-back applied to an audited session.
type SessionAudit struct {
	SessionID string
	Scores    scoring.Score
	Status    Status
	AuditedAt time.Time
	AuditedBy string
	Escalated bool
}

// PendingSession is the lightweight listing of a session awaiting audit.
type PendingSession struct {
	SessionID    string     `json:"session_id"`
	AgentID      string     `json:"agent_id"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	MessageCount int        `json:"message_count"`
}

// AgentState is an agent's entry in the registry.
type AgentState struct {
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SessionInput is an ended session to insert into the session store.
type SessionInput struct {
	SessionID           string    `json:"session_id"`
	AgentID             string    `json:"agent_id"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
	MessageCount        int       `json:"message_count"`
	UserMessages        int       `json:"user_messages"`
	AgentMessages       int       `json:"agent_messages"`
	ToolCalls           int       `json:"tool_calls"`
	ErrorsCount         int       `json:"errors_count"`
	RetriesCount        int       `json:"retries_count"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	TotalTokensIn       int       `json:"total_tokens_in"`
	TotalTokensOut      int       `json:"total_tokens_out"`
	DurationSeconds     int       `json:"duration_seconds"`
	DataSourcesAccessed []string  `json:"data_sources_accessed"`
}

// EventQuery filters audit events.
type EventQuery struct {
	AgentID   string
	SessionID string
	Kind      string
	Limit     int
}

// DecodeSessionInputs decodes a JSON session object or an array of them.
func DecodeSessionInputs(data []byte) ([]SessionInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []SessionInput
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return list, nil
	}
	var one SessionInput
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []SessionInput{one}, nil
}
