// Package session turns raw session records into the fixed metrics structure
// the scorer and rule evaluator consume.
package session

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
)

// ErrMissingSessionID is returned when a record carries no session_id.
var ErrMissingSessionID = errors.New("session record has no session_id")

// Record is a session row as read from a store. Values are untyped at this
// boundary; Extract normalizes them.
type Record map[string]any

// ID returns the record's session_id, or "" when absent.
func (r Record) ID() string {
	return stringField(r, "session_id")
}

// AgentID returns the record's agent_id, or "" when absent.
func (r Record) AgentID() string {
	return stringField(r, "agent_id")
}

// Metrics is the normalized, immutable view of one session used for scoring.
type Metrics struct {
	SessionID         string  `json:"session_id"`
	AgentID           string  `json:"agent_id"`
	MessageCount      int     `json:"message_count"`
	UserMessages      int     `json:"user_messages"`
	AgentMessages     int     `json:"agent_messages"`
	ToolCalls         int     `json:"tool_calls"`
	ErrorsCount       int     `json:"errors_count"`
	RetriesCount      int     `json:"retries_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	TotalTokensIn     int     `json:"total_tokens_in"`
	TotalTokensOut    int     `json:"total_tokens_out"`
	DurationSeconds   int     `json:"duration_seconds"`
	HasCitations      bool    `json:"has_citations"`
	FormatValid       bool    `json:"format_valid"`
}

// ErrorRate is errors per message, 0 for an empty session.
func (m Metrics) ErrorRate() float64 {
	if m.MessageCount <= 0 {
		return 0
	}
	return float64(m.ErrorsCount) / float64(m.MessageCount)
}

// RetryRate is retries per message, 0 for an empty session.
func (m Metrics) RetryRate() float64 {
	if m.MessageCount <= 0 {
		return 0
	}
	return float64(m.RetriesCount) / float64(m.MessageCount)
}

// FormatValidator decides whether a session's output matched the expected
// schema. Output validation is not implemented yet; AlwaysValid is the
// default and callers swap in a real check through Extractor.
type FormatValidator func(Record) bool

// AlwaysValid reports every session as well-formed.
func AlwaysValid(Record) bool { return true }

// Extractor converts records to Metrics.
type Extractor struct {
	FormatCheck FormatValidator
}

// NewExtractor returns an extractor using AlwaysValid for format checks.
func NewExtractor() *Extractor {
	return &Extractor{FormatCheck: AlwaysValid}
}

// Extract normalizes a record. Missing or malformed numeric fields become 0,
// negative counts are clamped to 0. Only a missing session_id is an error.
func (x *Extractor) Extract(r Record) (Metrics, error) {
	id := r.ID()
	if id == "" {
		return Metrics{}, ErrMissingSessionID
	}

	check := x.FormatCheck
	if check == nil {
		check = AlwaysValid
	}

	return Metrics{
		SessionID:         id,
		AgentID:           r.AgentID(),
		MessageCount:      count(r, "message_count"),
		UserMessages:      count(r, "user_messages"),
		AgentMessages:     count(r, "agent_messages"),
		ToolCalls:         count(r, "tool_calls"),
		ErrorsCount:       count(r, "errors_count"),
		RetriesCount:      count(r, "retries_count"),
		AvgResponseTimeMs: math.Max(0, number(r, "avg_response_time_ms")),
		TotalTokensIn:     count(r, "total_tokens_in"),
		TotalTokensOut:    count(r, "total_tokens_out"),
		DurationSeconds:   count(r, "duration_seconds"),
		HasCitations:      nonEmpty(r["data_sources_accessed"]),
		FormatValid:       check(r),
	}, nil
}

// Extract normalizes a record with the default extractor.
func Extract(r Record) (Metrics, error) {
	return NewExtractor().Extract(r)
}

func stringField(r Record, key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return ""
	}
}

func count(r Record, key string) int {
	n := number(r, key)
	if n <= 0 || math.IsNaN(n) {
		return 0
	}
	return int(n)
}

func number(r Record, key string) float64 {
	switch v := r[key].(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func nonEmpty(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case []any:
		return len(s) > 0
	case []string:
		return len(s) > 0
	case map[string]any:
		return len(s) > 0
	case string:
		return s != "" && s != "[]" && s != "null"
	case bool:
		return s
	default:
		return true
	}
}
