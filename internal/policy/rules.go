package policy

import (
	"fmt"
	"sort"
)

// Metric names a rule may compare against.
const (
	MetricTruthScore    = "truth_score"
	MetricAccuracyScore = "accuracy_score"
	MetricErrorRate     = "error_rate"
	MetricLatencyMs     = "latency_ms"
)

// Operator is a threshold comparison.
type Operator string

const (
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpEQ  Operator = "eq"
)

// Valid reports whether op is a known comparison.
func (op Operator) Valid() bool {
	switch op {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
		return true
	}
	return false
}

// Holds applies the comparison actual <op> threshold.
func (op Operator) Holds(actual, threshold float64) bool {
	switch op {
	case OpLT:
		return actual < threshold
	case OpLTE:
		return actual <= threshold
	case OpGT:
		return actual > threshold
	case OpGTE:
		return actual >= threshold
	case OpEQ:
		return actual == threshold
	}
	return false
}

// Action is the governance action a rule triggers.
type Action string

const (
	ActionLog     Action = "log"
	ActionWarn    Action = "warn"
	ActionAlert   Action = "alert"
	ActionPause   Action = "pause"
	ActionDisable Action = "disable"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionLog, ActionWarn, ActionAlert, ActionPause, ActionDisable:
		return true
	}
	return false
}

// Severity levels. Anything else ranks after medium.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// SeverityRank orders severities: critical 1, high 2, medium 3, other 4.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	}
	return 4
}

// Rule is a pause rule: a threshold condition plus the action it triggers.
type Rule struct {
	ID             string   `json:"rule_id" yaml:"id"`
	Name           string   `json:"rule_name" yaml:"name"`
	Metric         string   `json:"metric" yaml:"metric"`
	Operator       Operator `json:"operator" yaml:"operator"`
	Threshold      float64  `json:"threshold_value" yaml:"threshold"`
	Severity       string   `json:"severity" yaml:"severity"`
	Action         Action   `json:"action" yaml:"action"`
	NotifyChannels []string `json:"notify_channels,omitempty" yaml:"notify_channels,omitempty"`
	NotifyUsers    []string `json:"notify_users,omitempty" yaml:"notify_users,omitempty"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
}

// Validate checks the fields the evaluator and executor depend on. Unknown
// metrics are accepted so newer rule catalogs load on older engines.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("rule %q has invalid operator %q", r.ID, r.Operator)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q has invalid action %q", r.ID, r.Action)
	}
	return nil
}

// DisplayName is the rule name, falling back to the id.
func (r Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Set is an immutable, priority-ordered list of enabled rules.
type Set struct {
	rules   []Rule
	skipped []error
}

// NewSet keeps enabled, valid rules and orders them by severity; rules of
// equal severity keep their input order. Invalid rules are dropped and
// reported by Skipped.
func NewSet(rules []Rule) *Set {
	s := &Set{}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := r.Validate(); err != nil {
			s.skipped = append(s.skipped, err)
			continue
		}
		s.rules = append(s.rules, r)
	}
	sort.SliceStable(s.rules, func(i, j int) bool {
		return SeverityRank(s.rules[i].Severity) < SeverityRank(s.rules[j].Severity)
	})
	return s
}

// Rules returns a copy of the ordered rules.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Skipped returns validation errors for rules left out of the set.
func (s *Set) Skipped() []error {
	if s == nil {
		return nil
	}
	return s.skipped
}
