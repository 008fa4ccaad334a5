// Package policy holds pause rules and evaluates them against scored sessions.
package policy

import (
	"github.com/oktsec/truthaudit/internal/scoring"
	"github.com/oktsec/truthaudit/internal/session"
)

// Triggered is a rule whose condition held, with the observed value.
type Triggered struct {
	Rule   Rule    `json:"rule"`
	Actual float64 `json:"actual_value"`
}

// Evaluate returns the rules of set whose comparison holds, in set order.
func Evaluate(m session.Metrics, s scoring.Score, set *Set) []Triggered {
	if set == nil {
		return nil
	}
	var out []Triggered
	for _, r := range set.rules {
		actual, ok := Resolve(r.Metric, m, s)
		if !ok {
			continue
		}
		if r.Operator.Holds(actual, r.Threshold) {
			out = append(out, Triggered{Rule: r, Actual: actual})
		}
	}
	return out
}

// Resolve returns the observed value for a metric name. ok is false for
// metrics the evaluator does not know.
func Resolve(metric string, m session.Metrics, s scoring.Score) (value float64, ok bool) {
	switch metric {
	case MetricTruthScore:
		return s.TruthScore, true
	case MetricAccuracyScore:
		return s.AccuracyScore, true
	case MetricErrorRate:
		return m.ErrorRate(), true
	case MetricLatencyMs:
		return m.AvgResponseTimeMs, true
	}
	return 0, false
}
