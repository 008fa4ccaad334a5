// Package scoring computes the six dimension scores and the weighted truth
// score for a session. Everything here is pure: identical metrics always
// produce identical scores.
package scoring

import (
	"math"

	"github.com/oktsec/truthaudit/internal/session"
)

// Dimension names, also used as keys in persisted score context.
const (
	Accuracy     = "accuracy"
	Completeness = "completeness"
	Latency      = "latency"
	ErrorRate    = "error_rate"
	Citation     = "citation"
	Format       = "format"
)

// Weight is one dimension's share of the truth score, in percent.
type Weight struct {
	Dimension string
	Percent   float64
}

// Weights sum to exactly 100.
var Weights = []Weight{
	{Accuracy, 30},
	{Completeness, 20},
	{Latency, 15},
	{ErrorRate, 15},
	{Citation, 10},
	{Format, 10},
}

// latencyTier maps an upper bound in milliseconds (inclusive) to a score.
type latencyTier struct {
	MaxMs float64
	Score float64
}

var latencyLadder = []latencyTier{
	{1000, 100},
	{2000, 90},
	{5000, 75},
	{10000, 50},
}

const slowLatencyScore = 25

// Score is the audit score of one session.
type Score struct {
	TruthScore        float64 `json:"truth_score"`
	AccuracyScore     float64 `json:"accuracy_score"`
	CompletenessScore float64 `json:"completeness_score"`
	LatencyScore      float64 `json:"latency_score"`
	ErrorRateScore    float64 `json:"error_rate_score"`
	CitationScore     float64 `json:"citation_score"`
	FormatScore       float64 `json:"format_score"`
}

// Components returns the dimension scores keyed by dimension name.
func (s Score) Components() map[string]float64 {
	return map[string]float64{
		Accuracy:     s.AccuracyScore,
		Completeness: s.CompletenessScore,
		Latency:      s.LatencyScore,
		ErrorRate:    s.ErrorRateScore,
		Citation:     s.CitationScore,
		Format:       s.FormatScore,
	}
}

// Calculate scores a session.
func Calculate(m session.Metrics) Score {
	errorRate := m.ErrorRate()
	retryRate := m.RetryRate()

	dims := map[string]float64{
		Accuracy:     clamp(100 - errorRate*200 - retryRate*50),
		Completeness: completeness(m),
		Latency:      LatencyScore(m.AvgResponseTimeMs),
		ErrorRate:    clamp(100 - errorRate*500),
		Citation:     50,
		Format:       60,
	}
	if m.HasCitations {
		dims[Citation] = 100
	}
	if m.FormatValid {
		dims[Format] = 100
	}

	var truth float64
	for _, w := range Weights {
		truth += dims[w.Dimension] * w.Percent / 100
	}

	return Score{
		TruthScore:        Round2(truth),
		AccuracyScore:     Round2(dims[Accuracy]),
		CompletenessScore: Round2(dims[Completeness]),
		LatencyScore:      Round2(dims[Latency]),
		ErrorRateScore:    Round2(dims[ErrorRate]),
		CitationScore:     Round2(dims[Citation]),
		FormatScore:       Round2(dims[Format]),
	}
}

// LatencyScore maps an average response time onto the step ladder.
func LatencyScore(avgMs float64) float64 {
	for _, tier := range latencyLadder {
		if avgMs <= tier.MaxMs {
			return tier.Score
		}
	}
	return slowLatencyScore
}

func completeness(m session.Metrics) float64 {
	if m.UserMessages <= 0 {
		return 100
	}
	return clamp(float64(m.AgentMessages) / float64(m.UserMessages) * 100)
}

func clamp(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
