// Package escalation decides whether a scored session goes to the secondary
// reviewer.
package escalation

import (
	"math/rand/v2"

	"github.com/oktsec/truthaudit/internal/scoring"
	"github.com/oktsec/truthaudit/internal/session"
)

// Escalation reasons, checked in this order.
const (
	ReasonSessionLength = "session_length"
	ReasonScoreDrop     = "score_drop"
	ReasonRandomSample  = "random_sample"
)

// Defaults for Config fields left at zero.
const (
	DefaultSessionLength = 8
	DefaultScoreDrop     = 15.0
	DefaultSampleRate    = 0.05
	DefaultBaselineScore = 85.0
)

// RandomSource yields uniform values in [0,1).
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// GlobalRand is the process-wide generator. Safe for concurrent use.
var GlobalRand RandomSource = globalRand{}

// FixedSource always returns the same value.
type FixedSource float64

// Float64 implements RandomSource.
func (f FixedSource) Float64() float64 { return float64(f) }

// Config holds the trigger thresholds.
type Config struct {
	SessionLength   int     `yaml:"session_length"`
	ScoreDrop       float64 `yaml:"score_drop"`
	SampleRate      float64 `yaml:"sample_rate"`
	DefaultBaseline float64 `yaml:"default_baseline"`
}

// WithDefaults fills zero thresholds. A negative SampleRate disables
// random sampling.
func (c Config) WithDefaults() Config {
	if c.SessionLength <= 0 {
		c.SessionLength = DefaultSessionLength
	}
	if c.ScoreDrop <= 0 {
		c.ScoreDrop = DefaultScoreDrop
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.DefaultBaseline <= 0 {
		c.DefaultBaseline = DefaultBaselineScore
	}
	return c
}

// Verdict is the outcome of Decide.
type Verdict struct {
	Escalate bool
	Reason   string
}

// Decider applies the escalation heuristic. Baselines are a read-only
// snapshot supplied per call; Decider holds no mutable state.
type Decider struct {
	cfg  Config
	rand RandomSource
}

// NewDecider creates a decider. A nil src uses GlobalRand.
func NewDecider(cfg Config, src RandomSource) *Decider {
	if src == nil {
		src = GlobalRand
	}
	return &Decider{cfg: cfg.WithDefaults(), rand: src}
}

// Config returns the effective thresholds.
func (d *Decider) Config() Config { return d.cfg }

// Decide checks session length, then score drop against the agent's
// baseline, then random sampling. The first match wins. The random source
// is consulted only when the deterministic checks do not fire.
func (d *Decider) Decide(m session.Metrics, s scoring.Score, baselines map[string]float64) Verdict {
	if m.MessageCount > d.cfg.SessionLength {
		return Verdict{Escalate: true, Reason: ReasonSessionLength}
	}

	baseline, ok := baselines[m.AgentID]
	if !ok {
		baseline = d.cfg.DefaultBaseline
	}
	if baseline-s.TruthScore > d.cfg.ScoreDrop {
		return Verdict{Escalate: true, Reason: ReasonScoreDrop}
	}

	if d.cfg.SampleRate > 0 && d.rand.Float64() < d.cfg.SampleRate {
		return Verdict{Escalate: true, Reason: ReasonRandomSample}
	}
	return Verdict{}
}
