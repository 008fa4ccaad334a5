// Package engine runs the audit pipeline: extract, score, evaluate rules,
// execute actions, escalate, persist. Scoring and rule evaluation are pure;
// all shared state lives behind the store and registry interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/escalation"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/scoring"
	"github.com/oktsec/truthaudit/internal/session"
)

const (
	DefaultAuditorID      = "CAO-AUD-001"
	DefaultReviewerID     = "CAO-LLM-A5289A"
	DefaultBatchLimit     = 50
	DefaultInterval       = 5 * time.Minute
	DefaultStoreTimeout   = 10 * time.Second
	DefaultBaselineWindow = 30 * 24 * time.Hour
	DefaultClaimTimeout   = 15 * time.Minute
)

var tracer = otel.Tracer("github.com/oktsec/truthaudit/internal/engine")

// Options configures an Engine. Zero values take the defaults above.
type Options struct {
	AuditorID      string
	ReviewerID     string
	BatchLimit     int
	Interval       time.Duration
	Workers        int
	StoreTimeout   time.Duration
	AllowReaudit   bool
	BaselineWindow time.Duration
	ClaimTimeout   time.Duration // claims older than this are requeued
	Escalation     escalation.Config
	Random         escalation.RandomSource
	Extractor      *session.Extractor
}

func (o Options) withDefaults() Options {
	if o.AuditorID == "" {
		o.AuditorID = DefaultAuditorID
	}
	if o.ReviewerID == "" {
		o.ReviewerID = DefaultReviewerID
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = DefaultBatchLimit
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = DefaultBaselineWindow
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = DefaultClaimTimeout
	}
	if o.Extractor == nil {
		o.Extractor = session.NewExtractor()
	}
	return o
}

// Deps are the external collaborators. Notifier and Recorder are optional.
type Deps struct {
	Sessions SessionStore
	Rules    RuleStore
	Scores   ScoreStore
	Events   EventStore
	Registry AgentRegistry
	Notifier Notifier
	Recorder Recorder
}

// snapshot is the per-run policy state, swapped whole on reload.
type snapshot struct {
	rules     *policy.Set
	baselines map[string]float64
	loadedAt  time.Time
}

// Engine audits sessions. It is safe for concurrent use.
type Engine struct {
	opts    Options
	deps    Deps
	decider *escalation.Decider
	logger  *slog.Logger
	state   atomic.Pointer[snapshot]
	now     func() time.Time
}

// New creates an engine. Call Init before auditing.
func New(opts Options, deps Deps, logger *slog.Logger) (*Engine, error) {
	if deps.Sessions == nil || deps.Rules == nil || deps.Scores == nil || deps.Events == nil || deps.Registry == nil {
		return nil, fmt.Errorf("engine: sessions, rules, scores, events and registry stores are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Engine{
		opts:    opts,
		deps:    deps,
		decider: escalation.NewDecider(opts.Escalation, opts.Random),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Init loads rules and baselines. A failure here should abort startup.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	return nil
}

// Reload rebuilds the rule set and baselines. On error the previous state
// stays in effect.
func (e *Engine) Reload(ctx context.Context) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	rules, err := e.deps.Rules.EnabledRules(sctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	baselines, err := e.deps.Scores.Baselines(sctx, e.now().Add(-e.opts.BaselineWindow))
	if err != nil {
		return fmt.Errorf("loading baselines: %w", err)
	}

	set := policy.NewSet(rules)
	for _, skipped := range set.Skipped() {
		e.logger.Warn("skipping invalid rule", "error", skipped)
	}
	e.state.Store(&snapshot{rules: set, baselines: baselines, loadedAt: e.now()})
	e.logger.Info("engine state loaded", "rules", set.Len(), "baselines", len(baselines))
	return nil
}

// RefreshBaselines recomputes baselines and keeps the current rules.
func (e *Engine) RefreshBaselines(ctx context.Context) error {
	cur := e.state.Load()
	if cur == nil {
		return e.Reload(ctx)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	baselines, err := e.deps.Scores.Baselines(sctx, e.now().Add(-e.opts.BaselineWindow))
	if err != nil {
		return fmt.Errorf("loading baselines: %w", err)
	}
	e.state.Store(&snapshot{rules: cur.rules, baselines: baselines, loadedAt: e.now()})
	return nil
}

// Health summarizes the engine's loaded state.
type Health struct {
	Initialized     bool      `json:"initialized"`
	AuditorID       string    `json:"auditor_id"`
	RulesLoaded     int       `json:"rules_loaded"`
	BaselinesLoaded int       `json:"baselines_loaded"`
	LoadedAt        time.Time `json:"loaded_at,omitempty"`
}

func (e *Engine) Health() Health {
	h := Health{AuditorID: e.opts.AuditorID}
	if st := e.state.Load(); st != nil {
		h.Initialized = true
		h.RulesLoaded = st.rules.Len()
		h.BaselinesLoaded = len(st.baselines)
		h.LoadedAt = st.loadedAt
	}
	return h
}

// ListRules returns the enabled rule set in priority order.
func (e *Engine) ListRules() ([]policy.Rule, error) {
	st := e.state.Load()
	if st == nil {
		return nil, ErrNotInitialized
	}
	return st.rules.Rules(), nil
}

// Baseline returns the agent's baseline truth score and whether it came
// from history.
func (e *Engine) Baseline(agentID string) (float64, bool) {
	if st := e.state.Load(); st != nil {
		if b, ok := st.baselines[agentID]; ok {
			return b, true
		}
	}
	return e.decider.Config().DefaultBaseline, false
}

// AuditSession runs the full pipeline on one record. Any store or registry
// error fails the audit; the session then stays pending.
func (e *Engine) AuditSession(ctx context.Context, rec session.Record) (audit.Result, error) {
	st := e.state.Load()
	if st == nil {
		return audit.Result{}, ErrNotInitialized
	}

	ctx, span := tracer.Start(ctx, "audit.session")
	defer span.End()
	start := e.now()

	m, err := e.opts.Extractor.Extract(rec)
	if err != nil {
		e.deps.Recorder.AuditFailed("extract")
		span.SetStatus(codes.Error, err.Error())
		return audit.Result{}, err
	}
	span.SetAttributes(attribute.String("session.id", m.SessionID), attribute.String("agent.id", m.AgentID))

	scores := scoring.Calculate(m)
	triggered := policy.Evaluate(m, scores, st.rules)

	res := audit.Result{
		SessionID:      m.SessionID,
		AgentID:        m.AgentID,
		Scores:         scores,
		Status:         InitialStatus(scores.TruthScore),
		TriggeredRules: triggered,
		ActionsTaken:   []string{},
	}
	if res.TriggeredRules == nil {
		res.TriggeredRules = []policy.Triggered{}
	}

	if err := e.execute(ctx, m, &res); err != nil {
		return e.fail(span, "actions", res, err)
	}
	if err := e.escalate(ctx, m, st.baselines, &res); err != nil {
		return e.fail(span, "escalate", res, err)
	}
	if err := e.persist(ctx, &res); err != nil {
		return e.fail(span, "persist", res, err)
	}

	span.SetAttributes(
		attribute.Float64("audit.truth_score", scores.TruthScore),
		attribute.String("audit.status", string(res.Status)),
		attribute.Bool("audit.escalated", res.Escalated),
	)
	e.deps.Recorder.AuditCompleted(res, e.now().Sub(start))
	e.logger.Debug("session audited",
		"session", res.SessionID,
		"agent", res.AgentID,
		"truth_score", scores.TruthScore,
		"status", res.Status,
		"actions", strings.Join(res.ActionsTaken, ","),
	)
	return res, nil
}

func (e *Engine) fail(span trace.Span, stage string, res audit.Result, err error) (audit.Result, error) {
	e.deps.Recorder.AuditFailed(stage)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return audit.Result{}, fmt.Errorf("auditing session %s: %s: %w", res.SessionID, stage, err)
}

// AuditByID loads a session and audits it.
func (e *Engine) AuditByID(ctx context.Context, sessionID string) (audit.Result, error) {
	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.deps.Sessions.Session(sctx, sessionID)
	cancel()
	if errors.Is(err, audit.ErrNotFound) {
		return audit.Result{}, ErrSessionNotFound
	}
	if err != nil {
		return audit.Result{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if rec == nil {
		return audit.Result{}, ErrSessionNotFound
	}

	switch st, _ := rec["audit_status"].(string); audit.Status(st) {
	case audit.StatusPending, "":
		return e.auditClaimed(ctx, rec)
	case audit.StatusAuditing:
		return audit.Result{}, ErrAuditInProgress
	default:
		if !e.opts.AllowReaudit {
			return audit.Result{}, ErrAlreadyAudited
		}
		return e.AuditSession(ctx, rec)
	}
}

// auditClaimed claims a pending session, audits it and releases the claim
// if the audit fails.
func (e *Engine) auditClaimed(ctx context.Context, rec session.Record) (audit.Result, error) {
	if e.state.Load() == nil {
		return audit.Result{}, ErrNotInitialized
	}
	id := rec.ID()
	sctx, cancel := e.storeCtx(ctx)
	ok, err := e.deps.Sessions.ClaimSession(sctx, id)
	cancel()
	if err != nil {
		return audit.Result{}, err
	}
	if !ok {
		return audit.Result{}, ErrAuditInProgress
	}

	res, err := e.AuditSession(ctx, rec)
	if err != nil {
		sctx, cancel := e.storeCtx(context.WithoutCancel(ctx))
		if rerr := e.deps.Sessions.ReleaseSession(sctx, id); rerr != nil {
			e.logger.Error("releasing session claim failed", "session", id, "error", rerr)
		}
		cancel()
		return audit.Result{}, err
	}
	return res, nil
}

// ListPending returns summaries of sessions awaiting audit.
func (e *Engine) ListPending(ctx context.Context, limit int) ([]audit.PendingSession, error) {
	if limit <= 0 {
		limit = e.opts.BatchLimit
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	recs, err := e.deps.Sessions.PendingSessions(sctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending sessions: %w", err)
	}
	out := make([]audit.PendingSession, 0, len(recs))
	for _, r := range recs {
		m, err := e.opts.Extractor.Extract(r)
		if err != nil {
			continue
		}
		out = append(out, audit.PendingSession{
			SessionID:    m.SessionID,
			AgentID:      m.AgentID,
			StartedAt:    recordTime(r, "started_at"),
			EndedAt:      recordTime(r, "ended_at"),
			MessageCount: m.MessageCount,
		})
	}
	return out, nil
}

// PauseAgent requests a manual pause.
func (e *Engine) PauseAgent(ctx context.Context, agentID, reason string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if reason == "" {
		reason = "Manual pause"
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.deps.Registry.Pause(sctx, agentID, reason); err != nil {
		return err
	}
	e.logger.Warn("agent paused", "agent", agentID, "reason", reason)
	return nil
}

// ResumeAgent returns an agent to active.
func (e *Engine) ResumeAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.deps.Registry.Resume(sctx, agentID); err != nil {
		return err
	}
	e.logger.Info("agent resumed", "agent", agentID)
	return nil
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.StoreTimeout)
}

// InitialStatus maps a truth score to its pre-rule status.
func InitialStatus(truth float64) audit.Status {
	switch {
	case truth >= 80:
		return audit.StatusPassed
	case truth >= 60:
		return audit.StatusWarning
	default:
		return audit.StatusFailed
	}
}

func newID(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// scoreID keys the truth score record on its session.
func scoreID(sessionID string) string {
	return "SCORE-" + sessionID
}

func recordTime(r session.Record, key string) *time.Time {
	s, _ := r[key].(string)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
