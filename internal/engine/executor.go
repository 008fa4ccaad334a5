package engine

import (
	"context"
	"fmt"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"
)

// EventErrorRate supplies the error_rate column of rule events. It returns
// nil, leaving the column empty; replace it to record the observed rate.
var EventErrorRate = func(session.Metrics) *float64 { return nil }

// actionEvent maps a rule action to its event kind and action prefix.
var actionEvent = map[policy.Action]struct {
	kind   string
	prefix string
}{
	policy.ActionDisable: {audit.EventDisable, "disabled"},
	policy.ActionPause:   {audit.EventPause, "paused"},
	policy.ActionAlert:   {audit.EventAlert, "alerted"},
	policy.ActionWarn:    {audit.EventWarning, "warned"},
	policy.ActionLog:     {audit.EventLog, "logged"},
}

// execute applies triggered rules in priority order. disable and pause
// force FAILED; disable also stops processing of the remaining rules.
func (e *Engine) execute(ctx context.Context, m session.Metrics, res *audit.Result) error {
	for _, t := range res.TriggeredRules {
		r := t.Rule
		name := r.DisplayName()
		ae, ok := actionEvent[r.Action]
		if !ok {
			continue
		}

		switch r.Action {
		case policy.ActionDisable:
			if err := e.registryCall(ctx, func(ctx context.Context) error {
				return e.deps.Registry.Disable(ctx, m.AgentID, name)
			}); err != nil {
				return fmt.Errorf("disabling agent %s: %w", m.AgentID, err)
			}
			res.Status = audit.StatusFailed
			e.logger.Error("agent disabled", "agent", m.AgentID, "session", m.SessionID, "rule", r.ID, "actual", t.Actual)
		case policy.ActionPause:
			if err := e.registryCall(ctx, func(ctx context.Context) error {
				return e.deps.Registry.Pause(ctx, m.AgentID, name)
			}); err != nil {
				return fmt.Errorf("pausing agent %s: %w", m.AgentID, err)
			}
			res.Status = audit.StatusFailed
			e.logger.Warn("agent paused", "agent", m.AgentID, "session", m.SessionID, "rule", r.ID, "actual", t.Actual)
		}

		action := ae.prefix + ":" + r.ID
		if err := e.appendEvent(ctx, m, res, t, ae.kind, action); err != nil {
			return err
		}
		res.ActionsTaken = append(res.ActionsTaken, action)
		e.deps.Recorder.ActionTaken(ae.kind)

		if msg := notification(r.Action, m.AgentID, name, res.Scores.TruthScore); msg != "" {
			e.deps.Notifier.Notify(ctx, r.NotifyChannels, r.NotifyUsers, msg)
		}

		if r.Action == policy.ActionDisable {
			break
		}
	}
	return nil
}

func notification(a policy.Action, agentID, ruleName string, truth float64) string {
	switch a {
	case policy.ActionDisable:
		return fmt.Sprintf("AGENT DISABLED: %s - %s", agentID, ruleName)
	case policy.ActionPause:
		return fmt.Sprintf("AGENT PAUSED: %s - %s", agentID, ruleName)
	case policy.ActionAlert:
		return fmt.Sprintf("AGENT ALERT: %s - %s (score: %.2f)", agentID, ruleName, truth)
	}
	return ""
}

func (e *Engine) appendEvent(ctx context.Context, m session.Metrics, res *audit.Result, t policy.Triggered, kind, action string) error {
	actual := t.Actual
	threshold := t.Rule.Threshold
	ev := audit.Event{
		ID:             newID("EVT-"),
		Kind:           kind,
		AgentID:        m.AgentID,
		SessionID:      m.SessionID,
		TriggerReason:  t.Rule.DisplayName(),
		TriggerValue:   &actual,
		ThresholdValue: &threshold,
		TruthScore:     res.Scores.TruthScore,
		AccuracyScore:  res.Scores.AccuracyScore,
		LatencyScore:   res.Scores.LatencyScore,
		ErrorRate:      EventErrorRate(m),
		ActionTaken:    action,
		CreatedBy:      e.opts.AuditorID,
		CreatedAt:      e.now(),
	}
	return e.writeEvent(ctx, ev)
}

func (e *Engine) writeEvent(ctx context.Context, ev audit.Event) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.deps.Events.AppendEvent(sctx, ev); err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

func (e *Engine) registryCall(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return fn(sctx)
}

// escalate runs after rule processing and may override the status. It never
// undoes a registry action already issued.
func (e *Engine) escalate(ctx context.Context, m session.Metrics, baselines map[string]float64, res *audit.Result) error {
	v := e.decider.Decide(m, res.Scores, baselines)
	if !v.Escalate {
		return nil
	}

	ev := audit.Event{
		ID:            newID("EVT-"),
		Kind:          audit.EventEscalate,
		AgentID:       m.AgentID,
		SessionID:     m.SessionID,
		TriggerReason: v.Reason,
		TruthScore:    res.Scores.TruthScore,
		AccuracyScore: res.Scores.AccuracyScore,
		LatencyScore:  res.Scores.LatencyScore,
		ActionTaken:   audit.EventEscalate,
		EscalatedTo:   e.opts.ReviewerID,
		CreatedBy:     e.opts.AuditorID,
		CreatedAt:     e.now(),
	}
	if err := e.writeEvent(ctx, ev); err != nil {
		return err
	}

	reason := v.Reason
	res.Status = audit.StatusEscalated
	res.Escalated = true
	res.EscalationReason = &reason
	res.ActionsTaken = append(res.ActionsTaken, "escalated:"+reason)
	e.deps.Recorder.ActionTaken(audit.EventEscalate)
	e.logger.Info("session escalated", "session", m.SessionID, "agent", m.AgentID, "reason", reason, "reviewer", e.opts.ReviewerID)
	return nil
}

// persist records the session's score, then writes the session back. The
// score record is keyed on the session, so a retry overwrites it.
func (e *Engine) persist(ctx context.Context, res *audit.Result) error {
	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.deps.Scores.AppendScore(sctx, audit.ScoreRecord{
		ID:         scoreID(res.SessionID),
		AgentID:    res.AgentID,
		SessionID:  res.SessionID,
		ScoredBy:   e.opts.AuditorID,
		ScoreType:  "truth_score",
		Value:      res.Scores.TruthScore,
		Components: res.Scores.Components(),
		SampleSize: 1,
		Criteria:   "automated_metrics",
		CreatedAt:  now,
	}); err != nil {
		return fmt.Errorf("recording score: %w", err)
	}

	if err := e.deps.Sessions.SaveAudit(sctx, audit.SessionAudit{
		SessionID: res.SessionID,
		Scores:    res.Scores,
		Status:    res.Status,
		AuditedAt: now,
		AuditedBy: e.opts.AuditorID,
		Escalated: res.Escalated,
	}); err != nil {
		return fmt.Errorf("saving audit: %w", err)
	}
	return nil
}
