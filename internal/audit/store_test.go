package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/scoring"
	"github.com/oktsec/truthaudit/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession(id, agent string, ended time.Time) SessionInput {
	return SessionInput{
		SessionID:           id,
		AgentID:             agent,
		StartedAt:           ended.Add(-time.Minute),
		EndedAt:             ended,
		MessageCount:        6,
		AgentMessages:       3,
		UserMessages:        3,
		ToolCalls:           4,
		ErrorsCount:         1,
		AvgResponseTimeMs:   1200,
		DataSourcesAccessed: []string{"crm"},
	}
}

func TestPendingSessionsOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertSession(ctx, sampleSession("s-late", "a", base.Add(2*time.Hour))))
	require.NoError(t, store.InsertSession(ctx, sampleSession("s-early", "a", base)))
	require.NoError(t, store.InsertSession(ctx, sampleSession("s-mid", "b", base.Add(time.Hour))))

	// An open session has no end time and must not be listed.
	open := sampleSession("s-open", "b", base)
	open.EndedAt = time.Time{}
	require.NoError(t, store.InsertSession(ctx, open))

	recs, err := store.PendingSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "s-early", recs[0].ID())
	assert.Equal(t, "s-mid", recs[1].ID())
	assert.Equal(t, "s-late", recs[2].ID())

	recs, err = store.PendingSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSessionRecordFeedsExtractor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSession(ctx, sampleSession("s1", "agent-1", time.Now())))

	rec, err := store.Session(ctx, "s1")
	require.NoError(t, err)

	m, err := session.Extract(rec)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", m.AgentID)
	assert.Equal(t, 6, m.MessageCount)
	assert.Equal(t, 4, m.ToolCalls)
	assert.Equal(t, 1, m.ErrorsCount)
	assert.Equal(t, 1200.0, m.AvgResponseTimeMs)
	assert.True(t, m.HasCitations)

	_, err = store.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAuditRemovesFromPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSession(ctx, sampleSession("s1", "a", time.Now())))

	err := store.SaveAudit(ctx, SessionAudit{
		SessionID: "s1",
		Scores:    scoring.Score{TruthScore: 92.5, AccuracyScore: 90},
		Status:    StatusPassed,
		AuditedAt: time.Now(),
		AuditedBy: "CAO-AUD-001",
	})
	require.NoError(t, err)

	st, err := store.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, st)

	recs, err := store.PendingSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	err = store.SaveAudit(ctx, SessionAudit{SessionID: "nope", Status: StatusPassed, AuditedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSession(ctx, sampleSession("s1", "a", time.Now())))

	ok, err := store.ClaimSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ClaimSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")
	ok, err = store.ClaimSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := store.PendingSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, store.ReleaseSession(ctx, "s1"))
	st, err := store.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestRequeueStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSession(ctx, sampleSession("s1", "a", time.Now())))

	claimedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return claimedAt }
	ok, err := store.ClaimSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	store.now = time.Now

	n, err := store.RequeueStale(ctx, claimedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.RequeueStale(ctx, claimedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	st, err := store.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestAppendScoreReplacesSameID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, v := range []float64{40, 60} {
		require.NoError(t, store.AppendScore(ctx, ScoreRecord{
			ID: "SCORE-s1", AgentID: "a", SessionID: "s1", ScoreType: "truth_score", Value: v, CreatedAt: now,
		}))
	}
	require.NoError(t, store.AppendScore(ctx, ScoreRecord{
		ID: "SCORE-s2", AgentID: "a", SessionID: "s2", ScoreType: "truth_score", Value: 80, CreatedAt: now,
	}))

	b, err := store.Baselines(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 70.0, b["a"])
}

func TestSyncRulesDisablesMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seeded := []policy.Rule{
		{ID: "A", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 40, Severity: policy.SeverityHigh, Action: policy.ActionPause, Enabled: true},
		{ID: "B", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 60, Severity: policy.SeverityHigh, Action: policy.ActionAlert, Enabled: true},
	}
	require.NoError(t, store.UpsertRules(ctx, seeded))

	catalog := []policy.Rule{
		{ID: "C", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 50, Severity: policy.SeverityHigh, Action: policy.ActionWarn, Enabled: true},
		{ID: "B", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 55, Severity: policy.SeverityHigh, Action: policy.ActionAlert, Enabled: true},
	}
	require.NoError(t, store.SyncRules(ctx, catalog))

	enabled, err := store.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "C", enabled[0].ID, "catalog order is load order")
	assert.Equal(t, "B", enabled[1].ID)
	assert.Equal(t, 55.0, enabled[1].Threshold)

	n, err := store.RuleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "missing rules are disabled, not deleted")
}

func TestRulesPriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rules := []policy.Rule{
		{ID: "low", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 80, Severity: "low", Action: policy.ActionLog, Enabled: true},
		{ID: "crit-b", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 40, Severity: policy.SeverityCritical, Action: policy.ActionDisable, Enabled: true},
		{ID: "off", Metric: policy.MetricTruthScore, Operator: policy.OpLT, Threshold: 10, Severity: policy.SeverityCritical, Action: policy.ActionDisable, Enabled: false},
		{ID: "crit-a", Metric: policy.MetricErrorRate, Operator: policy.OpGT, Threshold: 0.5, Severity: policy.SeverityCritical, Action: policy.ActionPause, Enabled: true, NotifyChannels: []string{"slack:#ops"}},
	}
	require.NoError(t, store.UpsertRules(ctx, rules))

	got, err := store.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "crit-b", got[0].ID, "load order breaks severity ties")
	assert.Equal(t, "crit-a", got[1].ID)
	assert.Equal(t, "low", got[2].ID)
	assert.Equal(t, []string{"slack:#ops"}, got[1].NotifyChannels)

	n, err := store.RuleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestBaselinesWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, v := range []float64{80, 90} {
		require.NoError(t, store.AppendScore(ctx, ScoreRecord{
			ID: "SCORE-" + string(rune('A'+i)), AgentID: "a", ScoreType: "truth_score", Value: v, CreatedAt: now,
		}))
	}
	require.NoError(t, store.AppendScore(ctx, ScoreRecord{
		ID: "SCORE-OLD", AgentID: "a", ScoreType: "truth_score", Value: 10, CreatedAt: now.Add(-30 * 24 * time.Hour),
	}))
	require.NoError(t, store.AppendScore(ctx, ScoreRecord{
		ID: "SCORE-OTHER", AgentID: "b", ScoreType: "accuracy", Value: 10, CreatedAt: now,
	}))

	b, err := store.Baselines(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 85}, b)
}

func TestAppendAndQueryEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	threshold := 60.0
	value := 42.0

	require.NoError(t, store.AppendEvent(ctx, Event{
		ID: "EVT-1", Kind: EventPause, AgentID: "a", SessionID: "s1", TriggerReason: "truth_low",
		TriggerValue: &value, ThresholdValue: &threshold, TruthScore: 42, ActionTaken: "paused:R1",
		CreatedBy: "CAO-AUD-001", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.AppendEvent(ctx, Event{
		ID: "EVT-2", Kind: EventEscalate, AgentID: "a", SessionID: "s1", TriggerReason: "session_length",
		ActionTaken: "escalated:session_length", EscalatedTo: "CAO-LLM-A5289A", CreatedBy: "CAO-AUD-001",
		CreatedAt: time.Now(),
	}))

	evs, err := store.Events(ctx, EventQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, evs, 2)

	evs, err = store.Events(ctx, EventQuery{Kind: EventPause})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].ThresholdValue)
	assert.Equal(t, 60.0, *evs[0].ThresholdValue)
	assert.Nil(t, evs[0].ErrorRate)

	evs, err = store.Events(ctx, EventQuery{Kind: EventEscalate})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Nil(t, evs[0].TriggerValue)
	assert.Equal(t, "CAO-LLM-A5289A", evs[0].EscalatedTo)
}

func TestRegistryIdempotence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Pause(ctx, "a", "first"))
	first, err := store.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, AgentPaused, first.Status)
	assert.Equal(t, "first", first.Reason)
	require.NotNil(t, first.PausedAt)

	// Second pause leaves the original reason and timestamp.
	require.NoError(t, store.Pause(ctx, "a", "second"))
	again, err := store.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", again.Reason)
	assert.Equal(t, first.PausedAt, again.PausedAt)

	require.NoError(t, store.Disable(ctx, "a", "critical"))
	require.NoError(t, store.Pause(ctx, "a", "late pause"))
	dis, err := store.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, AgentDisabled, dis.Status)
	assert.Equal(t, "critical", dis.Reason)

	require.NoError(t, store.Resume(ctx, "a"))
	res, err := store.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, AgentActive, res.Status)
	assert.Empty(t, res.Reason)
	assert.Nil(t, res.PausedAt)

	agents, err := store.Agents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	_, err = store.Agent(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Result{
		{Status: StatusPassed},
		{Status: StatusPassed, Escalated: true},
		{Status: StatusWarning},
		{Status: StatusFailed},
		{Status: StatusEscalated, Escalated: true},
	})
	assert.Equal(t, Summary{Total: 5, Passed: 2, Warnings: 1, Failed: 1, Escalated: 2}, s)
}
