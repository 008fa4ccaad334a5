package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/escalation"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *audit.Store
	engine *engine.Engine
	server *Server
	h      http.Handler
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertRules(ctx, []policy.Rule{{
		ID: "PR-001", Name: "truth_score_critical", Metric: policy.MetricTruthScore,
		Operator: policy.OpLT, Threshold: 50, Severity: policy.SeverityCritical,
		Action: policy.ActionDisable, Enabled: true,
	}}))

	metrics := telemetry.NewMetrics(false)
	e, err := engine.New(engine.Options{
		Escalation: escalation.Config{SessionLength: 1 << 20, ScoreDrop: 1000, SampleRate: -1},
	}, engine.Deps{
		Sessions: store, Rules: store, Scores: store, Events: store, Registry: store, Recorder: metrics,
	}, testLogger())
	require.NoError(t, err)

	srv, err := NewServer(Options{Addr: "127.0.0.1:0", APIKey: apiKey, Version: "test"}, Deps{
		Auditor:  e,
		Agents:   store,
		Sessions: store,
		Events:   store,
		Reload:   e.Reload,
		Metrics:  metrics.Handler(),
	}, testLogger())
	require.NoError(t, err)
	return &fixture{store: store, engine: e, server: srv, h: srv.Handler()}
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Init(context.Background()))
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const goodSession = `{"session_id":"s-good","agent_id":"a-good","started_at":"2026-01-01T10:00:00Z",
"ended_at":"2026-01-01T10:05:00Z","message_count":6,"user_messages":3,"agent_messages":3,
"avg_response_time_ms":500}`

const badSession = `{"session_id":"s-bad","agent_id":"a-bad","started_at":"2026-01-01T11:00:00Z",
"ended_at":"2026-01-01T11:05:00Z","message_count":10,"user_messages":5,"agent_messages":5,
"errors_count":5,"retries_count":1,"avg_response_time_ms":3000}`

func TestHealth(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, "GET", "/api/audit/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.init(t)
	rec = f.do(t, "GET", "/api/audit/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "CAO-AUD-001", body["auditor_id"])
	assert.Equal(t, 1.0, body["rules_loaded"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestIngestPendingAndAuditSession(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)

	rec := f.do(t, "POST", "/api/sessions", "["+goodSession+","+badSession+"]")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, decode[map[string]any](t, rec)["accepted"])

	rec = f.do(t, "GET", "/api/audit/pending?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Count    int                    `json:"pending_count"`
		Sessions []audit.PendingSession `json:"sessions"`
	}](t, rec)
	require.Equal(t, 2, pending.Count)
	assert.Equal(t, "s-good", pending.Sessions[0].SessionID, "oldest end time first")

	rec = f.do(t, "POST", "/api/audit/session", `{"session_id":"s-bad"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AuditResponse](t, rec)
	assert.Equal(t, audit.StatusFailed, res.Status)
	assert.Equal(t, 46.25, res.TruthScore)
	assert.Equal(t, []string{"disabled:PR-001"}, res.Actions)
	assert.False(t, res.Escalated)
	assert.Nil(t, res.EscalationReason)

	rec = f.do(t, "GET", "/api/audit/agent/a-bad", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.AgentDisabled, decode[audit.AgentState](t, rec).Status)

	rec = f.do(t, "GET", "/api/audit/events?agent_id=a-bad", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	require.Len(t, events.Events, 1)
	assert.Equal(t, audit.EventDisable, events.Events[0].Kind)

	rec = f.do(t, "GET", "/api/audit/agents/requiring-action", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a-bad")
}

func TestAuditSession_Errors(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, "POST", "/api/audit/session/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/api/sessions", goodSession).Code)
	rec = f.do(t, "POST", "/api/audit/session/s-good", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/audit/session", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/audit/session", `{bad`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/sessions", `{"agent_id":`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "POST", "/api/sessions", `{"agent_id":"a"}`).Code)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/api/sessions", "["+goodSession+","+badSession+"]").Code)

	rec := f.do(t, "POST", "/api/audit/batch", `{"limit":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Passed)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "s-good", resp.Results[0].SessionID)

	// Nothing left.
	rec = f.do(t, "POST", "/api/audit/batch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[BatchResponse](t, rec).Total)

	rec = f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `truthaudit_audits_total{status="passed"} 1`)
	assert.Contains(t, rec.Body.String(), `truthaudit_actions_total{kind="disable"} 1`)
}

func TestBatchBackground(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/api/sessions", goodSession).Code)

	rec := f.do(t, "POST", "/api/audit/batch/background", `{"limit":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "Auditing up to 5 sessions in background")

	require.Eventually(t, func() bool {
		st, err := f.store.SessionStatus(context.Background(), "s-good")
		return err == nil && st == audit.StatusPassed
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "POST", "/api/audit/batch/background", "").Code)
}

func TestRulesAndReload(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "GET", "/api/audit/rules", "").Code)

	rec := f.do(t, "POST", "/api/audit/rules/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/audit/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Rules []policy.Rule `json:"rules"`
		Total int           `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "PR-001", body.Rules[0].ID)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)

	rec := f.do(t, "POST", "/api/audit/agent/a1/pause?reason=maintenance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maintenance", decode[map[string]string](t, rec)["reason"])

	st, err := f.store.Agent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentPaused, st.Status)

	rec = f.do(t, "POST", "/api/audit/agent/a2/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Manual pause via API", decode[map[string]string](t, rec)["reason"])

	rec = f.do(t, "POST", "/api/audit/agent/a1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st, err = f.store.Agent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentActive, st.Status)

	rec = f.do(t, "GET", "/api/audit/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, decode[map[string]any](t, rec)["total"])

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/audit/agent/ghost", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/audit/pending?limit=x", "").Code)
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, "s3cret")
	f.init(t)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/api/audit/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/api/audit/rules", "").Code)

	req := httptest.NewRequest("GET", "/api/audit/rules", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOptionalDepsAnswerNotImplemented(t *testing.T) {
	f := newFixture(t, "")
	srv, err := NewServer(Options{}, Deps{Auditor: f.engine}, testLogger())
	require.NoError(t, err)

	for _, path := range []string{"/api/audit/agents", "/api/audit/events", "/api/audit/agent/x"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)
	require.NoError(t, f.server.Listen())

	errc := make(chan error, 1)
	go func() { errc <- f.server.Serve() }()

	resp, err := http.Get("http://" + f.server.Addr() + "/api/audit/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	require.NoError(t, <-errc)
}

func TestAuditSession_ClaimedElsewhere(t *testing.T) {
	f := newFixture(t, "")
	f.init(t)
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/api/sessions", goodSession).Code)

	claimed, err := f.store.ClaimSession(context.Background(), "s-good")
	require.NoError(t, err)
	require.True(t, claimed)

	rec := f.do(t, "POST", "/api/audit/session", `{"session_id":"s-good"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "being audited")

	rec = f.do(t, "POST", "/api/audit/batch", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.0, decode[map[string]any](t, rec)["total_audited"])
}
