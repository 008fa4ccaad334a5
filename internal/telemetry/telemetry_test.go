package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/scoring"
)

func TestMetrics_AuditCompleted(t *testing.T) {
	m := NewMetrics(false)
	reason := "score_drop"

	m.AuditCompleted(audit.Result{Status: audit.StatusPassed, Scores: scoring.Score{TruthScore: 91}}, 3*time.Millisecond)
	m.AuditCompleted(audit.Result{Status: audit.StatusFailed, Scores: scoring.Score{TruthScore: 42}}, time.Millisecond)
	m.AuditCompleted(audit.Result{
		Status: audit.StatusEscalated, Escalated: true, EscalationReason: &reason,
		Scores: scoring.Score{TruthScore: 70},
	}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("score_drop")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.truthScore))
}

func TestMetrics_ActionsAndFailures(t *testing.T) {
	m := NewMetrics(false)
	m.ActionTaken(audit.EventPause)
	m.ActionTaken(audit.EventPause)
	m.ActionTaken(audit.EventDisable)
	m.AuditFailed("actions")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("pause")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("disable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("actions")))

	expected := `
# HELP truthaudit_audit_failures_total Audits that failed, by pipeline stage.
# TYPE truthaudit_audit_failures_total counter
truthaudit_audit_failures_total{stage="actions"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "truthaudit_audit_failures_total"))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(true)
	m.ActionTaken(audit.EventAlert)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `truthaudit_actions_total{kind="alert"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := SetupTracing(TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	shutdown, err = SetupTracing(TracingConfig{Enabled: true, Version: "test", Output: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "audit.session")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"audit.session"`)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
