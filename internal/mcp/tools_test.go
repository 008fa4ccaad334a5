package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/escalation"
	"github.com/oktsec/truthaudit/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) (*mcp.ClientSession, *audit.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertRules(ctx, []policy.Rule{{
		ID: "PR-003", Name: "truth_score_low", Metric: policy.MetricTruthScore,
		Operator: policy.OpLT, Threshold: 60, Severity: policy.SeverityHigh,
		Action: policy.ActionPause, Enabled: true,
	}}))
	now := time.Now().UTC()
	require.NoError(t, store.InsertSession(ctx, audit.SessionInput{
		SessionID: "s1", AgentID: "a1", StartedAt: now.Add(-time.Minute), EndedAt: now,
		MessageCount: 10, UserMessages: 5, AgentMessages: 5, ErrorsCount: 5, RetriesCount: 1,
		AvgResponseTimeMs: 3000,
	}))

	e, err := engine.New(engine.Options{
		Escalation: escalation.Config{SessionLength: 1 << 20, ScoreDrop: 1000, SampleRate: -1},
	}, engine.Deps{Sessions: store, Rules: store, Scores: store, Events: store, Registry: store}, testLogger())
	require.NoError(t, err)
	require.NoError(t, e.Init(ctx))

	srv := NewServer(e, store, "test", testLogger())
	ct, st := mcp.NewInMemoryTransports()
	_, err = srv.Connect(ctx, st, nil)
	require.NoError(t, err)

	c := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := c.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, store
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text, res.IsError
}

func TestListTools(t *testing.T) {
	cs, _ := newTestClient(t)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"audit_session", "audit_batch", "list_pending", "list_rules",
		"pause_agent", "resume_agent", "list_agents",
	}, names)
}

func TestAuditSessionTool(t *testing.T) {
	cs, store := newTestClient(t)

	text, isErr := call(t, cs, "list_pending", nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, `"pending_count": 1`)

	text, isErr = call(t, cs, "audit_session", map[string]any{"session_id": "s1"})
	require.False(t, isErr, text)
	var res audit.Result
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.Equal(t, audit.StatusFailed, res.Status)
	assert.Equal(t, []string{"paused:PR-003"}, res.ActionsTaken)

	st, err := store.Agent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentPaused, st.Status)

	text, isErr = call(t, cs, "audit_session", map[string]any{"session_id": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	_, isErr = call(t, cs, "audit_session", map[string]any{})
	assert.True(t, isErr)
}

func TestAuditBatchTool(t *testing.T) {
	cs, _ := newTestClient(t)

	text, isErr := call(t, cs, "audit_batch", map[string]any{"limit": 5})
	require.False(t, isErr, text)
	var out struct {
		Total   int            `json:"total_audited"`
		Failed  int            `json:"failed"`
		Results []audit.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Results, 1)

	text, _ = call(t, cs, "list_pending", nil)
	assert.Contains(t, text, `"pending_count": 0`)
}

func TestRulesAndAgentTools(t *testing.T) {
	cs, _ := newTestClient(t)

	text, isErr := call(t, cs, "list_rules", nil)
	require.False(t, isErr)
	assert.Contains(t, text, `"rule_id": "PR-003"`)
	assert.Contains(t, text, `"total": 1`)

	text, isErr = call(t, cs, "pause_agent", map[string]any{"agent_id": "a9"})
	require.False(t, isErr, text)
	assert.Equal(t, "Agent a9 paused: Manual pause via MCP", text)

	text, _ = call(t, cs, "list_agents", map[string]any{"status": "paused"})
	assert.Contains(t, text, `"a9"`)

	text, isErr = call(t, cs, "resume_agent", map[string]any{"agent_id": "a9"})
	require.False(t, isErr, text)

	text, _ = call(t, cs, "list_agents", map[string]any{"status": "paused"})
	assert.Contains(t, text, `"total": 0`)

	_, isErr = call(t, cs, "pause_agent", map[string]any{})
	assert.True(t, isErr)
	_, isErr = call(t, cs, "list_pending", map[string]any{"limit": -1})
	assert.True(t, isErr)
}
