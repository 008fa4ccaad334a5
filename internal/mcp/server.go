// Package mcp exposes the audit engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/policy"
)

// Auditor is the engine surface the tools call.
type Auditor interface {
	AuditByID(ctx context.Context, sessionID string) (audit.Result, error)
	RunBatch(ctx context.Context, limit int) ([]audit.Result, audit.Summary, error)
	ListRules() ([]policy.Rule, error)
	ListPending(ctx context.Context, limit int) ([]audit.PendingSession, error)
	PauseAgent(ctx context.Context, agentID, reason string) error
	ResumeAgent(ctx context.Context, agentID string) error
}

// AgentLister reads registry state. Optional.
type AgentLister interface {
	Agents(ctx context.Context) ([]audit.AgentState, error)
}

// NewServer creates an MCP server exposing the audit tools. agents may be
// nil, in which case list_agents is not registered.
func NewServer(auditor Auditor, agents AgentLister, version string, logger *slog.Logger) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "truthaudit", Version: version}, &mcp.ServerOptions{
		Instructions: "truthaudit scores ended agent sessions, applies pause rules and escalates " +
			"sessions for secondary review. Use these tools to audit sessions, inspect rules " +
			"and pending work, and pause or resume agents.",
	})

	h := &handlers{auditor: auditor, agents: agents, logger: logger}
	s.AddTool(auditSessionTool(), h.handleAuditSession)
	s.AddTool(auditBatchTool(), h.handleAuditBatch)
	s.AddTool(listPendingTool(), h.handleListPending)
	s.AddTool(listRulesTool(), h.handleListRules)
	s.AddTool(pauseAgentTool(), h.handlePauseAgent)
	s.AddTool(resumeAgentTool(), h.handleResumeAgent)
	if agents != nil {
		s.AddTool(listAgentsTool(), h.handleListAgents)
	}
	return s
}

// Serve runs the server on stdio until ctx is cancelled or the client
// disconnects.
func Serve(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
