package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/truthaudit/internal/engine"
)

type handlers struct {
	auditor Auditor
	agents  AgentLister
	logger  *slog.Logger
}

// --- Tool definitions ---

func boolPtr(b bool) *bool { return &b }

func readOnly() *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{ReadOnlyHint: true, DestructiveHint: boolPtr(false), OpenWorldHint: boolPtr(false)}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func auditSessionTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "audit_session",
		Description: "Audit one ended agent session: compute its truth score, apply pause rules " +
			"(which may pause or disable the agent) and decide escalation to secondary review.",
		InputSchema: objectSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session to audit"},
		}, "session_id"),
		Annotations: &mcp.ToolAnnotations{DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(false)},
	}
}

func auditBatchTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "audit_batch",
		Description: "Audit pending sessions, oldest first, and return the batch summary with per-session results.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum sessions to audit (default from config)"},
		}),
		Annotations: &mcp.ToolAnnotations{DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(false)},
	}
}

func listPendingTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_pending",
		Description: "List ended sessions waiting for audit.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum sessions to return (default 20)"},
		}),
		Annotations: readOnly(),
	}
}

func listRulesTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_rules",
		Description: "List the enabled pause rules in the order they are evaluated.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly(),
	}
}

func pauseAgentTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "pause_agent",
		Description: "Pause an agent in the registry. Has no effect on a disabled agent.",
		InputSchema: objectSchema(map[string]any{
			"agent_id": map[string]any{"type": "string", "description": "Agent to pause"},
			"reason":   map[string]any{"type": "string", "description": "Why the agent is paused"},
		}, "agent_id"),
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true, DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(false)},
	}
}

func resumeAgentTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "resume_agent",
		Description: "Return a paused or disabled agent to active.",
		InputSchema: objectSchema(map[string]any{
			"agent_id": map[string]any{"type": "string", "description": "Agent to resume"},
		}, "agent_id"),
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true, OpenWorldHint: boolPtr(false)},
	}
}

func listAgentsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_agents",
		Description: "List agents known to the registry with their status and reason.",
		InputSchema: objectSchema(map[string]any{
			"status": map[string]any{"type": "string", "description": "Filter by status: active, paused, disabled"},
		}),
		Annotations: readOnly(),
	}
}

// --- Handlers ---

type toolArgs struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	Limit     int    `json:"limit"`
}

func parseArgs(req *mcp.CallToolRequest) (toolArgs, error) {
	var a toolArgs
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Limit < 0 {
		return a, fmt.Errorf("limit must not be negative")
	}
	return a, nil
}

func (h *handlers) handleAuditSession(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if args.SessionID == "" {
		return toolError("session_id is required"), nil
	}
	res, err := h.auditor.AuditByID(ctx, args.SessionID)
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return toolError(fmt.Sprintf("session %s not found", args.SessionID)), nil
	case err != nil:
		h.logger.Error("mcp audit failed", "session", args.SessionID, "error", err)
		return toolError(err.Error()), nil
	}
	return jsonResult(res)
}

func (h *handlers) handleAuditBatch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	results, sum, err := h.auditor.RunBatch(ctx, args.Limit)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"total_audited": sum.Total,
		"passed":        sum.Passed,
		"warnings":      sum.Warnings,
		"failed":        sum.Failed,
		"escalated":     sum.Escalated,
		"results":       results,
	})
}

func (h *handlers) handleListPending(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if args.Limit == 0 {
		args.Limit = 20
	}
	pending, err := h.auditor.ListPending(ctx, args.Limit)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return jsonResult(map[string]any{"pending_count": len(pending), "sessions": pending})
}

func (h *handlers) handleListRules(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rules, err := h.auditor.ListRules()
	if err != nil {
		return toolError(err.Error()), nil
	}
	return jsonResult(map[string]any{"rules": rules, "total": len(rules)})
}

func (h *handlers) handlePauseAgent(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if args.AgentID == "" {
		return toolError("agent_id is required"), nil
	}
	if args.Reason == "" {
		args.Reason = "Manual pause via MCP"
	}
	if err := h.auditor.PauseAgent(ctx, args.AgentID, args.Reason); err != nil {
		return toolError(err.Error()), nil
	}
	return textResult(fmt.Sprintf("Agent %s paused: %s", args.AgentID, args.Reason)), nil
}

func (h *handlers) handleResumeAgent(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if args.AgentID == "" {
		return toolError("agent_id is required"), nil
	}
	if err := h.auditor.ResumeAgent(ctx, args.AgentID); err != nil {
		return toolError(err.Error()), nil
	}
	return textResult(fmt.Sprintf("Agent %s resumed", args.AgentID)), nil
}

func (h *handlers) handleListAgents(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return toolError(err.Error()), nil
	}
	agents, err := h.agents.Agents(ctx)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if args.Status != "" {
		kept := agents[:0]
		for _, a := range agents {
			if strings.EqualFold(a.Status, args.Status) {
				kept = append(kept, a)
			}
		}
		agents = kept
	}
	return jsonResult(map[string]any{"agents": agents, "total": len(agents)})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return textResult(string(data)), nil
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
