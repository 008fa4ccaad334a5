package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/policy"
)

const maxBodyBytes = 1 << 20

// AuditResponse is the wire form of one audit result.
type AuditResponse struct {
	SessionID        string             `json:"session_id"`
	AgentID          string             `json:"agent_id"`
	TruthScore       float64            `json:"truth_score"`
	Status           audit.Status       `json:"status"`
	Actions          []string           `json:"actions"`
	Escalated        bool               `json:"escalated"`
	EscalationReason *string            `json:"escalation_reason"`
	TriggeredRules   []policy.Triggered `json:"triggered_rules,omitempty"`
}

// BatchResponse is a batch summary plus its results.
type BatchResponse struct {
	audit.Summary
	Results []AuditResponse `json:"results"`
}

func toResponse(r audit.Result) AuditResponse {
	return AuditResponse{
		SessionID:        r.SessionID,
		AgentID:          r.AgentID,
		TruthScore:       r.Scores.TruthScore,
		Status:           r.Status,
		Actions:          r.ActionsTaken,
		Escalated:        r.Escalated,
		EscalationReason: r.EscalationReason,
		TriggeredRules:   r.TriggeredRules,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Auditor.Health()
	status, code := "healthy", http.StatusOK
	if !h.Initialized {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"version":          s.opts.Version,
		"auditor_id":       h.AuditorID,
		"rules_loaded":     h.RulesLoaded,
		"baselines_loaded": h.BaselinesLoaded,
	})
}

func (s *Server) handleAuditSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id = req.SessionID
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	res, err := s.deps.Auditor.AuditByID(r.Context(), id)
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session "+id+" not found")
	case errors.Is(err, engine.ErrAlreadyAudited):
		writeError(w, http.StatusConflict, "session "+id+" already audited")
	case errors.Is(err, engine.ErrAuditInProgress):
		writeError(w, http.StatusConflict, "session "+id+" is being audited")
	case errors.Is(err, engine.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("session audit failed", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "audit failed")
	default:
		writeJSON(w, http.StatusOK, toResponse(res))
	}
}

func (s *Server) batchLimit(r *http.Request) (int, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		return 0, err
	}
	if req.Limit <= 0 {
		req.Limit = s.opts.BatchLimit
	}
	return req.Limit, nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	limit, err := s.batchLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, sum, err := s.deps.Auditor.RunBatch(r.Context(), limit)
	if errors.Is(err, engine.ErrNotInitialized) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("batch audit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "batch audit failed")
		return
	}
	resp := BatchResponse{Summary: sum, Results: make([]AuditResponse, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, toResponse(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatchBackground(w http.ResponseWriter, r *http.Request) {
	limit, err := s.batchLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reqID := RequestID(r.Context())
	started := s.startBackground(func(ctx context.Context) {
		_, sum, err := s.deps.Auditor.RunBatch(ctx, limit)
		if err != nil {
			s.logger.Error("background batch failed", "request_id", reqID, "error", err)
			return
		}
		s.logger.Info("background batch complete", "request_id", reqID, "audited", sum.Total)
	})
	if !started {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": "Auditing up to " + strconv.Itoa(limit) + " sessions in background",
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Auditor.ListRules()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reload(r.Context()); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	h := s.deps.Auditor.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "reloaded",
		"rules_loaded":     h.RulesLoaded,
		"baselines_loaded": h.BaselinesLoaded,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	pending, err := s.deps.Auditor.ListPending(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing pending sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing pending sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_count": len(pending), "sessions": pending})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "event queries not available")
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	q := r.URL.Query()
	events, err := s.deps.Events.Events(r.Context(), audit.EventQuery{
		AgentID:   q.Get("agent_id"),
		SessionID: q.Get("session_id"),
		Kind:      q.Get("event_type"),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("querying events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "querying events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, ok := s.listAgents(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}

func (s *Server) handleAgentsRequiringAction(w http.ResponseWriter, r *http.Request) {
	agents, ok := s.listAgents(w, r)
	if !ok {
		return
	}
	out := make([]audit.AgentState, 0, len(agents))
	for _, a := range agents {
		if a.Status != audit.AgentActive {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents_requiring_action": out})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) ([]audit.AgentState, bool) {
	if s.deps.Agents == nil {
		writeError(w, http.StatusNotImplemented, "agent registry not available")
		return nil, false
	}
	agents, err := s.deps.Agents.Agents(r.Context())
	if err != nil {
		s.logger.Error("listing agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing agents failed")
		return nil, false
	}
	return agents, true
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeError(w, http.StatusNotImplemented, "agent registry not available")
		return
	}
	id := r.PathValue("id")
	st, err := s.deps.Agents.Agent(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent "+id+" not found")
		return
	}
	if err != nil {
		s.logger.Error("reading agent failed", "agent", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reading agent failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "Manual pause via API"
	}
	if err := s.deps.Auditor.PauseAgent(r.Context(), id, reason); err != nil {
		s.logger.Error("manual pause failed", "agent", id, "error", err)
		writeError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "agent_id": id, "reason": reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Auditor.ResumeAgent(r.Context(), id); err != nil {
		s.logger.Error("resume failed", "agent", id, "error", err)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "agent_id": id})
}

// handleIngest accepts one session object or an array of them.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotImplemented, "session ingestion not available")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	inputs, err := audit.DecodeSessionInputs(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, in := range inputs {
		if err := s.deps.Sessions.InsertSession(r.Context(), in); err != nil {
			s.logger.Error("session ingest failed", "session", in.SessionID, "error", err)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    err.Error(),
				"accepted": i,
			})
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int{"accepted": len(inputs)})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
