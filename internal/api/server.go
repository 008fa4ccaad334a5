// Package api serves the audit engine over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/policy"
)

// Auditor is the slice of the engine the API drives.
type Auditor interface {
	Health() engine.Health
	AuditByID(ctx context.Context, sessionID string) (audit.Result, error)
	RunBatch(ctx context.Context, limit int) ([]audit.Result, audit.Summary, error)
	ListRules() ([]policy.Rule, error)
	ListPending(ctx context.Context, limit int) ([]audit.PendingSession, error)
	PauseAgent(ctx context.Context, agentID, reason string) error
	ResumeAgent(ctx context.Context, agentID string) error
}

// AgentLister reads agent state from the registry.
type AgentLister interface {
	Agent(ctx context.Context, agentID string) (audit.AgentState, error)
	Agents(ctx context.Context) ([]audit.AgentState, error)
}

// SessionWriter ingests ended sessions.
type SessionWriter interface {
	InsertSession(ctx context.Context, in audit.SessionInput) error
}

// EventReader queries audit events.
type EventReader interface {
	Events(ctx context.Context, q audit.EventQuery) ([]audit.Event, error)
}

// Deps wires the server. Agents, Sessions, Events and Metrics are
// optional; their routes answer 501 when unset. Reload defaults to a no-op.
type Deps struct {
	Auditor  Auditor
	Agents   AgentLister
	Sessions SessionWriter
	Events   EventReader
	Reload   func(context.Context) error
	Metrics  http.Handler
}

// Options configures the listener.
type Options struct {
	Addr    string
	APIKey  string
	Version string
	// BatchLimit is the default for batch requests that omit a limit.
	BatchLimit int
}

// Server is the truthaudit HTTP API.
type Server struct {
	opts    Options
	deps    Deps
	srv     *http.Server
	ln      net.Listener
	logger  *slog.Logger
	handler http.Handler

	bgMu sync.Mutex
	bg   sync.WaitGroup
	// bgCtx parents background batches; cancelled by Shutdown.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer builds the routes and middleware chain. Call Listen and Serve
// to accept connections, or use Handler directly.
func NewServer(opts Options, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Auditor == nil {
		return nil, fmt.Errorf("api: auditor is required")
	}
	if deps.Reload == nil {
		deps.Reload = func(context.Context) error { return nil }
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		deps:     deps,
		logger:   logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/audit/health", s.handleHealth)
	mux.HandleFunc("POST /api/audit/session", s.handleAuditSession)
	mux.HandleFunc("POST /api/audit/session/{id}", s.handleAuditSession)
	mux.HandleFunc("POST /api/audit/batch", s.handleBatch)
	mux.HandleFunc("POST /api/audit/batch/background", s.handleBatchBackground)
	mux.HandleFunc("GET /api/audit/rules", s.handleRules)
	mux.HandleFunc("POST /api/audit/rules/reload", s.handleReload)
	mux.HandleFunc("GET /api/audit/pending", s.handlePending)
	mux.HandleFunc("GET /api/audit/events", s.handleEvents)
	mux.HandleFunc("GET /api/audit/agents", s.handleAgents)
	mux.HandleFunc("GET /api/audit/agents/requiring-action", s.handleAgentsRequiringAction)
	mux.HandleFunc("GET /api/audit/agent/{id}", s.handleAgent)
	mux.HandleFunc("POST /api/audit/agent/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/audit/agent/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/sessions", s.handleIngest)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	var h http.Handler = mux
	h = bearerAuth(opts.APIKey)(h)
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	h = otelhttp.NewHandler(h, "truthaudit.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	s.handler = h

	s.srv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address. Port 0 picks a free port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("truthaudit api listening", "addr", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers and background
// batches. Background batches see their context cancelled and stop
// between sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api")
	err := s.srv.Shutdown(ctx)
	s.bgMu.Lock()
	s.bgCancel()
	s.bgMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// startBackground runs fn detached from the request.
func (s *Server) startBackground(fn func(context.Context)) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bgCtx.Err() != nil {
		return false
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.bgCtx)
	}()
	return true
}
