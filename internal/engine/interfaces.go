package engine

import (
	"context"
	"errors"
	"time"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"
)

var (
	// ErrSessionNotFound is returned by AuditByID for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyAudited is returned by AuditByID when re-audits are disabled
	// and the session is no longer pending.
	ErrAlreadyAudited = errors.New("session already audited")
	// ErrAuditInProgress is returned by AuditByID when another audit holds
	// the session's claim.
	ErrAuditInProgress = errors.New("session audit in progress")
	// ErrNotInitialized is returned before Init has loaded rules and baselines.
	ErrNotInitialized = errors.New("engine not initialized")
)

// SessionStore reads ended sessions and takes audit write-backs.
//
// ClaimSession atomically moves a pending session to auditing and reports
// whether this caller won it. ReleaseSession undoes a claim after a failed
// audit; RequeueStale releases claims left behind by a crashed process.
type SessionStore interface {
	PendingSessions(ctx context.Context, limit int) ([]session.Record, error)
	Session(ctx context.Context, id string) (session.Record, error)
	SaveAudit(ctx context.Context, a audit.SessionAudit) error
	ClaimSession(ctx context.Context, id string) (bool, error)
	ReleaseSession(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

// RuleStore reads the enabled rules, ordered by severity.
type RuleStore interface {
	EnabledRules(ctx context.Context) ([]policy.Rule, error)
}

// ScoreStore appends score history and aggregates baselines from it.
// AppendScore replaces a record with the same id.
type ScoreStore interface {
	AppendScore(ctx context.Context, rec audit.ScoreRecord) error
	Baselines(ctx context.Context, since time.Time) (map[string]float64, error)
}

// EventStore appends audit events.
type EventStore interface {
	AppendEvent(ctx context.Context, e audit.Event) error
}

// AgentRegistry accepts agent state transition requests. Implementations
// must treat a request for the current state as a no-op.
type AgentRegistry interface {
	Pause(ctx context.Context, agentID, reason string) error
	Disable(ctx context.Context, agentID, reason string) error
	Resume(ctx context.Context, agentID string) error
}

// Notifier dispatches a message to channels and users. It never fails the
// caller; delivery errors are the notifier's to log.
type Notifier interface {
	Notify(ctx context.Context, channels, users []string, message string)
}

// Recorder observes audit outcomes. telemetry.Metrics implements it.
type Recorder interface {
	AuditCompleted(r audit.Result, elapsed time.Duration)
	AuditFailed(stage string)
	ActionTaken(kind string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []string, []string, string) {}

type nopRecorder struct{}

func (nopRecorder) AuditCompleted(audit.Result, time.Duration) {}
func (nopRecorder) AuditFailed(string)                         {}
func (nopRecorder) ActionTaken(string)                         {}
