package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"
)

// Backend is the full storage surface shared by Store and PGStore.
type Backend interface {
	InsertSession(ctx context.Context, in SessionInput) error
	PendingSessions(ctx context.Context, limit int) ([]session.Record, error)
	Session(ctx context.Context, id string) (session.Record, error)
	SaveAudit(ctx context.Context, a SessionAudit) error
	ClaimSession(ctx context.Context, id string) (bool, error)
	ReleaseSession(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
	SessionStatus(ctx context.Context, id string) (Status, error)

	EnabledRules(ctx context.Context) ([]policy.Rule, error)
	AllRules(ctx context.Context) ([]policy.Rule, error)
	UpsertRules(ctx context.Context, rules []policy.Rule) error
	SyncRules(ctx context.Context, rules []policy.Rule) error
	RuleCount(ctx context.Context) (int, error)

	AppendScore(ctx context.Context, rec ScoreRecord) error
	Baselines(ctx context.Context, since time.Time) (map[string]float64, error)
	AppendEvent(ctx context.Context, e Event) error
	Events(ctx context.Context, q EventQuery) ([]Event, error)

	Pause(ctx context.Context, agentID, reason string) error
	Disable(ctx context.Context, agentID, reason string) error
	Resume(ctx context.Context, agentID string) error
	Agent(ctx context.Context, agentID string) (AgentState, error)
	Agents(ctx context.Context) ([]AgentState, error)

	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*PGStore)(nil)
)

// Open returns the backend for driver: "sqlite" opens path, "postgres"
// connects to dsn.
func Open(ctx context.Context, driver, path, dsn string, logger *slog.Logger) (Backend, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewStore(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := NewPGStore(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
