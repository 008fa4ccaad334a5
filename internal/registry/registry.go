package registry

import (
	"context"

	"github.com/oktsec/truthaudit/internal/audit"
)

// Registry is the agent state surface shared by the audit store and Redis.
type Registry interface {
	Pause(ctx context.Context, agentID, reason string) error
	Disable(ctx context.Context, agentID, reason string) error
	Resume(ctx context.Context, agentID string) error
	Agent(ctx context.Context, agentID string) (audit.AgentState, error)
	Agents(ctx context.Context) ([]audit.AgentState, error)
}

var (
	_ Registry = (*RedisRegistry)(nil)
	_ Registry = (audit.Backend)(nil)
)
