// Package registry keeps agent state in Redis so several auditor processes
// share one view of paused and disabled agents.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oktsec/truthaudit/internal/audit"
)

// DefaultPrefix namespaces every key the registry writes.
const DefaultPrefix = "truthaudit:"

// transition applies a state change unless the agent is already in it.
// A pause never downgrades a disabled agent. Returns 1 when applied.
//
// KEYS[1] agent hash, KEYS[2] agent index set
// ARGV    target status, reason, timestamp, agent id
var transition = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
local want = ARGV[1]
if cur == want then return 0 end
if want == 'paused' and cur == 'disabled' then return 0 end
if want == 'active' then
  redis.call('HDEL', KEYS[1], 'reason', 'paused_at')
else
  redis.call('HSET', KEYS[1], 'reason', ARGV[2], 'paused_at', ARGV[3])
end
redis.call('HSET', KEYS[1], 'status', want, 'updated_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisRegistry implements the engine's AgentRegistry on Redis.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRegistry connects and verifies the server is reachable.
func NewRedisRegistry(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRegistry(rdb, cfg.Prefix, logger), nil
}

func newRegistry(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix, logger: logger, now: time.Now}
}

// Close closes the client.
func (r *RedisRegistry) Close() error {
	return r.rdb.Close()
}

func (r *RedisRegistry) agentKey(agentID string) string { return r.prefix + "agent:" + agentID }
func (r *RedisRegistry) indexKey() string { return r.prefix + "agents" }

func (r *RedisRegistry) apply(ctx context.Context, agentID, status, reason string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	applied, err := transition.Run(ctx, r.rdb,
		[]string{r.agentKey(agentID), r.indexKey()},
		status, reason, r.now().UTC().Format(time.RFC3339Nano), agentID,
	).Int()
	if err != nil {
		return fmt.Errorf("setting agent %s %s: %w", agentID, status, err)
	}
	if applied == 0 {
		r.logger.Debug("agent state unchanged", "agent", agentID, "status", status)
	}
	return nil
}

// Pause marks an agent paused.
func (r *RedisRegistry) Pause(ctx context.Context, agentID, reason string) error {
	return r.apply(ctx, agentID, audit.AgentPaused, reason)
}

// Disable marks an agent disabled.
func (r *RedisRegistry) Disable(ctx context.Context, agentID, reason string) error {
	return r.apply(ctx, agentID, audit.AgentDisabled, reason)
}

// Resume returns an agent to active.
func (r *RedisRegistry) Resume(ctx context.Context, agentID string) error {
	return r.apply(ctx, agentID, audit.AgentActive, "")
}

// Agent returns one agent's state, or audit.ErrNotFound.
func (r *RedisRegistry) Agent(ctx context.Context, agentID string) (audit.AgentState, error) {
	fields, err := r.rdb.HGetAll(ctx, r.agentKey(agentID)).Result()
	if err != nil {
		return audit.AgentState{}, fmt.Errorf("reading agent %s: %w", agentID, err)
	}
	if len(fields) == 0 {
		return audit.AgentState{}, audit.ErrNotFound
	}
	return toState(agentID, fields), nil
}

// Agents lists every agent the registry has seen, ordered by id.
func (r *RedisRegistry) Agents(ctx context.Context) ([]audit.AgentState, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	sort.Strings(ids)

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.agentKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("reading agents: %w", err)
		}
	}

	out := make([]audit.AgentState, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, toState(id, fields))
	}
	return out, nil
}

func toState(agentID string, fields map[string]string) audit.AgentState {
	a := audit.AgentState{
		AgentID: agentID,
		Status:  fields["status"],
		Reason:  fields["reason"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["paused_at"]); err == nil {
		a.PausedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		a.UpdatedAt = t
	}
	return a
}
