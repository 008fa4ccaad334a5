package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/truthaudit/internal/audit"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	reg, err := NewRedisRegistry(context.Background(), Config{Addr: mr.Addr()},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func TestPauseIsIdempotent(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Pause(ctx, "agent-1", "truth_low"))
	first, err := reg.Agent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentPaused, first.Status)
	assert.Equal(t, "truth_low", first.Reason)
	require.NotNil(t, first.PausedAt)

	require.NoError(t, reg.Pause(ctx, "agent-1", "other"))
	second, err := reg.Agent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "paused", mr.HGet("truthaudit:agent:agent-1", "status"))
}

func TestDisableDominatesPause(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Disable(ctx, "a", "critical"))
	require.NoError(t, reg.Pause(ctx, "a", "late"))

	st, err := reg.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentDisabled, st.Status)
	assert.Equal(t, "critical", st.Reason)
}

func TestResumeClearsPauseMetadata(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Pause(ctx, "a", "truth_low"))
	require.NoError(t, reg.Resume(ctx, "a"))

	st, err := reg.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentActive, st.Status)
	assert.Empty(t, st.Reason)
	assert.Nil(t, st.PausedAt)
}

func TestConcurrentPausesConverge(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Pause(ctx, "shared", "truth_low"))
		}()
	}
	wg.Wait()

	st, err := reg.Agent(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, audit.AgentPaused, st.Status)
}

func TestAgentsListing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Pause(ctx, "b", "x"))
	require.NoError(t, reg.Disable(ctx, "a", "y"))

	agents, err := reg.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].AgentID)
	assert.Equal(t, audit.AgentDisabled, agents[0].Status)
	assert.Equal(t, "b", agents[1].AgentID)

	_, err = reg.Agent(ctx, "ghost")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestCustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := newRegistry(rdb, "ops:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = reg.Close() })

	require.NoError(t, reg.Pause(context.Background(), "a", "r"))
	assert.True(t, mr.Exists("ops:agent:a"))
	assert.Error(t, reg.Pause(context.Background(), "", "r"))
}

func TestUnreachableServer(t *testing.T) {
	_, err := NewRedisRegistry(context.Background(), Config{Addr: "127.0.0.1:1"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
