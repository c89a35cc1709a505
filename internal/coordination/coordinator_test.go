package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/domain"
)

// mockRedisClient is an in-memory stand-in for the coordination store. It
// implements the release script's compare-and-delete semantics directly so
// lock tests exercise the same behavior as a real server.
type mockRedisClient struct {
	mu     sync.Mutex
	data   map[string]string
	errors map[string]error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		data:   make(map[string]string),
		errors: make(map[string]error),
	}
}

func (m *mockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStringCmd(ctx, "get", key)
	if err, ok := m.errors[key]; ok {
		cmd.SetErr(err)
		return cmd
	}
	if val, ok := m.data[key]; ok {
		cmd.SetVal(val)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	if err, ok := m.errors[key]; ok {
		cmd.SetErr(err)
		return cmd
	}
	m.data[key] = fmt.Sprintf("%v", value)
	cmd.SetVal("OK")
	return cmd
}

func (m *mockRedisClient) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewBoolCmd(ctx, "setnx", key, value)
	if err, ok := m.errors[key]; ok {
		cmd.SetErr(err)
		return cmd
	}
	if _, exists := m.data[key]; exists {
		cmd.SetVal(false)
	} else {
		m.data[key] = fmt.Sprintf("%v", value)
		cmd.SetVal(true)
	}
	return cmd
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx, "del", keys)
	deleted := int64(0)
	for _, key := range keys {
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			deleted++
		}
	}
	cmd.SetVal(deleted)
	return cmd
}

// Eval implements the compare-and-delete release script.
func (m *mockRedisClient) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewCmd(ctx, "eval", script, keys, args)
	if len(keys) != 1 || len(args) != 1 {
		cmd.SetErr(errors.New("unexpected script arity"))
		return cmd
	}
	if m.data[keys[0]] == fmt.Sprintf("%v", args[0]) {
		delete(m.data, keys[0])
		cmd.SetVal(int64(1))
	} else {
		cmd.SetVal(int64(0))
	}
	return cmd
}

func (m *mockRedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	cmd.SetVal("PONG")
	return cmd
}

func newTestCoordinator(client RedisClient) *Coordinator {
	return New(client, Config{
		LockWait:     300 * time.Millisecond,
		LockHold:     10 * time.Second,
		InterruptTTL: time.Hour,
	}, nil)
}

func TestAcquireRunLockExclusive(t *testing.T) {
	client := newMockRedisClient()
	c := newTestCoordinator(client)
	ctx := context.Background()

	lease, err := c.AcquireRunLock(ctx, 1)
	require.NoError(t, err)

	// A second acquisition for the same run times out within the bounded wait.
	start := time.Now()
	_, err = c.AcquireRunLock(ctx, 1)
	require.ErrorIs(t, err, domain.ErrLockUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// A different run is unaffected.
	other, err := c.AcquireRunLock(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))

	// Released lock can be re-acquired immediately.
	again, err := c.AcquireRunLock(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLockReleaseIsHolderScoped(t *testing.T) {
	client := newMockRedisClient()
	c := newTestCoordinator(client)
	ctx := context.Background()

	lease, err := c.AcquireRunLock(ctx, 7)
	require.NoError(t, err)

	// Simulate lease expiry plus re-acquisition by another worker.
	client.mu.Lock()
	client.data[lockKeyPrefix+"7"] = "someone-else"
	client.mu.Unlock()

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, lease.Release(ctx))
	client.mu.Lock()
	val := client.data[lockKeyPrefix+"7"]
	client.mu.Unlock()
	assert.Equal(t, "someone-else", val)
}

func TestAcquireRunLockRespectsContext(t *testing.T) {
	client := newMockRedisClient()
	c := New(client, Config{LockWait: 10 * time.Second}, nil)

	lease, err := c.AcquireRunLock(context.Background(), 3)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = c.AcquireRunLock(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInterruptFlagLifecycle(t *testing.T) {
	client := newMockRedisClient()
	c := newTestCoordinator(client)
	ctx := context.Background()

	// Absence means continue.
	assert.False(t, c.ShouldInterrupt(ctx, 5))

	require.NoError(t, c.RequestInterrupt(ctx, 5))
	assert.True(t, c.ShouldInterrupt(ctx, 5))

	// Idempotent.
	require.NoError(t, c.RequestInterrupt(ctx, 5))
	assert.True(t, c.ShouldInterrupt(ctx, 5))

	require.NoError(t, c.ClearInterrupt(ctx, 5))
	assert.False(t, c.ShouldInterrupt(ctx, 5))

	// Flags are run-scoped.
	require.NoError(t, c.RequestInterrupt(ctx, 5))
	assert.False(t, c.ShouldInterrupt(ctx, 6))
}

func TestShouldInterruptDegradesOnError(t *testing.T) {
	client := newMockRedisClient()
	client.errors[interruptKeyPrefix+"9"] = errors.New("connection refused")
	c := newTestCoordinator(client)

	// A store failure must never stall processing.
	assert.False(t, c.ShouldInterrupt(context.Background(), 9))
}

func TestStateMirror(t *testing.T) {
	client := newMockRedisClient()
	c := newTestCoordinator(client)
	ctx := context.Background()

	state, err := c.RunState(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, c.SetRunState(ctx, 4, string(domain.RunInProgress)))
	state, err = c.RunState(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", state)
}

func TestSyncFromDurable(t *testing.T) {
	client := newMockRedisClient()
	c := newTestCoordinator(client)
	ctx := context.Background()

	// Paused in the durable store implies flag set.
	require.NoError(t, c.SyncFromDurable(ctx, 8, domain.RunPaused))
	assert.True(t, c.ShouldInterrupt(ctx, 8))
	state, err := c.RunState(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", state)

	// Active in the durable store implies flag cleared.
	require.NoError(t, c.SyncFromDurable(ctx, 8, domain.RunInProgress))
	assert.False(t, c.ShouldInterrupt(ctx, 8))
}
