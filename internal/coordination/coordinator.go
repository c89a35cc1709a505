// Package coordination provides the shared coordination layer for run
// execution: lease-based distributed locks keyed by run id, the ephemeral
// interrupt flag polled by the execution loop, and a non-authoritative
// mirror of run state. Everything here lives in Redis with TTLs; the
// durable store always wins on disagreement and the mirror is
// resynchronized from it, never the other way around.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/evalforge/evalforge/internal/domain"
)

const (
	lockKeyPrefix      = "run:lock:"
	batchLockKeyPrefix = "batch:lock:"
	interruptKeyPrefix = "run:interrupt:"
	stateKeyPrefix     = "run:state:"

	// lockRetryInterval is how often acquisition is retried within the
	// bounded wait.
	lockRetryInterval = 100 * time.Millisecond
)

// releaseLockScript atomically deletes the lock key only when it is still
// held by the releasing token. Prevents a slow holder from releasing a
// lease that already expired and was re-acquired by another worker.
//
// KEYS[1] = lock key
// ARGV[1] = holder token.
const releaseLockScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// RedisClient is the minimal command surface the coordinator needs.
// *redis.Client satisfies it; tests supply a mock that builds command
// results with the redis.New*Cmd constructors.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config controls lock and flag timing.
type Config struct {
	// LockWait bounds how long AcquireRunLock retries before giving up.
	LockWait time.Duration

	// LockHold is the lease duration; a crashed holder frees the lock
	// after this long without any cleanup.
	LockHold time.Duration

	// InterruptTTL is the lifetime of interrupt flags and state mirrors.
	InterruptTTL time.Duration
}

// Coordinator implements the two coordination primitives of the engine:
// TryLock/Unlock via lease locks and SetFlag/GetFlag via interrupt keys.
type Coordinator struct {
	client RedisClient
	cfg    Config
	logger *slog.Logger
}

// New creates a coordinator over the given Redis client.
func New(client RedisClient, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.LockHold <= 0 {
		cfg.LockHold = 30 * time.Second
	}
	if cfg.InterruptTTL <= 0 {
		cfg.InterruptTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "coordination"),
	}
}

// Lease is a held run lock. Release it when the state-transition critical
// section ends; the lease expires on its own if the holder crashes.
type Lease struct {
	key   string
	token string
	c     *Coordinator
}

// AcquireRunLock acquires the lease lock for the run with a bounded wait.
// Returns domain.ErrLockUnavailable when the wait elapses without success;
// no state is mutated in that case and the caller may retry.
func (c *Coordinator) AcquireRunLock(ctx context.Context, runID uint64) (*Lease, error) {
	return c.acquireLock(ctx, fmt.Sprintf("%s%d", lockKeyPrefix, runID))
}

// AcquireBatchLock acquires the lease lock guarding batch-level state
// transitions, with the same bounded-wait semantics as AcquireRunLock.
func (c *Coordinator) AcquireBatchLock(ctx context.Context, batchID uint64) (*Lease, error) {
	return c.acquireLock(ctx, fmt.Sprintf("%s%d", batchLockKeyPrefix, batchID))
}

func (c *Coordinator) acquireLock(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()

	deadline := time.Now().Add(c.cfg.LockWait)
	for {
		ok, err := c.client.SetNX(ctx, key, token, c.cfg.LockHold).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lease{key: key, token: token, c: c}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockUnavailable)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Release frees the lease if this holder still owns it. Releasing an
// expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	res, err := l.c.client.Eval(ctx, releaseLockScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		l.c.logger.Warn("lock lease expired before release", "key", l.key)
	}
	return nil
}

// RequestInterrupt sets the run's interrupt flag. Idempotent; the flag
// means "stop at the next chunk boundary" and carries the configured TTL so
// an abandoned request cannot wedge a run forever.
func (c *Coordinator) RequestInterrupt(ctx context.Context, runID uint64) error {
	key := fmt.Sprintf("%s%d", interruptKeyPrefix, runID)
	if err := c.client.Set(ctx, key, "true", c.cfg.InterruptTTL).Err(); err != nil {
		return fmt.Errorf("set interrupt flag for run %d: %w", runID, err)
	}
	return nil
}

// ClearInterrupt removes the run's interrupt flag. Only resume and
// force-resume call this; the execution loop never clears the flag itself,
// so a request that lands after the loop's last check is not silently lost.
func (c *Coordinator) ClearInterrupt(ctx context.Context, runID uint64) error {
	key := fmt.Sprintf("%s%d", interruptKeyPrefix, runID)
	if err := c.client.Set(ctx, key, "false", c.cfg.InterruptTTL).Err(); err != nil {
		return fmt.Errorf("clear interrupt flag for run %d: %w", runID, err)
	}
	return nil
}

// ShouldInterrupt reports whether a pause has been requested for the run.
// Flag absence means continue. Redis errors also mean continue, with a
// warning: the ephemeral store is an optimization layer and must never
// stall processing that the durable store considers active.
func (c *Coordinator) ShouldInterrupt(ctx context.Context, runID uint64) bool {
	key := fmt.Sprintf("%s%d", interruptKeyPrefix, runID)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("interrupt flag read failed, continuing", "run_id", runID, "error", err)
		}
		return false
	}
	return val == "true"
}

// SetRunState mirrors the durable run status into the shared state store
// so other workers can answer status queries cheaply.
func (c *Coordinator) SetRunState(ctx context.Context, runID uint64, status string) error {
	key := fmt.Sprintf("%s%d", stateKeyPrefix, runID)
	if err := c.client.Set(ctx, key, status, c.cfg.InterruptTTL).Err(); err != nil {
		return fmt.Errorf("mirror state for run %d: %w", runID, err)
	}
	return nil
}

// RunState returns the mirrored status, or empty when no mirror exists.
// Callers must treat the result as a hint; the durable row is authoritative.
func (c *Coordinator) RunState(ctx context.Context, runID uint64) (string, error) {
	key := fmt.Sprintf("%s%d", stateKeyPrefix, runID)
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state mirror for run %d: %w", runID, err)
	}
	return val, nil
}

// SyncFromDurable resynchronizes the ephemeral layer from the durable
// status after a disagreement: the mirror is overwritten and the interrupt
// flag is forced consistent (set for paused runs, cleared for active ones).
func (c *Coordinator) SyncFromDurable(ctx context.Context, runID uint64, status domain.RunStatus) error {
	if err := c.SetRunState(ctx, runID, string(status)); err != nil {
		return err
	}
	switch status {
	case domain.RunPaused:
		return c.RequestInterrupt(ctx, runID)
	case domain.RunInProgress, domain.RunPending:
		return c.ClearInterrupt(ctx, runID)
	default:
		return nil
	}
}

// Ping verifies the shared state store is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	return nil
}
