// Package worker provides the bounded worker pool that executes run
// processing loops. The pool is the engine's admission control for outbound
// LLM load: a fixed, small number of workers with a bounded submission
// queue and an explicit rejection policy instead of unbounded queuing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Pool errors.
var (
	// ErrPoolSaturated indicates the submission queue is full. Callers
	// surface this as a retryable condition; nothing was dispatched.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolClosed indicates the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work dispatched onto the pool. The context is the
// pool's base context; tasks must honor its cancellation.
type Task func(ctx context.Context)

type submission struct {
	name string
	task Task
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	size    int
	tasks   chan submission
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// New creates a pool with the given worker count and queue capacity.
func New(size, queueSize int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		size:   size,
		tasks:  make(chan submission, queueSize),
		logger: logger.With("component", "worker_pool"),
	}
}

// Start launches the worker goroutines. Tasks submitted before Start sit in
// the queue. Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "size", p.size, "queue", cap(p.tasks))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(ctx, id, sub)
		}
	}
}

// runTask executes one submission, containing panics so a misbehaving loop
// cannot take down the worker.
func (p *Pool) runTask(ctx context.Context, id int, sub submission) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "task", sub.name, "panic", fmt.Sprint(r))
		}
	}()
	sub.task(ctx)
}

// Submit enqueues a task for execution. It never blocks: a full queue
// returns ErrPoolSaturated and a stopped pool returns ErrPoolClosed.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.tasks <- submission{name: name, task: task}:
		return nil
	default:
		p.logger.Warn("submission rejected", "task", name, "queue", cap(p.tasks))
		return fmt.Errorf("task %s: %w", name, ErrPoolSaturated)
	}
}

// Stop closes the pool and waits for in-flight tasks to finish. Queued
// tasks that have not started are drained without running via context
// cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	close(p.tasks)
	if started {
		p.wg.Wait()
	}
	p.logger.Info("worker pool stopped")
}
