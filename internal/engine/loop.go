// Package engine implements the chunked execution loop and the checkpoint
// tracker that together drive a run from its current checkpoint to
// completion. The loop suspends only at chunk boundaries: a pause request
// becomes visible after at most one chunk of work, and every chunk commits
// atomically with its checkpoint advance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/store"
	"github.com/evalforge/evalforge/pkg/events"
)

// DefaultChunkSize is the number of items processed between interrupt
// checks and checkpoint commits.
const DefaultChunkSize = 10

// ErrFatal marks a collaborator error as run-level: the loop stops and the
// run is marked FAILED instead of recording a per-item failure. Context
// cancellation is treated the same way.
var ErrFatal = errors.New("fatal run error")

// Fatal wraps err so the loop treats it as run-level.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// InterruptChecker reports whether a cooperative pause was requested for a
// run. Implemented by coordination.Coordinator.
type InterruptChecker interface {
	ShouldInterrupt(ctx context.Context, runID uint64) bool
}

// Engine executes runs. One Engine is shared by all pool workers; per-run
// exclusivity comes from the processing-instance claim, not from the Engine.
type Engine struct {
	store     *store.Store
	tracker   *Tracker
	interrupt InterruptChecker
	processor Processor
	notifier  *notify.Notifier
	chunkSize int
	logger    *slog.Logger
}

// New builds an engine. A non-positive chunkSize falls back to
// DefaultChunkSize.
func New(
	s *store.Store,
	tracker *Tracker,
	interrupt InterruptChecker,
	processor Processor,
	notifier *notify.Notifier,
	chunkSize int,
	logger *slog.Logger,
) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, "", logger)
	}
	return &Engine{
		store:     s,
		tracker:   tracker,
		interrupt: interrupt,
		processor: processor,
		notifier:  notifier,
		chunkSize: chunkSize,
		logger:    logger.With("component", "engine"),
	}
}

// ExecuteRun drives one run until it completes, pauses, or fails. The
// caller must already hold the run's processing-instance claim. Any
// unhandled error marks the run FAILED and is also returned for logging by
// the dispatcher.
func (e *Engine) ExecuteRun(ctx context.Context, runID uint64) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunInProgress {
		return domain.NewRunTransitionError(runID, run.Status, domain.RunInProgress)
	}

	// Safety net: every terminal and pause write below clears the
	// processing-instance marker itself, making this a holder-scoped no-op.
	// It matters on the exits that leave the run IN_PROGRESS, where a
	// lingering marker would block pause and re-dispatch forever.
	if instance := run.ProcessingInstance; instance != "" {
		defer func() {
			if rerr := e.store.ReleaseRun(context.WithoutCancel(ctx), runID, instance); rerr != nil {
				e.logger.Error("failed to release run marker", "run_id", runID, "error", rerr)
			}
		}()
	}

	remaining, err := e.tracker.Remaining(ctx, run)
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("compute remaining work: %w", err))
	}

	e.logger.Info("run loop starting",
		"run_id", run.ID,
		"batch_id", run.BatchID,
		"remaining", len(remaining),
		"checkpoint", run.Checkpoint())

	completed, failed := run.CompletedCount, run.FailedCount

	for start := 0; start < len(remaining); start += e.chunkSize {
		// Cooperative pause point. Interruption granularity is one chunk:
		// items already dispatched in the current chunk run to completion.
		if e.interrupt.ShouldInterrupt(ctx, run.ID) {
			return e.pauseRun(ctx, run)
		}

		end := min(start+e.chunkSize, len(remaining))
		chunk := remaining[start:end]

		results, dCompleted, dFailed, chunkErr := e.processChunk(ctx, run, chunk)
		completed += dCompleted
		failed += dFailed

		// A fatal mid-chunk error still commits the items processed before
		// it, so the checkpoint lands on the last durable item and a later
		// resume picks up exactly where processing stopped.
		if len(results) > 0 {
			if err := e.store.CommitChunk(ctx, run.ID, results, completed, failed, run.TotalCount); err != nil {
				return e.failRun(ctx, run, fmt.Errorf("commit chunk: %w", err))
			}
		}
		if chunkErr != nil {
			return e.failRun(ctx, run, chunkErr)
		}

		pct := float64(0)
		if run.TotalCount > 0 {
			pct = float64(completed+failed) / float64(run.TotalCount) * 100
		}
		e.notifier.RunProgress(ctx, run.BatchID, run.ID, events.ProgressPayload{
			CompletedCount: int(completed),
			FailedCount:    int(failed),
			TotalCount:     int(run.TotalCount),
			Percentage:     pct,
			Checkpoint:     chunk[len(chunk)-1].ID,
		})
	}

	return e.completeRun(ctx, run)
}

// processChunk invokes the collaborator for every item in the chunk,
// recording per-item failures without aborting. Items that already carry a
// committed successful result are passed through unchanged so reprocessing
// from a stale checkpoint cannot double count. The returned deltas are the
// chunk's net change to the run counters. A non-nil error is run-level; the
// results accumulated before it are still returned for a partial commit.
func (e *Engine) processChunk(
	ctx context.Context,
	run *domain.Run,
	chunk []*domain.WorkItem,
) (results []store.ChunkResult, dCompleted, dFailed int64, err error) {
	results = make([]store.ChunkResult, 0, len(chunk))

	for _, item := range chunk {
		if ctx.Err() != nil {
			return results, dCompleted, dFailed, fmt.Errorf("run canceled: %w", ctx.Err())
		}

		done, err := e.store.AlreadyProcessed(ctx, item.ID, run.ID)
		if err != nil {
			return results, dCompleted, dFailed, fmt.Errorf("idempotency check item %d: %w", item.ID, err)
		}
		if done {
			// Keep the item in the commit so the checkpoint advances past
			// it, but leave its recorded outcome untouched.
			results = append(results, store.ChunkResult{
				ItemID:     item.ID,
				State:      domain.ItemSucceeded,
				ResultText: item.ResultText,
			})
			continue
		}

		wasFailed := item.State == domain.ItemFailed

		text, perr := e.processor.Process(ctx, run, item)
		if perr != nil {
			if errors.Is(perr, ErrFatal) {
				return results, dCompleted, dFailed,
					fmt.Errorf("item %d: %w", item.ID, perr)
			}
			class := domain.FailureContent
			if llm.IsTimeout(perr) {
				class = domain.FailureTimeout
			}
			e.logger.Warn("item processing failed",
				"run_id", run.ID,
				"item_id", item.ID,
				"class", class,
				"error", perr)
			results = append(results, store.ChunkResult{
				ItemID:       item.ID,
				State:        domain.ItemFailed,
				FailureClass: class,
				FailureMsg:   perr.Error(),
			})
			if !wasFailed {
				dFailed++
			}
			continue
		}

		results = append(results, store.ChunkResult{
			ItemID:     item.ID,
			State:      domain.ItemSucceeded,
			ResultText: text,
		})
		dCompleted++
		if wasFailed {
			dFailed--
		}
	}
	return results, dCompleted, dFailed, nil
}

// pauseRun persists the cooperative pause: durable PAUSED status, pause
// metadata, and a cleared processing instance in one write. The interrupt
// flag itself is left set; clearing it belongs to resume.
func (e *Engine) pauseRun(ctx context.Context, run *domain.Run) error {
	err := e.store.UpdateRunStatus(ctx, run.ID, domain.RunPaused, map[string]any{
		"pause_time":          time.Now(),
		"processing_instance": "",
	})
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("persist pause: %w", err))
	}

	e.logger.Info("run paused at chunk boundary", "run_id", run.ID)
	e.notifier.RunStatusChanged(ctx, run.BatchID, run.ID,
		string(domain.RunInProgress), string(domain.RunPaused), "interrupt requested")
	return nil
}

// completeRun verifies the counters before declaring COMPLETED. A shortfall
// means items vanished from every remaining-work selection without a
// recorded outcome; the run is left IN_PROGRESS with honest counters
// rather than falsely completed.
func (e *Engine) completeRun(ctx context.Context, run *domain.Run) error {
	total, completed, failed, err := e.store.CountItems(ctx, run.ID)
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("verify completion: %w", err))
	}

	if completed+failed < total {
		e.logger.Warn("run exhausted its work set below total count, not completing",
			"run_id", run.ID,
			"completed", completed,
			"failed", failed,
			"total", total)
		return nil
	}

	pct := float64(0)
	if total > 0 {
		pct = float64(completed+failed) / float64(total) * 100
	}
	err = e.store.UpdateRunStatus(ctx, run.ID, domain.RunCompleted, map[string]any{
		"processing_instance": "",
		"completed_count":     completed,
		"failed_count":        failed,
		"progress_pct":        pct,
	})
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("persist completion: %w", err))
	}

	e.logger.Info("run completed",
		"run_id", run.ID,
		"completed", completed,
		"failed", failed)
	e.notifier.RunStatusChanged(ctx, run.BatchID, run.ID,
		string(domain.RunInProgress), string(domain.RunCompleted), "")
	return nil
}

// failRun records a run-level failure: FAILED status, the captured message,
// and a cleared processing instance. The loop never retries on its own;
// recovery is an explicit resume or reset.
func (e *Engine) failRun(ctx context.Context, run *domain.Run, cause error) error {
	uerr := e.store.UpdateRunStatus(ctx, run.ID, domain.RunFailed, map[string]any{
		"error_message":       cause.Error(),
		"processing_instance": "",
	})
	if uerr != nil {
		e.logger.Error("failed to persist run failure",
			"run_id", run.ID, "cause", cause, "error", uerr)
	}

	e.logger.Error("run failed", "run_id", run.ID, "error", cause)
	e.notifier.RunStatusChanged(ctx, run.BatchID, run.ID,
		string(domain.RunInProgress), string(domain.RunFailed), cause.Error())
	return cause
}
