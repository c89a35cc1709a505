// Package lifecycle implements the batch and run state machines: start,
// pause, resume, force-resume, and failed-batch reset. Every transition is
// validated against the status transition tables, guarded by the
// coordination lock for its critical section, and persisted before any
// work is dispatched. The long-running execution loop itself always runs
// outside the lock, on the shared worker pool.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalforge/evalforge/internal/coordination"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/engine"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/store"
	"github.com/evalforge/evalforge/internal/worker"
)

// Manager owns state transitions for batches and runs.
type Manager struct {
	store    *store.Store
	coord    *coordination.Coordinator
	pool     *worker.Pool
	engine   *engine.Engine
	notifier *notify.Notifier
	instance string
	logger   *slog.Logger
}

// New builds a lifecycle manager. The instance string identifies this
// worker process in processing-instance markers.
func New(
	s *store.Store,
	coord *coordination.Coordinator,
	pool *worker.Pool,
	eng *engine.Engine,
	notifier *notify.Notifier,
	instance string,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, "", logger)
	}
	return &Manager{
		store:    s,
		coord:    coord,
		pool:     pool,
		engine:   eng,
		notifier: notifier,
		instance: instance,
		logger:   logger.With("component", "lifecycle"),
	}
}

// Instance returns this worker's processing-instance marker.
func (m *Manager) Instance() string { return m.instance }

// StartBatch moves a PENDING batch to RUNNING and dispatches one execution
// loop per run. Starting a PAUSED batch is a resume.
func (m *Manager) StartBatch(ctx context.Context, batchID uint64) error {
	lease, err := m.coord.AcquireBatchLock(ctx, batchID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	switch batch.Status {
	case domain.BatchPending:
		err = m.store.UpdateBatchStatus(ctx, batchID, domain.BatchRunning,
			map[string]any{"processing_instance": m.instance})
		if err != nil {
			return err
		}
		m.notifier.BatchStatusChanged(ctx, batchID,
			string(domain.BatchPending), string(domain.BatchRunning), "")
		return m.dispatchAndSettle(ctx, batch)
	case domain.BatchPaused:
		return m.resumeBatchLocked(ctx, batch)
	default:
		return domain.NewBatchTransitionError(batchID, batch.Status, domain.BatchRunning)
	}
}

// PauseBatch requests a cooperative pause of the whole batch. Interrupt
// flags are set synchronously for every active run; runs with a live loop
// turn PAUSED at their next chunk boundary, idle runs immediately. The
// batch row itself turns PAUSED immediately since dispatch is not a
// long-running loop.
func (m *Manager) PauseBatch(ctx context.Context, batchID uint64, reason string) error {
	lease, err := m.coord.AcquireBatchLock(ctx, batchID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == domain.BatchPaused {
		return nil // idempotent
	}
	if !batch.Status.CanTransition(domain.BatchPaused) {
		return domain.NewBatchTransitionError(batchID, batch.Status, domain.BatchPaused)
	}

	runs, err := m.store.ListRuns(ctx, batchID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status.IsTerminal() || run.Status == domain.RunPaused {
			continue
		}
		if err := m.coord.RequestInterrupt(ctx, run.ID); err != nil {
			m.logger.Warn("interrupt request failed, run pauses via durable write only",
				"run_id", run.ID, "error", err)
		}
	}

	// Idle runs turn PAUSED durably in one set-based statement; runs held
	// by a live loop pause at their next chunk boundary.
	paused, err := m.store.PauseActiveRuns(ctx, batchID, reason)
	if err != nil {
		return err
	}
	if paused > 0 {
		m.logger.Info("paused idle runs", "batch_id", batchID, "count", paused)
	}
	for _, run := range runs {
		if run.Status.IsTerminal() || run.Status == domain.RunPaused || run.ProcessingInstance != "" {
			continue
		}
		m.notifier.RunStatusChanged(ctx, batchID, run.ID,
			string(run.Status), string(domain.RunPaused), reason)
	}

	err = m.store.UpdateBatchStatus(ctx, batchID, domain.BatchPaused, map[string]any{
		"pause_time":          time.Now(),
		"pause_reason":        reason,
		"processing_instance": "",
	})
	if err != nil {
		return err
	}
	m.notifier.BatchStatusChanged(ctx, batchID,
		string(batch.Status), string(domain.BatchPaused), reason)
	return nil
}

// ResumeBatch moves a PAUSED batch through RESUMING back to RUNNING and
// re-dispatches its unfinished runs from the last-processed-run hint.
func (m *Manager) ResumeBatch(ctx context.Context, batchID uint64) error {
	lease, err := m.coord.AcquireBatchLock(ctx, batchID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchPaused {
		return domain.NewBatchTransitionError(batchID, batch.Status, domain.BatchResuming)
	}
	return m.resumeBatchLocked(ctx, batch)
}

// resumeBatchLocked performs the PAUSED → RESUMING → RUNNING passage. The
// caller holds the batch lock. RUNNING is written before any run is
// dispatched: a fast run's loop may settle the batch to COMPLETED from a
// pool goroutine, and a trailing status write would clobber that.
func (m *Manager) resumeBatchLocked(ctx context.Context, batch *domain.Batch) error {
	err := m.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchResuming, map[string]any{
		"resume_count":        batch.ResumeCount + 1,
		"processing_instance": m.instance,
	})
	if err != nil {
		return err
	}
	m.notifier.BatchStatusChanged(ctx, batch.ID,
		string(domain.BatchPaused), string(domain.BatchResuming), "")

	err = m.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchRunning, map[string]any{
		"pause_time":   nil,
		"pause_reason": "",
	})
	if err != nil {
		return err
	}
	m.notifier.BatchStatusChanged(ctx, batch.ID,
		string(domain.BatchResuming), string(domain.BatchRunning), "")

	return m.dispatchAndSettle(ctx, batch)
}

// dispatchAndSettle fans the batch out and settles it immediately when
// every run is already terminal, since in that case nothing was dispatched
// and no loop exit will ever settle it. A dispatch failure releases the
// batch's instance marker so recovery paths see an unowned batch.
func (m *Manager) dispatchAndSettle(ctx context.Context, batch *domain.Batch) error {
	if err := m.dispatchRuns(ctx, batch); err != nil {
		if rerr := m.store.ReleaseBatch(ctx, batch.ID, m.instance); rerr != nil {
			m.logger.Error("failed to release batch after dispatch error",
				"batch_id", batch.ID, "error", rerr)
		}
		return err
	}
	m.finishRun(ctx, batch.ID)
	return nil
}

// ForceResumeBatch is the operator recovery path for a batch stuck PAUSED
// with a stale or missing lock holder. It bypasses the batch lock and
// relies on the conditional claim: exactly one caller wins, and a batch
// whose processing instance is still owned is left untouched.
func (m *Manager) ForceResumeBatch(ctx context.Context, batchID uint64) error {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	// Clear ephemeral flags first so a lingering interrupt cannot re-pause
	// the batch the moment it restarts.
	runs, err := m.store.ListRuns(ctx, batchID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := m.coord.ClearInterrupt(ctx, run.ID); err != nil {
			m.logger.Warn("clear interrupt failed during force-resume",
				"run_id", run.ID, "error", err)
		}
	}

	err = m.store.ClaimBatch(ctx, batchID, m.instance, map[string]any{
		"pause_time":   nil,
		"pause_reason": "",
	})
	if err != nil {
		return err
	}
	m.notifier.BatchStatusChanged(ctx, batchID,
		string(domain.BatchPaused), string(domain.BatchRunning), "force resume")

	batch.Status = domain.BatchRunning
	return m.dispatchAndSettle(ctx, batch)
}

// ResetFailedBatch moves a FAILED batch back to PAUSED so it can be
// resumed. Runs still showing FAILED or IN_PROGRESS are force-paused and
// their error messages cleared.
func (m *Manager) ResetFailedBatch(ctx context.Context, batchID uint64) error {
	lease, err := m.coord.AcquireBatchLock(ctx, batchID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchFailed {
		return domain.NewBatchTransitionError(batchID, batch.Status, domain.BatchPaused)
	}

	runs, err := m.store.ListRuns(ctx, batchID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, run := range runs {
		if run.Status != domain.RunFailed && run.Status != domain.RunInProgress {
			continue
		}
		err := m.store.UpdateRunStatus(ctx, run.ID, domain.RunPaused, map[string]any{
			"pause_time":          now,
			"pause_reason":        "batch reset",
			"error_message":       "",
			"processing_instance": "",
		})
		if err != nil {
			return err
		}
		if err := m.coord.SyncFromDurable(ctx, run.ID, domain.RunPaused); err != nil {
			m.logger.Warn("state resync failed during reset", "run_id", run.ID, "error", err)
		}
		m.notifier.RunStatusChanged(ctx, batchID, run.ID,
			string(run.Status), string(domain.RunPaused), "batch reset")
	}

	err = m.store.UpdateBatchStatus(ctx, batchID, domain.BatchPaused, map[string]any{
		"pause_time":          now,
		"pause_reason":        "reset after failure",
		"error_message":       "",
		"processing_instance": "",
	})
	if err != nil {
		return err
	}
	m.notifier.BatchStatusChanged(ctx, batchID,
		string(domain.BatchFailed), string(domain.BatchPaused), "reset after failure")
	return nil
}

// PauseRun requests a cooperative pause of a single run.
func (m *Manager) PauseRun(ctx context.Context, runID uint64, reason string) error {
	lease, err := m.coord.AcquireRunLock(ctx, runID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunPaused {
		return nil // idempotent: at most one durable PAUSED write
	}
	if !run.Status.CanTransition(domain.RunPaused) {
		return domain.NewRunTransitionError(runID, run.Status, domain.RunPaused)
	}

	if err := m.coord.RequestInterrupt(ctx, runID); err != nil {
		m.logger.Warn("interrupt request failed, run pauses via durable write only",
			"run_id", runID, "error", err)
	}

	if run.ProcessingInstance != "" {
		// A loop is active; it persists PAUSED at the next chunk boundary.
		return nil
	}

	err = m.store.UpdateRunStatus(ctx, runID, domain.RunPaused, map[string]any{
		"pause_time":   time.Now(),
		"pause_reason": reason,
	})
	if err != nil {
		return err
	}
	m.notifier.RunStatusChanged(ctx, run.BatchID, runID,
		string(run.Status), string(domain.RunPaused), reason)
	return nil
}

// ResumeRun moves a PAUSED run back to IN_PROGRESS and dispatches its loop.
// Re-entrant resumes are rejected by the state machine: a run that is not
// PAUSED cannot be resumed, regardless of who holds the lock.
func (m *Manager) ResumeRun(ctx context.Context, runID uint64) error {
	lease, err := m.coord.AcquireRunLock(ctx, runID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunPaused {
		return domain.NewRunTransitionError(runID, run.Status, domain.RunInProgress)
	}

	if err := m.coord.ClearInterrupt(ctx, runID); err != nil {
		return fmt.Errorf("clear interrupt before resume: %w", err)
	}

	// Status flip, resume counter, and cleared pause metadata travel in
	// one conditional statement.
	err = m.store.ClaimRun(ctx, runID, m.instance, map[string]any{
		"resume_count": run.ResumeCount + 1,
		"pause_time":   nil,
		"pause_reason": "",
	})
	if err != nil {
		return err
	}
	m.notifier.RunStatusChanged(ctx, run.BatchID, runID,
		string(domain.RunPaused), string(domain.RunInProgress), "resume")

	return m.submitRun(ctx, run.BatchID, runID)
}

// ForceResumeRun bypasses the lock for a run stuck PAUSED. The conditional
// claim is the only arbiter: if another worker's processing instance is
// still on the row, the call is rejected and ownership is untouched.
func (m *Manager) ForceResumeRun(ctx context.Context, runID uint64) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if err := m.coord.ClearInterrupt(ctx, runID); err != nil {
		m.logger.Warn("clear interrupt failed during force-resume",
			"run_id", runID, "error", err)
	}

	err = m.store.ClaimRun(ctx, runID, m.instance, map[string]any{
		"resume_count": run.ResumeCount + 1,
		"pause_time":   nil,
		"pause_reason": "",
	})
	if err != nil {
		return err
	}
	m.notifier.RunStatusChanged(ctx, run.BatchID, runID,
		string(domain.RunPaused), string(domain.RunInProgress), "force resume")

	return m.submitRun(ctx, run.BatchID, runID)
}

// dispatchRuns fans a batch out onto the pool: one task per unfinished
// run, starting at the last-processed-run hint so resumption skips
// completed siblings quickly. The caller has already persisted the batch
// transition.
func (m *Manager) dispatchRuns(ctx context.Context, batch *domain.Batch) error {
	runs, err := m.store.ListRuns(ctx, batch.ID)
	if err != nil {
		return err
	}

	// Rotate the slice so dispatch begins at the hinted run; earlier
	// unfinished runs still dispatch afterwards.
	if hint := batch.LastProcessedRunID; hint != nil {
		for i, run := range runs {
			if run.ID >= *hint {
				runs = append(runs[i:], runs[:i]...)
				break
			}
		}
	}

	for _, run := range runs {
		if run.Status.IsTerminal() {
			continue
		}
		switch run.Status {
		case domain.RunPending:
			err = m.store.UpdateRunStatus(ctx, run.ID, domain.RunInProgress,
				map[string]any{"processing_instance": m.instance})
			if err != nil {
				return err
			}
		case domain.RunPaused:
			if err := m.coord.ClearInterrupt(ctx, run.ID); err != nil {
				return fmt.Errorf("clear interrupt before dispatch: %w", err)
			}
			err := m.store.ClaimRun(ctx, run.ID, m.instance, map[string]any{
				"resume_count": run.ResumeCount + 1,
				"pause_time":   nil,
				"pause_reason": "",
			})
			if err != nil {
				if errors.Is(err, domain.ErrAlreadyClaimed) {
					m.logger.Warn("run already claimed, skipping dispatch", "run_id", run.ID)
					continue
				}
				return err
			}
		case domain.RunInProgress:
			if run.ProcessingInstance != "" {
				// A loop is already active somewhere; leave it alone.
				continue
			}
			err = m.store.UpdateRunStatus(ctx, run.ID, domain.RunInProgress,
				map[string]any{"processing_instance": m.instance})
			if err != nil {
				return err
			}
		}

		if err := m.store.SetLastProcessedRun(ctx, batch.ID, run.ID); err != nil {
			m.logger.Warn("failed to record dispatch hint", "batch_id", batch.ID, "error", err)
		}
		if err := m.submitRun(ctx, batch.ID, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// submitRun hands a claimed run to the pool. On pool saturation the claim
// and transition are rolled back so the run stays resumable.
func (m *Manager) submitRun(ctx context.Context, batchID, runID uint64) error {
	name := fmt.Sprintf("run-%d", runID)
	err := m.pool.Submit(name, func(taskCtx context.Context) {
		if err := m.engine.ExecuteRun(taskCtx, runID); err != nil {
			m.logger.Error("run execution ended with error", "run_id", runID, "error", err)
		}
		m.finishRun(taskCtx, batchID)
	})
	if err == nil {
		return nil
	}

	m.logger.Warn("pool rejected run dispatch, reverting claim",
		"run_id", runID, "error", err)
	uerr := m.store.UpdateRunStatus(ctx, runID, domain.RunPaused, map[string]any{
		"pause_time":          time.Now(),
		"pause_reason":        "dispatch rejected",
		"processing_instance": "",
	})
	if uerr != nil {
		m.logger.Error("failed to revert claim after pool rejection",
			"run_id", runID, "error", uerr)
	}
	return err
}

// finishRun runs after a loop exits: it settles the batch status once
// every sibling reached a terminal state.
func (m *Manager) finishRun(ctx context.Context, batchID uint64) {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		m.logger.Error("batch lookup after run exit failed", "batch_id", batchID, "error", err)
		return
	}
	if batch.Status != domain.BatchRunning && batch.Status != domain.BatchResuming {
		return
	}

	runs, err := m.store.ListRuns(ctx, batchID)
	if err != nil {
		m.logger.Error("run listing after run exit failed", "batch_id", batchID, "error", err)
		return
	}

	anyFailed := false
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			return
		}
		if run.Status == domain.RunFailed {
			anyFailed = true
		}
	}

	target := domain.BatchCompleted
	reason := ""
	extra := map[string]any{"processing_instance": ""}
	if anyFailed {
		target = domain.BatchFailed
		reason = "one or more runs failed"
		extra["error_message"] = reason
	}
	if err := m.store.UpdateBatchStatus(ctx, batchID, target, extra); err != nil {
		m.logger.Error("failed to settle batch status", "batch_id", batchID, "error", err)
		return
	}
	m.notifier.BatchStatusChanged(ctx, batchID, string(batch.Status), string(target), reason)
}
