// Package scheduler runs the background watchdog: it fails runs that have
// gone silent and resumes paused runs that opted in to automatic recovery.
// Both sweeps are periodic scans over the durable store, so a restarted
// process picks up exactly where a crashed one left off.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/store"
)

// RunResumer force-resumes a run regardless of which instance paused it.
// Satisfied by lifecycle.Manager.
type RunResumer interface {
	ForceResumeRun(ctx context.Context, runID uint64) error
}

// Config controls sweep cadence and staleness thresholds.
type Config struct {
	ScanInterval    time.Duration
	StaleTimeout    time.Duration
	AutoResumeAfter time.Duration
}

// Watchdog periodically sweeps the store for stuck work.
type Watchdog struct {
	store    *store.Store
	resumer  RunResumer
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a watchdog. Zero durations fall back to conservative defaults.
func New(s *store.Store, resumer RunResumer, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = time.Hour
	}
	if cfg.AutoResumeAfter <= 0 {
		cfg.AutoResumeAfter = 5 * time.Minute
	}
	return &Watchdog{
		store:    s,
		resumer:  resumer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	<-w.done
	w.started = false
}

// Sweep performs one pass of both checks. Exported so operators (and tests)
// can trigger it on demand.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.failStaleRuns(ctx)
	w.resumeEligibleRuns(ctx)
}

// failStaleRuns marks runs FAILED when they have reported no activity for
// longer than the stale timeout. A run that is genuinely executing touches
// last_activity_at on every chunk commit, so silence past the threshold
// means its instance is gone.
func (w *Watchdog) failStaleRuns(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.cfg.StaleTimeout)
	runs, err := w.store.StaleRuns(ctx, []domain.RunStatus{domain.RunInProgress}, cutoff)
	if err != nil {
		w.logger.Error("stale run scan failed", "error", err)
		return
	}
	for _, run := range runs {
		w.logger.Warn("failing stale run",
			"run_id", run.ID,
			"batch_id", run.BatchID,
			"last_activity_at", run.LastActivityAt,
			"instance", run.ProcessingInstance)
		err := w.store.UpdateRunStatus(ctx, run.ID, domain.RunFailed, map[string]any{
			"error_message":       "inactivity timeout",
			"processing_instance": "",
		})
		if err != nil {
			w.logger.Error("fail stale run", "run_id", run.ID, "error", err)
			continue
		}
		if w.notifier != nil {
			w.notifier.RunStatusChanged(ctx, run.BatchID, run.ID,
				string(domain.RunInProgress), string(domain.RunFailed), "inactivity timeout")
		}
	}
}

// resumeEligibleRuns force-resumes PAUSED runs flagged auto_resume once
// they have been paused longer than the grace period. Force semantics are
// required because the pausing instance may no longer exist; the claim CAS
// in the store keeps two watchdogs from double-resuming.
func (w *Watchdog) resumeEligibleRuns(ctx context.Context) {
	if w.resumer == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-w.cfg.AutoResumeAfter)
	runs, err := w.store.AutoResumableRuns(ctx, cutoff)
	if err != nil {
		w.logger.Error("auto-resume scan failed", "error", err)
		return
	}
	for _, run := range runs {
		w.logger.Info("auto-resuming run", "run_id", run.ID, "batch_id", run.BatchID)
		if err := w.resumer.ForceResumeRun(ctx, run.ID); err != nil {
			w.logger.Warn("auto-resume failed", "run_id", run.ID, "error", err)
		}
	}
}
