package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/store"
)

// Tracker computes the remaining-work set for a run on (re)start. Selection
// runs in priority order: the checkpoint cursor first, then an
// existence-based scan when the cursor yields nothing but the counters say
// work remains, then a single-item safety valve so a corrupted checkpoint
// degrades to slow progress instead of a stall.
type Tracker struct {
	store    *store.Store
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewTracker builds a tracker over the durable store.
func NewTracker(s *store.Store, notifier *notify.Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, "", logger)
	}
	return &Tracker{store: s, notifier: notifier, logger: logger.With("component", "tracker")}
}

// Remaining returns the run's outstanding items in ascending ID order. An
// empty result means the run has nothing left to process.
func (t *Tracker) Remaining(ctx context.Context, run *domain.Run) ([]*domain.WorkItem, error) {
	items, err := t.store.ItemsAfter(ctx, run.ID, run.Checkpoint())
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}

	if run.CompletedCount+run.FailedCount >= run.TotalCount {
		return nil, nil
	}

	// The checkpoint claims everything is done but the counters disagree.
	// Re-select by result existence instead of cursor position.
	items, err = t.store.UnprocessedItems(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		t.logger.Warn("checkpoint ahead of unprocessed work, falling back to result scan",
			"run_id", run.ID,
			"checkpoint", run.Checkpoint(),
			"remaining", len(items))
		return items, nil
	}

	// Both selections came up empty yet counters say work remains. Pick at
	// least one item rather than stalling forever, and surface the drift.
	item, err := t.store.FirstUnprocessedItem(ctx, run.ID)
	if errors.Is(err, domain.ErrNotFound) {
		t.logger.Warn("run counters disagree with item states but no items remain",
			"run_id", run.ID,
			"completed", run.CompletedCount,
			"failed", run.FailedCount,
			"total", run.TotalCount)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.logger.Error("checkpoint drift detected, proceeding with single-item safety valve",
		"error", domain.ErrCheckpointDrift,
		"run_id", run.ID,
		"checkpoint", run.Checkpoint(),
		"item_id", item.ID)
	t.notifier.CheckpointDrift(ctx, run.BatchID, run.ID,
		"checkpoint and result scan disagree with run counters")
	return []*domain.WorkItem{item}, nil
}
