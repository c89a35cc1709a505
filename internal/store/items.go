package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/evalforge/evalforge/internal/domain"
)

// ItemsAfter returns the run's work items with ID greater than afterID, in
// ascending ID order. This is the primary remaining-work selection driven
// by the checkpoint cursor.
func (s *Store) ItemsAfter(ctx context.Context, runID, afterID uint64) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND id > ?", runID, afterID).
		Order("id").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("items after %d for run %d: %w", afterID, runID, err)
	}
	return items, nil
}

// UnprocessedItems returns the run's items without a successful result, in
// ascending ID order. This is the existence-based fallback selection used
// when the checkpoint yields nothing but the counters say work remains.
func (s *Store) UnprocessedItems(ctx context.Context, runID uint64) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND state <> ?", runID, domain.ItemSucceeded).
		Order("id").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("unprocessed items for run %d: %w", runID, err)
	}
	return items, nil
}

// FirstUnprocessedItem returns the lowest-ID item of the run that has never
// been processed at all, or domain.ErrNotFound. This is the last-resort
// selection behind the checkpoint-drift safety valve.
func (s *Store) FirstUnprocessedItem(ctx context.Context, runID uint64) (*domain.WorkItem, error) {
	var item domain.WorkItem
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND state = ?", runID, domain.ItemPending).
		Order("id").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %d has no unprocessed items: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("first unprocessed item for run %d: %w", runID, err)
	}
	return &item, nil
}

// AlreadyProcessed reports whether a prior successful result exists for the
// (item, run) pair. The execution loop consults this before invoking the
// external collaborator so reprocessing from a stale checkpoint is a no-op.
func (s *Store) AlreadyProcessed(ctx context.Context, itemID, runID uint64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id = ? AND run_id = ? AND state = ?", itemID, runID, domain.ItemSucceeded).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("idempotency check item %d run %d: %w", itemID, runID, err)
	}
	return count > 0, nil
}

// CountItems returns (total, completed, failed) for the run, recomputed
// from the item rows rather than the run counters.
func (s *Store) CountItems(ctx context.Context, runID uint64) (total, completed, failed int64, err error) {
	m := s.db.WithContext(ctx).Model(&domain.WorkItem{})
	if err = m.Where("run_id = ?", runID).Count(&total).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("count items for run %d: %w", runID, err)
	}
	m = s.db.WithContext(ctx).Model(&domain.WorkItem{})
	if err = m.Where("run_id = ? AND state = ?", runID, domain.ItemSucceeded).Count(&completed).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("count completed for run %d: %w", runID, err)
	}
	m = s.db.WithContext(ctx).Model(&domain.WorkItem{})
	if err = m.Where("run_id = ? AND state = ?", runID, domain.ItemFailed).Count(&failed).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("count failed for run %d: %w", runID, err)
	}
	return total, completed, failed, nil
}

// ChunkResult carries one item's outcome back to the store.
type ChunkResult struct {
	ItemID       uint64
	State        domain.ItemState
	ResultText   string
	FailureClass domain.FailureClass
	FailureMsg   string
}

// CommitChunk persists a processed chunk atomically: every item result, the
// advanced checkpoint, and the recomputed counters land in one transaction.
// The checkpoint is the highest item ID in the chunk and never regresses:
// the update is guarded against a larger existing value.
func (s *Store) CommitChunk(ctx context.Context, runID uint64, results []ChunkResult, completed, failed, total int64) error {
	if len(results) == 0 {
		return nil
	}

	highest := uint64(0)
	for _, r := range results {
		if r.ItemID > highest {
			highest = r.ItemID
		}
	}

	pct := float64(0)
	if total > 0 {
		pct = float64(completed+failed) / float64(total) * 100
	}

	now := time.Now()
	return s.Transaction(ctx, func(tx *Store) error {
		for _, r := range results {
			err := tx.db.Model(&domain.WorkItem{}).
				Where("id = ? AND run_id = ?", r.ItemID, runID).
				Updates(map[string]any{
					"state":         r.State,
					"result_text":   r.ResultText,
					"failure_class": r.FailureClass,
					"failure_msg":   r.FailureMsg,
					"processed_at":  now,
				}).Error
			if err != nil {
				return fmt.Errorf("persist item %d result: %w", r.ItemID, err)
			}
		}

		err := tx.db.Model(&domain.Run{}).
			Where("id = ? AND (last_processed_item_id IS NULL OR last_processed_item_id < ?)",
				runID, highest).
			Update("last_processed_item_id", highest).Error
		if err != nil {
			return fmt.Errorf("advance checkpoint for run %d: %w", runID, err)
		}

		err = tx.db.Model(&domain.Run{}).
			Where("id = ?", runID).
			Updates(map[string]any{
				"completed_count":  completed,
				"failed_count":     failed,
				"progress_pct":     pct,
				"last_activity_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("update counters for run %d: %w", runID, err)
		}
		return nil
	})
}
