// Package store is the durable run/batch store: transactional relational
// storage holding the authoritative batch and run rows, their work items,
// and the checkpoint pointers. Every status or counter mutation happens
// inside a single transaction so a crash between writes cannot leave
// inconsistent state visible to readers. The store is mechanical; legal
// transition enforcement lives in the lifecycle package.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/evalforge/evalforge/internal/domain"
)

// Store wraps the gorm handle with the engine's data-access operations.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the sqlite database at dsn, runs migrations, and
// returns a ready store.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dsn, err)
	}

	if err := db.AutoMigrate(&domain.Batch{}, &domain.Run{}, &domain.WorkItem{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{db: db, log: log.With("component", "store")}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests and by
// transactional closures.
func NewWithDB(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// routes all operations through the transaction handle.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

// CreateBatch persists a new batch together with its runs and their work
// items in one transaction.
func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch, runs []*domain.Run, items map[int][]*domain.WorkItem) error {
	now := time.Now()
	batch.CreatedAt = now
	batch.LastActivityAt = now
	batch.Status = domain.BatchPending

	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(batch).Error; err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		for i, run := range runs {
			run.BatchID = batch.ID
			run.Status = domain.RunPending
			run.CreatedAt = now
			run.LastActivityAt = now
			if err := tx.db.Create(run).Error; err != nil {
				return fmt.Errorf("create run for batch %d: %w", batch.ID, err)
			}
			for _, item := range items[i] {
				item.RunID = run.ID
				item.State = domain.ItemPending
			}
			if len(items[i]) > 0 {
				if err := tx.db.CreateInBatches(items[i], 200).Error; err != nil {
					return fmt.Errorf("create items for run %d: %w", run.ID, err)
				}
			}
			run.TotalCount = int64(len(items[i]))
			if err := tx.db.Model(run).Update("total_count", run.TotalCount).Error; err != nil {
				return fmt.Errorf("set run %d total: %w", run.ID, err)
			}
		}
		return nil
	})
}

// GetBatch loads a batch row by id.
func (s *Store) GetBatch(ctx context.Context, id uint64) (*domain.Batch, error) {
	var b domain.Batch
	err := s.db.WithContext(ctx).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("batch %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", id, err)
	}
	return &b, nil
}

// GetRun loads a run row by id.
func (s *Store) GetRun(ctx context.Context, id uint64) (*domain.Run, error) {
	var r domain.Run
	err := s.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &r, nil
}

// ListRuns returns all runs of a batch ordered by id.
func (s *Store) ListRuns(ctx context.Context, batchID uint64) ([]*domain.Run, error) {
	var runs []*domain.Run
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs for batch %d: %w", batchID, err)
	}
	return runs, nil
}

// ListBatches returns all batches ordered by creation, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	if err := s.db.WithContext(ctx).Order("id desc").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// UpdateBatchStatus writes a batch status together with the supplied extra
// columns in one statement. Extras use gorm column naming.
func (s *Store) UpdateBatchStatus(ctx context.Context, id uint64, status domain.BatchStatus, extra map[string]any) error {
	updates := map[string]any{
		"status":           status,
		"last_activity_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&domain.Batch{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update batch %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateRunStatus writes a run status together with the supplied extra
// columns in one statement.
func (s *Store) UpdateRunStatus(ctx context.Context, id uint64, status domain.RunStatus, extra map[string]any) error {
	updates := map[string]any{
		"status":           status,
		"last_activity_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// PauseActiveRuns moves every idle non-terminal, non-paused run of the
// batch to PAUSED with the given reason, in one statement. Runs held by a
// live loop (processing_instance set) are skipped; those persist PAUSED
// themselves at the next chunk boundary. Returns the number of runs paused.
func (s *Store) PauseActiveRuns(ctx context.Context, batchID uint64, reason string) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&domain.Run{}).
		Where("batch_id = ? AND status IN ? AND (processing_instance IS NULL OR processing_instance = '')",
			batchID, []domain.RunStatus{domain.RunPending, domain.RunInProgress}).
		Updates(map[string]any{
			"status":           domain.RunPaused,
			"pause_time":       now,
			"pause_reason":     reason,
			"last_activity_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("pause runs of batch %d: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}

// ClaimRun conditionally claims a paused, unowned run for the given
// processing instance. This is the compare-and-swap used by force-resume:
// exactly one caller wins even when no lock holder exists. The extra
// columns (resume counters, cleared pause metadata) land in the same
// statement as the status flip, so a crash can never separate them.
// Returns domain.ErrAlreadyClaimed when the row was not in a claimable
// state.
func (s *Store) ClaimRun(ctx context.Context, runID uint64, instance string, extra map[string]any) error {
	updates := map[string]any{
		"status":              domain.RunInProgress,
		"processing_instance": instance,
		"last_activity_at":    time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&domain.Run{}).
		Where("id = ? AND status = ? AND (processing_instance IS NULL OR processing_instance = '')",
			runID, domain.RunPaused).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("claim run %d: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %d: %w", runID, domain.ErrAlreadyClaimed)
	}
	return nil
}

// ClaimBatch is the batch-level conditional claim used by force-resume.
func (s *Store) ClaimBatch(ctx context.Context, batchID uint64, instance string, extra map[string]any) error {
	updates := map[string]any{
		"status":              domain.BatchRunning,
		"processing_instance": instance,
		"last_activity_at":    time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ? AND status = ? AND (processing_instance IS NULL OR processing_instance = '')",
			batchID, domain.BatchPaused).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("claim batch %d: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch %d: %w", batchID, domain.ErrAlreadyClaimed)
	}
	return nil
}

// ReleaseRun clears the processing-instance marker, but only when it is
// still held by the given instance. A marker stolen by force-resume stays
// with the new owner.
func (s *Store) ReleaseRun(ctx context.Context, runID uint64, instance string) error {
	err := s.db.WithContext(ctx).Model(&domain.Run{}).
		Where("id = ? AND processing_instance = ?", runID, instance).
		Update("processing_instance", "").Error
	if err != nil {
		return fmt.Errorf("release run %d: %w", runID, err)
	}
	return nil
}

// ReleaseBatch clears the batch processing-instance marker for instance.
func (s *Store) ReleaseBatch(ctx context.Context, batchID uint64, instance string) error {
	err := s.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ? AND processing_instance = ?", batchID, instance).
		Update("processing_instance", "").Error
	if err != nil {
		return fmt.Errorf("release batch %d: %w", batchID, err)
	}
	return nil
}

// SetLastProcessedRun records the batch-level resumption hint.
func (s *Store) SetLastProcessedRun(ctx context.Context, batchID, runID uint64) error {
	err := s.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ?", batchID).
		Update("last_processed_run_id", runID).Error
	if err != nil {
		return fmt.Errorf("set last processed run for batch %d: %w", batchID, err)
	}
	return nil
}

// StaleRuns returns runs in the given statuses whose last activity predates
// cutoff. Used by the watchdog.
func (s *Store) StaleRuns(ctx context.Context, statuses []domain.RunStatus, cutoff time.Time) ([]*domain.Run, error) {
	var runs []*domain.Run
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?", statuses, cutoff).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	return runs, nil
}

// AutoResumableRuns returns PAUSED runs flagged for auto-resume whose pause
// time predates cutoff.
func (s *Store) AutoResumableRuns(ctx context.Context, cutoff time.Time) ([]*domain.Run, error) {
	var runs []*domain.Run
	if err := s.db.WithContext(ctx).
		Where("status = ? AND auto_resume = ? AND pause_time < ?",
			domain.RunPaused, true, cutoff).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("query auto-resumable runs: %w", err)
	}
	return runs, nil
}
