package domain

import (
	"time"
)

// RunStatus represents the lifecycle state of a single run. Runs transition
// independently of sibling runs and of their parent batch.
// Legal transitions: PENDING -> IN_PROGRESS -> {PAUSED, FAILED, COMPLETED};
// PAUSED -> IN_PROGRESS (direct resume; lock acquisition is the
// synchronization point, so no intermediate state is needed).
type RunStatus string

// RunStatus enum values.
const (
	// RunPending indicates the run was created but never dispatched.
	RunPending RunStatus = "PENDING"

	// RunInProgress indicates the execution loop is processing work items.
	RunInProgress RunStatus = "IN_PROGRESS"

	// RunPaused indicates the loop exited cleanly at a chunk boundary after
	// observing the interrupt flag, or the run was paused while idle.
	RunPaused RunStatus = "PAUSED"

	// RunCompleted indicates every work item was processed and the
	// completed count reached the total.
	RunCompleted RunStatus = "COMPLETED"

	// RunFailed indicates an unhandled error stopped the loop. Retry is a
	// user-initiated resume or batch reset, never automatic.
	RunFailed RunStatus = "FAILED"
)

// runTransitions is the legal successor set for each run status.
var runTransitions = map[RunStatus][]RunStatus{
	RunPending:    {RunInProgress, RunPaused, RunFailed},
	RunInProgress: {RunPaused, RunCompleted, RunFailed},
	RunPaused:     {RunInProgress, RunFailed},
	RunCompleted:  {},
	RunFailed:     {RunPaused},
}

// CanTransition reports whether moving from the current status to next is
// a legal run transition.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the run requires no further processing.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// IsActive reports whether the run is currently eligible for processing.
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunInProgress
}

// RunKind distinguishes the two execution-loop variants.
type RunKind string

const (
	// RunKindGeneration produces model answers for each question item.
	RunKindGeneration RunKind = "generation"

	// RunKindEvaluation scores previously generated answers with an
	// evaluator model or heuristic scorer.
	RunKindEvaluation RunKind = "evaluation"
)

// Run is one execution stream within a batch, bound to exactly one target:
// a model for generation runs, or a model+evaluator pair for evaluation
// runs. Each run carries its own checkpoint and counters and is processed
// by at most one worker at a time, enforced by the distributed lock.
type Run struct {
	ID      uint64 `json:"id" gorm:"primaryKey"`
	BatchID uint64 `json:"batch_id" gorm:"not null;index"`

	// Target names the model (generation) or model:evaluator pair
	// (evaluation) this run is bound to.
	Target string  `json:"target" gorm:"not null" validate:"required,min=1,max=256"`
	Kind   RunKind `json:"kind" gorm:"type:varchar(12);not null" validate:"required,oneof=generation evaluation"`

	Status RunStatus `json:"status" gorm:"type:varchar(20);not null;index"`

	TotalCount     int64   `json:"total_count"`
	CompletedCount int64   `json:"completed_count"`
	FailedCount    int64   `json:"failed_count"`
	ProgressPct    float64 `json:"progress_pct"`

	// LastProcessedItemID is the checkpoint: the highest work-item ID whose
	// result has been durably persisted. It only moves forward, and only
	// after the item's result is committed.
	LastProcessedItemID *uint64 `json:"last_processed_item_id,omitempty"`

	// ProcessingInstance marks the worker process currently executing this
	// run's loop. Empty means unclaimed.
	ProcessingInstance string `json:"processing_instance,omitempty"`

	PauseTime   *time.Time `json:"pause_time,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	ResumeCount int        `json:"resume_count"`

	// AutoResume marks the run for the stale-run watchdog: a run paused
	// longer than the configured threshold is resumed automatically.
	AutoResume bool `json:"auto_resume"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Checkpoint returns the current checkpoint value, or 0 when the run has
// never persisted a result.
func (r *Run) Checkpoint() uint64 {
	if r.LastProcessedItemID == nil {
		return 0
	}
	return *r.LastProcessedItemID
}

// Remaining returns the number of items not yet accounted for by the
// completed and failed counters.
func (r *Run) Remaining() int64 {
	rem := r.TotalCount - r.CompletedCount - r.FailedCount
	if rem < 0 {
		return 0
	}
	return rem
}

// Progress computes the completion percentage from the counters.
// Failed items count toward progress; a run that exhausted all items is
// 100% done even if some failed.
func (r *Run) Progress() float64 {
	if r.TotalCount == 0 {
		return 0
	}
	return float64(r.CompletedCount+r.FailedCount) / float64(r.TotalCount) * 100
}

// Validate checks run fields against their struct constraints.
func (r *Run) Validate() error {
	return validate.Struct(r)
}
