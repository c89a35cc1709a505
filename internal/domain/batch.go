// Package domain provides the core types and lifecycle rules for batch
// answer-generation and answer-evaluation jobs. It defines batches, runs,
// work items, their status enums with legal transition tables, and the
// snapshot views returned by the operational API. Status transitions are
// enforced here as data; all durable mutation happens in the store layer.
package domain

import (
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
// Legal transitions: PENDING -> RUNNING -> {PAUSED, FAILED, COMPLETED};
// PAUSED -> RESUMING -> RUNNING; FAILED -> PAUSED (reset only).
type BatchStatus string

// BatchStatus enum values.
const (
	// BatchPending indicates the batch has been created but never started.
	BatchPending BatchStatus = "PENDING"

	// BatchRunning indicates runs are actively generating or evaluating answers.
	BatchRunning BatchStatus = "RUNNING"

	// BatchResuming indicates a resume has been accepted and the execution
	// loop is being re-dispatched. Transient; the loop flips it to RUNNING.
	BatchResuming BatchStatus = "RESUMING"

	// BatchPaused indicates processing stopped at a chunk boundary after an
	// interrupt request, or the batch was paused while idle.
	BatchPaused BatchStatus = "PAUSED"

	// BatchCompleted indicates every child run reached a terminal state and
	// at least one completed.
	BatchCompleted BatchStatus = "COMPLETED"

	// BatchFailed indicates a run-level failure stopped the batch. A failed
	// batch can only return to PAUSED via an explicit reset.
	BatchFailed BatchStatus = "FAILED"
)

// batchTransitions is the legal successor set for each batch status.
// Consulted by every status mutator; a write outside this table is a bug.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:   {BatchRunning, BatchPaused, BatchFailed},
	BatchRunning:   {BatchPaused, BatchCompleted, BatchFailed},
	BatchResuming:  {BatchRunning, BatchPaused, BatchFailed},
	BatchPaused:    {BatchResuming, BatchRunning, BatchFailed},
	BatchCompleted: {BatchFailed},
	BatchFailed:    {BatchPaused},
}

// CanTransition reports whether moving from the current status to next is
// a legal batch transition.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status permits no further processing
// without operator intervention.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Batch is the top-level unit of work submitted by a user. It fans out into
// one Run per dispatch target. The batch row in durable storage is the
// single source of truth for its status; the coordination layer only mirrors
// it. Batches are never physically deleted.
type Batch struct {
	ID   uint64 `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"not null" validate:"required,min=1,max=256"`

	Status BatchStatus `json:"status" gorm:"type:varchar(20);not null;index"`

	// AnswerRepeatCount is how many independent generations each question
	// receives within every run of this batch.
	AnswerRepeatCount int `json:"answer_repeat_count" validate:"min=1,max=20"`

	// LastProcessedRunID is a resumption-order hint only: on restart the
	// dispatcher begins at this run. It is never used for correctness.
	LastProcessedRunID *uint64 `json:"last_processed_run_id,omitempty"`

	// ProcessingInstance marks the worker process currently driving this
	// batch. Empty means unclaimed. Used by force-resume's conditional
	// claim as a compare-and-swap substitute for a missing lock holder.
	ProcessingInstance string `json:"processing_instance,omitempty"`

	PauseTime   *time.Time `json:"pause_time,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	ResumeCount int        `json:"resume_count"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Validate checks batch fields against their struct constraints.
func (b *Batch) Validate() error {
	if err := validate.Struct(b); err != nil {
		return err
	}
	return nil
}
