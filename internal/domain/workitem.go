package domain

import (
	"time"
)

// ItemState records the processing outcome of a work item.
type ItemState string

// ItemState enum values.
const (
	// ItemPending indicates the item has not been processed.
	ItemPending ItemState = "pending"

	// ItemSucceeded indicates a result was produced and durably persisted.
	ItemSucceeded ItemState = "succeeded"

	// ItemFailed indicates processing failed; the failure class and message
	// are recorded against the item and the loop continues.
	ItemFailed ItemState = "failed"
)

// FailureClass distinguishes timeout-class failures from content-class
// failures of the external processing call. The distinction matters for
// operators deciding whether a resume is worthwhile.
type FailureClass string

const (
	// FailureNone indicates no failure.
	FailureNone FailureClass = ""

	// FailureTimeout indicates the external call exceeded its deadline.
	FailureTimeout FailureClass = "timeout"

	// FailureContent indicates the call returned but the result was an
	// error or malformed.
	FailureContent FailureClass = "content"
)

// WorkItem is the atomic unit processed by the execution loop: one answer
// generation (question x repeat index) or one answer evaluation. Item IDs
// are monotonically increasing within a run and serve as the checkpoint
// cursor. Processing is idempotent: an item with an existing successful
// result for its run is skipped on reprocessing.
type WorkItem struct {
	ID    uint64 `json:"id" gorm:"primaryKey"`
	RunID uint64 `json:"run_id" gorm:"not null;uniqueIndex:idx_items_run_seq"`

	// Sequence orders items within the run: for generation runs it encodes
	// repeatIndex*questionCount + questionIndex. Unique per run.
	Sequence int64 `json:"sequence" gorm:"not null;uniqueIndex:idx_items_run_seq"`

	// RepeatIndex is which independent generation round this item belongs to.
	RepeatIndex int `json:"repeat_index"`

	// Payload carries the question text for generation items, or the answer
	// under evaluation plus its reference answer for evaluation items.
	Payload ItemPayload `json:"payload" gorm:"embedded"`

	State        ItemState    `json:"state" gorm:"type:varchar(12);not null;index"`
	ResultText   string       `json:"result_text,omitempty" gorm:"type:text"`
	FailureClass FailureClass `json:"failure_class,omitempty" gorm:"type:varchar(12)"`
	FailureMsg   string       `json:"failure_msg,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ItemPayload is the input to the external processing collaborator.
type ItemPayload struct {
	// QuestionID identifies the source question for traceability.
	QuestionID uint64 `json:"question_id"`

	// Prompt is the assembled text sent to the model for generation items.
	Prompt string `json:"prompt" gorm:"type:text"`

	// Answer is the candidate text under evaluation (evaluation items only).
	Answer string `json:"answer,omitempty" gorm:"type:text"`

	// Reference is the gold answer used by the scorer (evaluation items only).
	Reference string `json:"reference,omitempty" gorm:"type:text"`

	// Rubric names the scoring rubric for evaluation items.
	Rubric string `json:"rubric,omitempty"`
}

// Processed reports whether the item has a recorded outcome.
func (w *WorkItem) Processed() bool {
	return w.State == ItemSucceeded || w.State == ItemFailed
}
