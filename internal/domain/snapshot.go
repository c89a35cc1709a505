package domain

import (
	"time"
)

// BatchSnapshot is the synchronous status view returned by every batch
// operation. It exposes durable status plus last error text only, never
// raw internal errors.
type BatchSnapshot struct {
	ID                uint64      `json:"id"`
	Name              string      `json:"name"`
	Status            BatchStatus `json:"status"`
	AnswerRepeatCount int         `json:"answer_repeat_count"`
	ResumeCount       int         `json:"resume_count"`
	PauseReason       string      `json:"pause_reason,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	LastActivityAt    time.Time   `json:"last_activity_at"`

	Runs []RunSnapshot `json:"runs,omitempty"`
}

// RunSnapshot is the synchronous status view for a single run.
type RunSnapshot struct {
	ID             uint64     `json:"id"`
	BatchID        uint64     `json:"batch_id"`
	Target         string     `json:"target"`
	Kind           RunKind    `json:"kind"`
	Status         RunStatus  `json:"status"`
	TotalCount     int64      `json:"total_count"`
	CompletedCount int64      `json:"completed_count"`
	FailedCount    int64      `json:"failed_count"`
	ProgressPct    float64    `json:"progress_pct"`
	Checkpoint     uint64     `json:"checkpoint"`
	ResumeCount    int        `json:"resume_count"`
	PauseReason    string     `json:"pause_reason,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	PauseTime      *time.Time `json:"pause_time,omitempty"`
}

// SnapshotBatch builds the API view of a batch.
func SnapshotBatch(b *Batch) BatchSnapshot {
	return BatchSnapshot{
		ID:                b.ID,
		Name:              b.Name,
		Status:            b.Status,
		AnswerRepeatCount: b.AnswerRepeatCount,
		ResumeCount:       b.ResumeCount,
		PauseReason:       b.PauseReason,
		ErrorMessage:      b.ErrorMessage,
		CreatedAt:         b.CreatedAt,
		LastActivityAt:    b.LastActivityAt,
	}
}

// SnapshotRun builds the API view of a run.
func SnapshotRun(r *Run) RunSnapshot {
	return RunSnapshot{
		ID:             r.ID,
		BatchID:        r.BatchID,
		Target:         r.Target,
		Kind:           r.Kind,
		Status:         r.Status,
		TotalCount:     r.TotalCount,
		CompletedCount: r.CompletedCount,
		FailedCount:    r.FailedCount,
		ProgressPct:    r.ProgressPct,
		Checkpoint:     r.Checkpoint(),
		ResumeCount:    r.ResumeCount,
		PauseReason:    r.PauseReason,
		ErrorMessage:   r.ErrorMessage,
		LastActivityAt: r.LastActivityAt,
		PauseTime:      r.PauseTime,
	}
}
