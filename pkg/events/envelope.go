// Package events defines the event envelope published to external consumers
// over the notification surface. It wraps batch and run lifecycle events
// with consistent metadata and declares the EventSink interface components
// use to emit them.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the execution engine.
const (
	TypeBatchStatusChanged = "batch.status_changed"
	TypeRunStatusChanged   = "run.status_changed"
	TypeRunProgress        = "run.progress"
	TypeCheckpointDrift    = "run.checkpoint_drift"
)

// Envelope wraps lifecycle events with consistent metadata so consumers can
// route, deduplicate, and order them without knowing payload schemas.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing, e.g. "run.status_changed".
	Type string `json:"type"`

	// Source identifies the component that emitted this event.
	Source string `json:"source"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// BatchID scopes the event to a batch; zero when not batch-scoped.
	BatchID uint64 `json:"batch_id,omitempty"`

	// RunID scopes the event to a run; zero when batch-level.
	RunID uint64 `json:"run_id,omitempty"`

	// Payload carries the event-specific data as JSON.
	Payload json.RawMessage `json:"payload"`
}

// StatusChangePayload is the payload for status-change events.
type StatusChangePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ProgressPayload is the payload for run progress events.
type ProgressPayload struct {
	CompletedCount int     `json:"completed_count"`
	FailedCount    int     `json:"failed_count"`
	TotalCount     int     `json:"total_count"`
	Percentage     float64 `json:"percentage"`
	Checkpoint     uint64  `json:"checkpoint"`
}

// EventSink is implemented by transports that deliver envelopes to
// consumers. Delivery is best-effort: a sink error never fails the
// operation that produced the event.
type EventSink interface {
	// Append queues an event for delivery. Implementations must return
	// quickly and never block the caller on slow consumers.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards all events. Used in tests and when the
// notification surface is disabled.
type NoOpEventSink struct{}

// Append implements EventSink with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error { return nil }

// NewNoOpEventSink creates a sink that discards everything.
func NewNoOpEventSink() EventSink { return &NoOpEventSink{} }
