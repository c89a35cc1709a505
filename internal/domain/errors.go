package domain

import (
	"errors"
	"fmt"
)

// Common engine errors returned by domain operations.
var (
	// ErrNotFound indicates the requested batch, run, or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates the requested status change is not in
	// the legal transition table for the entity's current status.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLockUnavailable indicates the distributed lock for the run could
	// not be acquired within the bounded wait. Retryable; no state was
	// mutated.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrCheckpointDrift indicates the checkpoint and the counters disagree
	// about remaining work: the ID-based and existence-based selections were
	// both empty while completed < total. The engine self-heals but reports
	// the drift loudly rather than masking it.
	ErrCheckpointDrift = errors.New("checkpoint drift detected")

	// ErrAlreadyClaimed indicates another worker holds the processing
	// instance marker for the run or batch.
	ErrAlreadyClaimed = errors.New("already claimed by another worker")
)

// TransitionError carries the entity and statuses of a rejected transition.
// It wraps ErrInvalidTransition so callers can match with errors.Is.
type TransitionError struct {
	Entity string // "batch" or "run"
	ID     uint64
	From   string
	To     string
}

// Error returns a formatted description of the rejected transition.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %d: transition %s -> %s not allowed", e.Entity, e.ID, e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition) to match.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NewBatchTransitionError builds a TransitionError for a batch.
func NewBatchTransitionError(id uint64, from, to BatchStatus) error {
	return &TransitionError{Entity: "batch", ID: id, From: string(from), To: string(to)}
}

// NewRunTransitionError builds a TransitionError for a run.
func NewRunTransitionError(id uint64, from, to RunStatus) error {
	return &TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
}
