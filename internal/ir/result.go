package ir

import "time"

// Outcome is the terminal result of processing one descriptor.
type Outcome string

const (
	OutcomeCreated   Outcome = "Created"
	OutcomeUpdated   Outcome = "Updated"
	OutcomeUnchanged Outcome = "Unchanged"
	OutcomeDeleted   Outcome = "Deleted"
	OutcomeFailed    Outcome = "Failed"
	OutcomeSkipped   Outcome = "Skipped"
)

// OperationResult is the outcome of applying or deleting one descriptor.
type OperationResult struct {
	ID       string
	Kind     Kind
	Outcome  Outcome
	Err      error
	Handle   *Handle
	Attempts int
	Duration time.Duration

	// BlockedBy names the failed descriptor (or the cancellation cause)
	// that prevented a Skipped descriptor from being attempted.
	BlockedBy string
}

// Succeeded reports whether the descriptor reached its desired state.
func (r *OperationResult) Succeeded() bool {
	switch r.Outcome {
	case OutcomeCreated, OutcomeUpdated, OutcomeUnchanged, OutcomeDeleted:
		return true
	}
	return false
}
