package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus tracks an audited event through the pipeline.
// Completed and failed are terminal; transitions out of a terminal
// state are denied by the store.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingStatusCompleted || s == ProcessingStatusFailed
}

// Outcome records one handler invocation attempt against one event.
// A retried invocation produces a new Outcome; rows are never updated.
type Outcome struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	HandlerName string
	Success     bool

	DurationMs int64
	RetryCount int
	Error      string

	CreatedAt time.Time
}
