package metrics

import (
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable,
// implementations log warnings and continue.
type Sink interface {
	// Producer metrics
	EventPublished(category string, err error)

	// Dispatch metrics
	PollCompleted(delivered int, err error)
	HandlerAttemptCompleted(outcome string, duration time.Duration)
	HandlerOutcome(outcome string)
	RetryScheduled()
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Orchestrator metrics
	CycleCompleted(kind string, summary domain.CycleSummary)
	TenantProcessed(err error)

	// Health metrics
	HealthChecked(status string, staleTenants int)
}

// Outcome constants for handler metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
