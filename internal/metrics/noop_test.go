package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Producer metrics
	s.EventPublished("inventory", nil)
	s.EventPublished("pricing", errors.New("down"))

	// Dispatch metrics
	s.PollCompleted(3, nil)
	s.HandlerAttemptCompleted(OutcomeSuccess, 200*time.Millisecond)
	s.HandlerOutcome(OutcomeFailure)
	s.RetryScheduled()
	s.EventsInFlightIncr()
	s.EventsInFlightDecr()

	// Orchestrator metrics
	s.CycleCompleted("full", domain.CycleSummary{})
	s.TenantProcessed(nil)

	// Health metrics
	s.HealthChecked("healthy", 0)
}
