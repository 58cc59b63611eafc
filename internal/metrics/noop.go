package metrics

import (
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventPublished(category string, err error)                      {}
func (n *NoopSink) PollCompleted(delivered int, err error)                         {}
func (n *NoopSink) HandlerAttemptCompleted(outcome string, duration time.Duration) {}
func (n *NoopSink) HandlerOutcome(outcome string)                                  {}
func (n *NoopSink) RetryScheduled()                                                {}
func (n *NoopSink) EventsInFlightIncr()                                            {}
func (n *NoopSink) EventsInFlightDecr()                                            {}
func (n *NoopSink) CycleCompleted(kind string, summary domain.CycleSummary)        {}
func (n *NoopSink) TenantProcessed(err error)                                      {}
func (n *NoopSink) HealthChecked(status string, staleTenants int)                  {}

var _ Sink = (*NoopSink)(nil)
