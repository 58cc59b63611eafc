package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}

	// Double registration on the same registry logs, never panics.
	NewPrometheusSink(reg)
}

func TestPrometheusSink_EventPublished(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventPublished("inventory", nil)
	sink.EventPublished("inventory", nil)
	sink.EventPublished("pricing", errors.New("broker down"))

	got := getCounterVecValue(t, reg, "sellerpulse_producer_events_published_total", map[string]string{"category": "inventory"})
	if got != 2 {
		t.Errorf("inventory publishes = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "sellerpulse_producer_publish_errors_total"); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
}

func TestPrometheusSink_PollCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PollCompleted(3, nil)
	sink.PollCompleted(0, errors.New("timeout"))

	if got := getCounterValue(t, reg, "sellerpulse_dispatch_polls_total"); got != 2 {
		t.Errorf("polls = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "sellerpulse_dispatch_poll_errors_total"); got != 1 {
		t.Errorf("poll errors = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "sellerpulse_dispatch_entries_delivered_total"); got != 3 {
		t.Errorf("entries delivered = %v, want 3", got)
	}
}

func TestPrometheusSink_HandlerMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.HandlerAttemptCompleted(OutcomeSuccess, 50*time.Millisecond)
	sink.HandlerAttemptCompleted(OutcomeFailure, 20*time.Millisecond)
	sink.HandlerAttemptCompleted(OutcomeFailure, 20*time.Millisecond)
	sink.HandlerOutcome(OutcomeSuccess)
	sink.RetryScheduled()

	if got := getCounterVecValue(t, reg, "sellerpulse_dispatch_handler_attempts_total", map[string]string{"outcome": "failure"}); got != 2 {
		t.Errorf("failure attempts = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "sellerpulse_dispatch_handler_outcomes_total", map[string]string{"outcome": "success"}); got != 1 {
		t.Errorf("success outcomes = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "sellerpulse_dispatch_retries_scheduled_total"); got != 1 {
		t.Errorf("retries scheduled = %v, want 1", got)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	if got := getGaugeValue(t, reg, "sellerpulse_dispatch_events_in_flight"); got != 1 {
		t.Errorf("events in flight = %v, want 1", got)
	}
}

func TestPrometheusSink_CycleCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CycleCompleted("full", domain.CycleSummary{
		Kind:     domain.CycleFull,
		Errors:   2,
		Duration: 3 * time.Second,
	})
	sink.TenantProcessed(nil)
	sink.TenantProcessed(errors.New("generator failed"))

	if got := getCounterVecValue(t, reg, "sellerpulse_orchestrator_cycles_total", map[string]string{"kind": "full"}); got != 1 {
		t.Errorf("full cycles = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "sellerpulse_orchestrator_cycle_errors_total"); got != 2 {
		t.Errorf("cycle errors = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "sellerpulse_orchestrator_tenants_processed_total", map[string]string{"result": "failure"}); got != 1 {
		t.Errorf("failed tenants = %v, want 1", got)
	}
}

func TestPrometheusSink_HealthChecked(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.HealthChecked("healthy", 0)
	sink.HealthChecked("degraded", 4)

	if got := getCounterVecValue(t, reg, "sellerpulse_health_checks_total", map[string]string{"status": "degraded"}); got != 1 {
		t.Errorf("degraded checks = %v, want 1", got)
	}
	if got := getGaugeValue(t, reg, "sellerpulse_health_stale_tenants"); got != 4 {
		t.Errorf("stale tenants = %v, want 4", got)
	}
}
