package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Producer metrics
	eventsPublishedTotal *prometheus.CounterVec
	publishErrorsTotal   prometheus.Counter

	// Dispatch metrics
	pollsTotal            prometheus.Counter
	pollErrorsTotal       prometheus.Counter
	entriesDeliveredTotal prometheus.Counter
	handlerAttemptsTotal  *prometheus.CounterVec
	handlerOutcomesTotal  *prometheus.CounterVec
	handlerDuration       prometheus.Histogram
	retriesScheduledTotal prometheus.Counter
	eventsInFlight        prometheus.Gauge

	// Orchestrator metrics
	cyclesTotal           *prometheus.CounterVec
	cycleDuration         prometheus.Histogram
	cycleErrorsTotal      prometheus.Counter
	tenantsProcessedTotal *prometheus.CounterVec

	// Health metrics
	healthChecksTotal *prometheus.CounterVec
	staleTenants      prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional
// sink; the affected collector simply stays unexported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initProducerMetrics(reg)
	s.initDispatchMetrics(reg)
	s.initOrchestratorMetrics(reg)
	s.initHealthMetrics(reg)
	return s
}

func (s *PrometheusSink) initProducerMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_producer_events_published_total",
		Help: "Total number of envelopes appended to the broker.",
	}, []string{"category"})
	s.publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_producer_publish_errors_total",
		Help: "Total number of failed broker appends.",
	})

	s.register(reg, s.eventsPublishedTotal, "sellerpulse_producer_events_published_total")
	s.register(reg, s.publishErrorsTotal, "sellerpulse_producer_publish_errors_total")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_polls_total",
		Help: "Total number of broker polls.",
	})
	s.pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_poll_errors_total",
		Help: "Total number of failed broker polls.",
	})
	s.entriesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_entries_delivered_total",
		Help: "Total number of stream entries delivered to consumers.",
	})
	s.handlerAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_handler_attempts_total",
		Help: "Total number of handler invocation attempts.",
	}, []string{"outcome"})
	s.handlerOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_handler_outcomes_total",
		Help: "Total number of terminal handler outcomes per event.",
	}, []string{"outcome"})
	s.handlerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sellerpulse_dispatch_handler_duration_seconds",
		Help:    "Handler invocation latency in seconds (excludes retry delay).",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.retriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_dispatch_retries_scheduled_total",
		Help: "Total number of broker-backed handler retries scheduled.",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sellerpulse_dispatch_events_in_flight",
		Help: "Number of entries currently being processed.",
	})

	s.register(reg, s.pollsTotal, "sellerpulse_dispatch_polls_total")
	s.register(reg, s.pollErrorsTotal, "sellerpulse_dispatch_poll_errors_total")
	s.register(reg, s.entriesDeliveredTotal, "sellerpulse_dispatch_entries_delivered_total")
	s.register(reg, s.handlerAttemptsTotal, "sellerpulse_dispatch_handler_attempts_total")
	s.register(reg, s.handlerOutcomesTotal, "sellerpulse_dispatch_handler_outcomes_total")
	s.register(reg, s.handlerDuration, "sellerpulse_dispatch_handler_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "sellerpulse_dispatch_retries_scheduled_total")
	s.register(reg, s.eventsInFlight, "sellerpulse_dispatch_events_in_flight")
}

func (s *PrometheusSink) initOrchestratorMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_orchestrator_cycles_total",
		Help: "Total number of completed tenant cycles.",
	}, []string{"kind"})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sellerpulse_orchestrator_cycle_duration_seconds",
		Help:    "Duration of each tenant cycle in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sellerpulse_orchestrator_cycle_errors_total",
		Help: "Total number of per-tenant errors across cycles.",
	})
	s.tenantsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_orchestrator_tenants_processed_total",
		Help: "Total number of tenant generator invocations.",
	}, []string{"result"})

	s.register(reg, s.cyclesTotal, "sellerpulse_orchestrator_cycles_total")
	s.register(reg, s.cycleDuration, "sellerpulse_orchestrator_cycle_duration_seconds")
	s.register(reg, s.cycleErrorsTotal, "sellerpulse_orchestrator_cycle_errors_total")
	s.register(reg, s.tenantsProcessedTotal, "sellerpulse_orchestrator_tenants_processed_total")
}

func (s *PrometheusSink) initHealthMetrics(reg prometheus.Registerer) {
	s.healthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerpulse_health_checks_total",
		Help: "Total number of health probes per verdict.",
	}, []string{"status"})
	s.staleTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sellerpulse_health_stale_tenants",
		Help: "Number of tenants past the staleness threshold.",
	})

	s.register(reg, s.healthChecksTotal, "sellerpulse_health_checks_total")
	s.register(reg, s.staleTenants, "sellerpulse_health_stale_tenants")
}

// register attempts to register a collector, logging any errors
// without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Producer metrics implementation

func (s *PrometheusSink) EventPublished(category string, err error) {
	s.eventsPublishedTotal.WithLabelValues(category).Inc()
	if err != nil {
		s.publishErrorsTotal.Inc()
	}
}

// Dispatch metrics implementation

func (s *PrometheusSink) PollCompleted(delivered int, err error) {
	s.pollsTotal.Inc()
	s.entriesDeliveredTotal.Add(float64(delivered))
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) HandlerAttemptCompleted(outcome string, duration time.Duration) {
	s.handlerAttemptsTotal.WithLabelValues(outcome).Inc()
	s.handlerDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) HandlerOutcome(outcome string) {
	s.handlerOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesScheduledTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// Orchestrator metrics implementation

func (s *PrometheusSink) CycleCompleted(kind string, summary domain.CycleSummary) {
	s.cyclesTotal.WithLabelValues(kind).Inc()
	s.cycleDuration.Observe(summary.Duration.Seconds())
	s.cycleErrorsTotal.Add(float64(summary.Errors))
}

func (s *PrometheusSink) TenantProcessed(err error) {
	result := OutcomeSuccess
	if err != nil {
		result = OutcomeFailure
	}
	s.tenantsProcessedTotal.WithLabelValues(result).Inc()
}

// Health metrics implementation

func (s *PrometheusSink) HealthChecked(status string, staleTenants int) {
	s.healthChecksTotal.WithLabelValues(status).Inc()
	s.staleTenants.Set(float64(staleTenants))
}

var _ Sink = (*PrometheusSink)(nil)
