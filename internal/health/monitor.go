// Package health probes the broker, the audit store and tenant
// freshness on an interval and folds the results into a tri-state
// verdict. Transitions away from healthy publish a system.health_alert
// envelope so operators learn about degradation through the same
// pipeline the data flows through.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

const (
	// DefaultInterval is the probe cadence.
	DefaultInterval = 30 * time.Second
	// DefaultStaleAfter marks a tenant stale when its last cycle ran
	// longer ago than this.
	DefaultStaleAfter = 6 * time.Hour
	// DefaultRecentActivity is the window for the recommendation
	// activity check.
	DefaultRecentActivity = 12 * time.Hour
)

// BrokerPinger checks broker reachability.
type BrokerPinger interface {
	Ping(ctx context.Context) error
}

// Store supplies the probe's persistence checks.
type Store interface {
	Ping(ctx context.Context) error
	ListTenantStates(ctx context.Context) ([]domain.TenantState, error)
	HasRecentRecommendations(ctx context.Context, since time.Time) (bool, error)
}

// Publisher emits health alert envelopes.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// MetricsSink records probe results.
type MetricsSink interface {
	HealthChecked(status string, staleTenants int)
}

// Config bounds one monitor.
type Config struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	RecentActivity time.Duration
}

// Monitor runs the periodic probe and caches the latest verdict for
// the HTTP surface.
type Monitor struct {
	config    Config
	broker    BrokerPinger
	store     Store
	publisher Publisher   // optional
	metrics   MetricsSink // optional
	clock     func() time.Time

	mu   sync.RWMutex
	last domain.SystemHealth
}

func New(config Config, broker BrokerPinger, store Store) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.RecentActivity <= 0 {
		config.RecentActivity = DefaultRecentActivity
	}
	return &Monitor{
		config: config,
		broker: broker,
		store:  store,
		clock:  time.Now,
	}
}

// WithPublisher attaches the alert publisher.
func (m *Monitor) WithPublisher(p Publisher) *Monitor {
	m.publisher = p
	return m
}

// WithMetrics attaches a metrics sink.
func (m *Monitor) WithMetrics(sink MetricsSink) *Monitor {
	m.metrics = sink
	return m
}

// Check probes every component once and returns the folded verdict.
// Broker or store unreachability is unhealthy; stale tenants or a
// silent recommendation pipeline degrade; otherwise healthy.
func (m *Monitor) Check(ctx context.Context) domain.SystemHealth {
	now := m.clock().UTC()
	health := domain.SystemHealth{
		Status:     domain.HealthStatusHealthy,
		Components: map[string]bool{"broker": true, "store": true, "tenant_freshness": true, "recommendation_activity": true},
		CheckedAt:  now,
	}

	if err := m.broker.Ping(ctx); err != nil {
		log.Printf("health: broker ping failed: %v", err)
		health.Components["broker"] = false
		health.Status = domain.HealthStatusUnhealthy
	}

	storeUp := true
	if err := m.store.Ping(ctx); err != nil {
		log.Printf("health: store ping failed: %v", err)
		health.Components["store"] = false
		health.Status = domain.HealthStatusUnhealthy
		storeUp = false
	}

	if storeUp {
		m.checkFreshness(ctx, now, &health)
		m.checkActivity(ctx, now, &health)
	}

	if m.metrics != nil {
		m.metrics.HealthChecked(string(health.Status), health.Metrics.StaleTenants)
	}

	m.record(ctx, health)
	return health
}

func (m *Monitor) checkFreshness(ctx context.Context, now time.Time, health *domain.SystemHealth) {
	states, err := m.store.ListTenantStates(ctx)
	if err != nil {
		log.Printf("health: list tenant states: %v", err)
		return
	}

	var stale int
	var oldest time.Duration
	for _, st := range states {
		age := now.Sub(st.LastRunAt)
		if age > m.config.StaleAfter {
			stale++
			if age > oldest {
				oldest = age
			}
		}
	}

	health.Metrics.StaleTenants = stale
	health.Metrics.OldestStaleness = oldest
	if oldest > 0 {
		health.Metrics.OldestStaleStr = oldest.Round(time.Second).String()
	}
	if stale > 0 {
		health.Components["tenant_freshness"] = false
		health.Status = worse(health.Status, domain.HealthStatusDegraded)
	}
}

func (m *Monitor) checkActivity(ctx context.Context, now time.Time, health *domain.SystemHealth) {
	recent, err := m.store.HasRecentRecommendations(ctx, now.Add(-m.config.RecentActivity))
	if err != nil {
		log.Printf("health: recent recommendations check: %v", err)
		return
	}
	if !recent {
		health.Components["recommendation_activity"] = false
		health.Status = worse(health.Status, domain.HealthStatusDegraded)
	}
}

// record caches the verdict and alerts on transitions away from
// healthy. Repeated non-healthy checks at the same status stay quiet.
func (m *Monitor) record(ctx context.Context, health domain.SystemHealth) {
	m.mu.Lock()
	previous := m.last.Status
	m.last = health
	m.mu.Unlock()

	if health.Status != domain.HealthStatusHealthy && health.Status != previous {
		log.Printf("health: status %s -> %s (stale_tenants=%d)", previous, health.Status, health.Metrics.StaleTenants)
		m.alert(ctx, health)
	}
}

// Last returns the most recent verdict, or a fresh Check if none has
// run yet.
func (m *Monitor) Last(ctx context.Context) domain.SystemHealth {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()

	if last.CheckedAt.IsZero() {
		return m.Check(ctx)
	}
	return last
}

// Run probes on the configured interval until ctx is cancelled. The
// first check runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	log.Printf("health: monitor started (interval=%s, stale_after=%s)", m.config.Interval, m.config.StaleAfter)

	m.Check(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("health: monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) alert(ctx context.Context, health domain.SystemHealth) {
	if m.publisher == nil {
		return
	}

	env, err := domain.NewEnvelope("system.health_alert", domain.CategoryPerformance, systemTenantID,
		health,
		domain.Metadata{Source: "health", Confidence: 1, Importance: domain.UrgentImportance})
	if err != nil {
		log.Printf("health: build alert envelope: %v", err)
		return
	}

	if _, err := m.publisher.Publish(ctx, env); err != nil {
		log.Printf("health: publish alert: %v", err)
	}
}

func worse(current, candidate domain.HealthStatus) domain.HealthStatus {
	if current == domain.HealthStatusUnhealthy {
		return current
	}
	return candidate
}

// systemTenantID marks pipeline-generated envelopes that belong to no
// seller tenant.
var systemTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
