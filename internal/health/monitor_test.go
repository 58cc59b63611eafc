package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

type fakeBroker struct {
	err error
}

func (b *fakeBroker) Ping(ctx context.Context) error { return b.err }

type fakeStore struct {
	pingErr   error
	states    []domain.TenantState
	statesErr error
	recent    bool
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) ListTenantStates(ctx context.Context) ([]domain.TenantState, error) {
	return s.states, s.statesErr
}

func (s *fakeStore) HasRecentRecommendations(ctx context.Context, since time.Time) (bool, error) {
	return s.recent, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.Envelope
}

func (p *fakePublisher) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return env.ID.String(), nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func freshStates(n int, now time.Time) []domain.TenantState {
	states := make([]domain.TenantState, n)
	for i := range states {
		states[i] = domain.TenantState{TenantID: uuid.New(), LastRunAt: now.Add(-time.Minute)}
	}
	return states
}

func TestCheck_AllHealthy(t *testing.T) {
	now := time.Now().UTC()
	m := New(Config{}, &fakeBroker{}, &fakeStore{states: freshStates(3, now), recent: true})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusHealthy {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	for name, up := range health.Components {
		if !up {
			t.Errorf("component %q reported down", name)
		}
	}
}

func TestCheck_BrokerDownIsUnhealthy(t *testing.T) {
	m := New(Config{}, &fakeBroker{err: errors.New("connection refused")}, &fakeStore{recent: true})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusUnhealthy {
		t.Errorf("status = %q, want unhealthy", health.Status)
	}
	if health.Components["broker"] {
		t.Error("broker component should be down")
	}
	if !health.Components["store"] {
		t.Error("store component should stay up")
	}
}

func TestCheck_StoreDownIsUnhealthy(t *testing.T) {
	m := New(Config{}, &fakeBroker{}, &fakeStore{pingErr: errors.New("db down")})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusUnhealthy {
		t.Errorf("status = %q, want unhealthy", health.Status)
	}
	if health.Components["store"] {
		t.Error("store component should be down")
	}
}

func TestCheck_StaleTenantsDegrade(t *testing.T) {
	now := time.Now().UTC()
	states := freshStates(2, now)
	states = append(states, domain.TenantState{TenantID: uuid.New(), LastRunAt: now.Add(-8 * time.Hour)})

	m := New(Config{StaleAfter: 6 * time.Hour}, &fakeBroker{}, &fakeStore{states: states, recent: true})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusDegraded {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if health.Metrics.StaleTenants != 1 {
		t.Errorf("StaleTenants = %d, want 1", health.Metrics.StaleTenants)
	}
	if health.Components["tenant_freshness"] {
		t.Error("tenant_freshness component should be down")
	}
}

func TestCheck_NoRecentActivityDegrades(t *testing.T) {
	now := time.Now().UTC()
	m := New(Config{}, &fakeBroker{}, &fakeStore{states: freshStates(1, now), recent: false})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusDegraded {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if health.Components["recommendation_activity"] {
		t.Error("recommendation_activity component should be down")
	}
}

func TestCheck_UnhealthyOutranksDegraded(t *testing.T) {
	// Broker down plus stale tenants: verdict stays unhealthy.
	now := time.Now().UTC()
	states := []domain.TenantState{{TenantID: uuid.New(), LastRunAt: now.Add(-24 * time.Hour)}}
	m := New(Config{}, &fakeBroker{err: errors.New("down")}, &fakeStore{states: states, recent: false})

	health := m.Check(context.Background())
	if health.Status != domain.HealthStatusUnhealthy {
		t.Errorf("status = %q, want unhealthy", health.Status)
	}
}

func TestCheck_AlertsOnceOnTransition(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{states: freshStates(1, now), recent: true}
	broker := &fakeBroker{}
	pub := &fakePublisher{}
	m := New(Config{}, broker, store).WithPublisher(pub)

	m.Check(context.Background())
	if pub.count() != 0 {
		t.Fatalf("healthy check published %d alerts, want 0", pub.count())
	}

	broker.err = errors.New("down")
	m.Check(context.Background())
	if pub.count() != 1 {
		t.Fatalf("transition published %d alerts, want 1", pub.count())
	}
	if pub.published[0].Type != "system.health_alert" {
		t.Errorf("alert type = %q, want system.health_alert", pub.published[0].Type)
	}

	// Same non-healthy status again: no new alert.
	m.Check(context.Background())
	if pub.count() != 1 {
		t.Errorf("repeated unhealthy check published %d alerts, want 1", pub.count())
	}
}

func TestLast_ReturnsCachedVerdict(t *testing.T) {
	now := time.Now().UTC()
	m := New(Config{}, &fakeBroker{}, &fakeStore{states: freshStates(1, now), recent: true})

	first := m.Check(context.Background())
	last := m.Last(context.Background())
	if !last.CheckedAt.Equal(first.CheckedAt) {
		t.Errorf("Last returned a different verdict: %v vs %v", last.CheckedAt, first.CheckedAt)
	}
}
