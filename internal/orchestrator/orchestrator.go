// Package orchestrator walks active tenants on a cadence and invokes
// the recommendation generator for each. Cycles never overlap; tenants
// are processed in bounded-concurrency batches so one slow tenant
// cannot starve the rest, and a failing tenant is isolated behind the
// circuit breaker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/circuitbreaker"
	"github.com/djlord-it/sellerpulse/internal/domain"
)

// ErrCycleInProgress is returned when a cycle is requested while the
// previous one is still running. The caller skips the tick; the next
// tick tries again.
var ErrCycleInProgress = errors.New("cycle already in progress")

const (
	// DefaultBatchSize bounds concurrent tenant processing.
	DefaultBatchSize = 3
	// DefaultBatchPause is inserted between batches.
	DefaultBatchPause = 500 * time.Millisecond
)

// TenantDirectory lists the tenants a full cycle visits.
type TenantDirectory interface {
	ListActiveTenants(ctx context.Context) ([]uuid.UUID, error)
}

// Store reads and writes per-tenant orchestrator state.
type Store interface {
	UpsertTenantState(ctx context.Context, state domain.TenantState) error
	ListTenantsWithUrgentPending(ctx context.Context) ([]uuid.UUID, error)
}

// GenerateResult is one tenant's generator output.
type GenerateResult struct {
	Recommendations int
}

// Generator produces recommendations for one tenant. Implementations
// publish their own recommendation envelopes; the orchestrator only
// accounts for the counts.
type Generator interface {
	Generate(ctx context.Context, tenantID uuid.UUID) (GenerateResult, error)
}

// Publisher emits cycle summary envelopes.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// MetricsSink records cycle metrics.
type MetricsSink interface {
	CycleCompleted(kind string, summary domain.CycleSummary)
	TenantProcessed(err error)
}

// Config bounds one orchestrator.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
}

// Orchestrator runs tenant cycles. A single instance serializes its
// own cycles with an atomic guard; overlapping ticks are dropped.
type Orchestrator struct {
	config    Config
	directory TenantDirectory
	store     Store
	generator Generator
	publisher Publisher                      // optional
	breaker   *circuitbreaker.CircuitBreaker // optional
	metrics   MetricsSink                    // optional
	clock     func() time.Time

	running atomic.Bool
}

func New(config Config, directory TenantDirectory, store Store, generator Generator) *Orchestrator {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchPause < 0 {
		config.BatchPause = DefaultBatchPause
	}
	return &Orchestrator{
		config:    config,
		directory: directory,
		store:     store,
		generator: generator,
		clock:     time.Now,
	}
}

// WithPublisher attaches the summary publisher.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithBreaker attaches a per-tenant circuit breaker.
func (o *Orchestrator) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Orchestrator {
	o.breaker = cb
	return o
}

// WithMetrics attaches a metrics sink.
func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

// RunCycle visits the cycle's tenant set once. Returns
// ErrCycleInProgress without doing any work if another cycle is
// already running.
func (o *Orchestrator) RunCycle(ctx context.Context, kind domain.CycleKind) (domain.CycleSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return domain.CycleSummary{}, ErrCycleInProgress
	}
	defer o.running.Store(false)

	startedAt := o.clock().UTC()
	summary := domain.CycleSummary{Kind: kind, StartedAt: startedAt}

	tenants, err := o.tenantsFor(ctx, kind)
	if err != nil {
		return summary, fmt.Errorf("list tenants for %s cycle: %w", kind, err)
	}

	log.Printf("orchestrator: %s cycle started (tenants=%d, batch=%d)", kind, len(tenants), o.config.BatchSize)

	var (
		mu              sync.Mutex
		recommendations int
		errored         int
	)

	for start := 0; start < len(tenants); start += o.config.BatchSize {
		if ctx.Err() != nil {
			break
		}

		end := start + o.config.BatchSize
		if end > len(tenants) {
			end = len(tenants)
		}

		var wg sync.WaitGroup
		for _, tenantID := range tenants[start:end] {
			wg.Add(1)
			go func(tenantID uuid.UUID) {
				defer wg.Done()
				count, err := o.processTenant(ctx, tenantID)
				mu.Lock()
				defer mu.Unlock()
				recommendations += count
				if err != nil {
					errored++
				}
			}(tenantID)
		}
		wg.Wait()

		if end < len(tenants) && o.config.BatchPause > 0 {
			pause(ctx, o.config.BatchPause)
		}
	}

	summary.TenantsVisited = len(tenants)
	summary.Recommendations = recommendations
	summary.Errors = errored
	summary.Duration = o.clock().UTC().Sub(startedAt)

	if o.metrics != nil {
		o.metrics.CycleCompleted(string(kind), summary)
	}
	o.publishSummary(ctx, summary)

	log.Printf("orchestrator: %s cycle finished (tenants=%d, recommendations=%d, errors=%d, took=%s)",
		kind, summary.TenantsVisited, summary.Recommendations, summary.Errors, summary.Duration.Round(time.Millisecond))

	return summary, nil
}

func (o *Orchestrator) tenantsFor(ctx context.Context, kind domain.CycleKind) ([]uuid.UUID, error) {
	if kind == domain.CycleUrgentSweep {
		return o.store.ListTenantsWithUrgentPending(ctx)
	}
	return o.directory.ListActiveTenants(ctx)
}

// processTenant runs the generator for one tenant and records the
// per-tenant cursor. A failure counts against this tenant only.
func (o *Orchestrator) processTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	key := tenantID.String()

	if o.breaker != nil {
		if err := o.breaker.Allow(key); err != nil {
			log.Printf("orchestrator: tenant=%s skipped: %v", key, err)
			return 0, err
		}
	}

	result, err := o.generator.Generate(ctx, tenantID)
	if o.metrics != nil {
		o.metrics.TenantProcessed(err)
	}

	state := domain.TenantState{
		TenantID:            tenantID,
		LastRunAt:           o.clock().UTC(),
		RecommendationCount: result.Recommendations,
	}
	if err != nil {
		state.ErrorCount = 1
		if o.breaker != nil {
			o.breaker.RecordFailure(key)
		}
		log.Printf("orchestrator: tenant=%s generate failed: %v", key, err)
	} else if o.breaker != nil {
		o.breaker.RecordSuccess(key)
	}

	if serr := o.store.UpsertTenantState(ctx, state); serr != nil {
		log.Printf("orchestrator: tenant=%s upsert state: %v", key, serr)
	}

	return result.Recommendations, err
}

// publishSummary emits a seller.processing_completed envelope for the
// cycle. The summary is informational; publish failures are logged.
func (o *Orchestrator) publishSummary(ctx context.Context, summary domain.CycleSummary) {
	if o.publisher == nil {
		return
	}

	env, err := domain.NewEnvelope("seller.processing_completed", domain.CategoryPerformance, systemTenantID,
		map[string]any{
			"cycle_kind":      string(summary.Kind),
			"tenants_visited": summary.TenantsVisited,
			"recommendations": summary.Recommendations,
			"errors":          summary.Errors,
			"duration_ms":     summary.Duration.Milliseconds(),
		},
		domain.Metadata{Source: "orchestrator", Confidence: 1, Importance: 2})
	if err != nil {
		log.Printf("orchestrator: build summary envelope: %v", err)
		return
	}

	if _, err := o.publisher.Publish(ctx, env); err != nil {
		log.Printf("orchestrator: publish cycle summary: %v", err)
	}
}

// systemTenantID marks pipeline-generated envelopes that belong to no
// seller tenant.
var systemTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
