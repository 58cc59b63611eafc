// Package reconciler detects and re-appends stuck events.
//
// An event is stuck when its audit row stays non-terminal past a
// threshold: the broker entry was lost, a consumer crashed mid-pass
// and redelivery never happened, or a retry entry went missing.
//
// The reconciler periodically scans for stuck events and appends their
// envelopes to the broker again. Idempotency is guaranteed by the
// audit store's terminal state guards and the handlers' replay checks;
// an event that completed in the meantime is acked and skipped on
// redelivery.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// Store fetches stuck events.
type Store interface {
	GetStaleEvents(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.EventRecord, error)
}

// Emitter re-appends envelopes to the broker.
type Emitter interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a non-terminal event is
	// considered stuck.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of stuck events per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler re-appends stuck events to the broker.
type Reconciler struct {
	config  Config
	store   Store
	emitter Emitter
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, emitter Emitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stuck, err := r.store.GetStaleEvents(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to fetch stuck events: %v", err)
		return
	}

	if len(stuck) == 0 {
		return
	}

	log.Printf("reconciler: found %d stuck events", len(stuck))

	emitted := 0
	failed := 0

	for _, rec := range stuck {
		// Check context before each emit to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d stuck events", emitted+failed, len(stuck))
			return
		}

		if _, err := r.emitter.Publish(ctx, rec.Envelope); err != nil {
			// Broker append failed. Log and continue - will retry
			// next cycle.
			log.Printf("reconciler: failed to re-append event=%s type=%s: %v", rec.ID, rec.Type, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-appended event=%s type=%s tenant=%s (status=%s, age=%s)",
			rec.ID, rec.Type, rec.TenantID, rec.Status, now.Sub(rec.Timestamp).Round(time.Second))
		emitted++
	}

	log.Printf("reconciler: cycle complete, re-appended=%d, failed=%d", emitted, failed)
}
