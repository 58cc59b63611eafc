// Package dispatch runs the per-partition consumer loops: poll the
// broker, match handlers, execute them with bounded per-handler retry,
// persist outcomes, and acknowledge entries only once every matched
// handler is terminal or its next retry has been durably re-appended.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/registry"
)

// ErrStatusTransitionDenied is returned by the audit store when a
// status update would regress from a terminal state (completed/failed).
// Redelivered entries hit this on replay; it is safe to acknowledge.
var ErrStatusTransitionDenied = errors.New("status transition denied: event already in terminal state")

// pollBackoff paces retries after transport failures on Poll.
var pollBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// maxRetryHold bounds how long a consumer holds a not-yet-due retry
// entry before re-appending it to the broker.
const maxRetryHold = time.Second

// Broker is the delivery surface the loop consumes.
type Broker interface {
	Subscribe(ctx context.Context, consumerGroup, partitionPattern string) error
	Poll(ctx context.Context, consumerGroup, consumerID string, maxBatch int, blockTimeout time.Duration) ([]domain.Delivery, error)
	Ack(ctx context.Context, consumerGroup, deliveryID string) error
	PublishRetry(ctx context.Context, consumerGroup string, retry domain.Retry) error
}

// AuditStore persists processing state. Implementations MUST reject
// transitions from terminal states with ErrStatusTransitionDenied.
type AuditStore interface {
	MarkEventProcessing(ctx context.Context, eventID uuid.UUID) error
	// RecordDispatchOutcome stores the fresh pass result: how many
	// handler retries were scheduled and how many handlers failed
	// terminally. It returns the event's resulting status.
	RecordDispatchOutcome(ctx context.Context, eventID uuid.UUID, scheduledRetries, failedHandlers int) (domain.ProcessingStatus, error)
	// ResolveRetryOutcome records one retry reaching a terminal state
	// and returns the event's resulting status.
	ResolveRetryOutcome(ctx context.Context, eventID uuid.UUID, failed bool) (domain.ProcessingStatus, error)
	MarkEventProcessed(ctx context.Context, eventID uuid.UUID, handlerName string) error
	InsertOutcome(ctx context.Context, outcome domain.Outcome) error
}

// Publisher emits escalation envelopes back into the pipeline.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// MetricsSink records dispatch metrics. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	PollCompleted(delivered int, err error)
	HandlerAttemptCompleted(outcome string, duration time.Duration)
	HandlerOutcome(outcome string)
	RetryScheduled()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// Config holds one loop's identity and bounds. MaxBatch is the only
// backpressure mechanism on the consumer side: it caps in-flight
// entries per iteration.
type Config struct {
	ConsumerGroup    string
	ConsumerID       string
	PartitionPattern string
	MaxBatch         int
	BlockTimeout     time.Duration
}

// Loop is one per-partition-pattern consumer. Loops run concurrently
// and independently; a slow handler on one entry delays only its own
// batch.
type Loop struct {
	config    Config
	broker    Broker
	registry  *registry.Registry
	audit     AuditStore
	publisher Publisher   // optional, nil = no escalation envelopes
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

func New(config Config, broker Broker, reg *registry.Registry, audit AuditStore) *Loop {
	if config.MaxBatch <= 0 {
		config.MaxBatch = 16
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if config.ConsumerID == "" {
		config.ConsumerID = uuid.NewString()
	}
	return &Loop{
		config:   config,
		broker:   broker,
		registry: reg,
		audit:    audit,
		clock:    time.Now,
	}
}

// WithPublisher attaches the escalation publisher.
func (l *Loop) WithPublisher(p Publisher) *Loop {
	l.publisher = p
	return l
}

// WithMetrics attaches a metrics sink.
func (l *Loop) WithMetrics(sink MetricsSink) *Loop {
	l.metrics = sink
	return l
}

// Run subscribes and consumes until ctx is cancelled. In-flight
// entries finish their current pass; unacknowledged entries are left
// for redelivery.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.broker.Subscribe(ctx, l.config.ConsumerGroup, l.config.PartitionPattern); err != nil {
		return fmt.Errorf("subscribe %s %q: %w", l.config.ConsumerGroup, l.config.PartitionPattern, err)
	}

	log.Printf("dispatch: started (group=%s, pattern=%s, batch=%d)",
		l.config.ConsumerGroup, l.config.PartitionPattern, l.config.MaxBatch)

	pollFailures := 0
	for {
		if ctx.Err() != nil {
			log.Printf("dispatch: stopped (group=%s, pattern=%s)", l.config.ConsumerGroup, l.config.PartitionPattern)
			return nil
		}

		deliveries, err := l.broker.Poll(ctx, l.config.ConsumerGroup, l.config.ConsumerID, l.config.MaxBatch, l.config.BlockTimeout)
		if l.metrics != nil {
			l.metrics.PollCompleted(len(deliveries), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			idx := pollFailures
			if idx >= len(pollBackoff) {
				idx = len(pollBackoff) - 1
			}
			pollFailures++
			log.Printf("dispatch: poll error (group=%s, failures=%d, backoff=%s): %v",
				l.config.ConsumerGroup, pollFailures, pollBackoff[idx], err)
			sleep(ctx, pollBackoff[idx])
			continue
		}
		pollFailures = 0

		if len(deliveries) == 0 {
			continue
		}

		// Entries in a batch are processed concurrently; the batch
		// size bounds in-flight work.
		var wg sync.WaitGroup
		for _, d := range deliveries {
			wg.Add(1)
			go func(d domain.Delivery) {
				defer wg.Done()
				l.process(ctx, d)
			}(d)
		}
		wg.Wait()
	}
}

func (l *Loop) process(ctx context.Context, d domain.Delivery) {
	if l.metrics != nil {
		l.metrics.EventsInFlightIncr()
		defer l.metrics.EventsInFlightDecr()
	}

	if d.Retry != nil {
		l.processRetry(ctx, d)
		return
	}
	l.processFresh(ctx, d)
}

// processFresh runs every matched handler once. Failures schedule a
// durable broker-backed retry for that handler only; siblings and
// later entries are unaffected. The entry is acked once every handler
// is terminal or its retry is persisted.
func (l *Loop) processFresh(ctx context.Context, d domain.Delivery) {
	env := d.Envelope

	if err := l.audit.MarkEventProcessing(ctx, env.ID); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Redelivery of an already-terminal event. Ack and move on.
			l.ack(ctx, d.ID)
			return
		}
		// Store transport failure: keep going; outcomes may still land
		// and an unacked entry is redelivered anyway.
		log.Printf("dispatch: mark processing event=%s: %v", env.ID, err)
	}

	handlers := l.registry.Match(env.Type)
	if len(handlers) == 0 {
		if _, err := l.audit.RecordDispatchOutcome(ctx, env.ID, 0, 0); err != nil && !errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("dispatch: record outcome event=%s: %v", env.ID, err)
		}
		l.ack(ctx, d.ID)
		return
	}

	scheduledRetries := 0
	failedHandlers := 0

	for _, h := range handlers {
		err := l.invoke(ctx, h, env, 0)
		if err == nil {
			if l.metrics != nil {
				l.metrics.HandlerOutcome(outcomeSuccess)
			}
			continue
		}

		if h.Retry.MaxRetries > 0 {
			retry := domain.Retry{
				Envelope:    env,
				HandlerName: h.Name,
				Attempt:     1,
				NotBefore:   l.clock().UTC().Add(h.Retry.Delay(0)),
			}
			if rerr := l.broker.PublishRetry(ctx, l.config.ConsumerGroup, retry); rerr != nil {
				// Retry could not be persisted: leave the entry
				// unacked so the whole event is redelivered.
				log.Printf("dispatch: persist retry event=%s handler=%s: %v", env.ID, h.Name, rerr)
				return
			}
			if l.metrics != nil {
				l.metrics.RetryScheduled()
			}
			scheduledRetries++
			continue
		}

		failedHandlers++
		if l.metrics != nil {
			l.metrics.HandlerOutcome(outcomeFailure)
		}
		l.escalate(ctx, env, h.Name, err)
	}

	status, err := l.audit.RecordDispatchOutcome(ctx, env.ID, scheduledRetries, failedHandlers)
	if err != nil && !errors.Is(err, ErrStatusTransitionDenied) {
		log.Printf("dispatch: record outcome event=%s: %v", env.ID, err)
	}
	if status == domain.ProcessingStatusFailed {
		log.Printf("dispatch: event=%s type=%s failed (%d handler(s) exhausted)", env.ID, env.Type, failedHandlers)
	}
	l.ack(ctx, d.ID)
}

// processRetry executes one delayed handler re-attempt. Entries not
// yet due are held briefly, then re-appended so the delay persists
// across restarts.
func (l *Loop) processRetry(ctx context.Context, d domain.Delivery) {
	r := *d.Retry
	now := l.clock().UTC()

	if !r.Due(now) {
		if wait := r.NotBefore.Sub(now); wait > maxRetryHold {
			sleep(ctx, maxRetryHold)
		} else {
			sleep(ctx, wait)
		}
		if !r.Due(l.clock().UTC()) {
			if err := l.broker.PublishRetry(ctx, l.config.ConsumerGroup, r); err != nil {
				log.Printf("dispatch: requeue retry event=%s handler=%s: %v", r.Envelope.ID, r.HandlerName, err)
				return // unacked: redelivered after the visibility window
			}
			l.ack(ctx, d.ID)
			return
		}
	}

	h, ok := l.registry.Lookup(r.HandlerName)
	if !ok {
		log.Printf("dispatch: retry for unregistered handler %q event=%s, abandoning", r.HandlerName, r.Envelope.ID)
		l.resolveRetry(ctx, r, true)
		l.ack(ctx, d.ID)
		return
	}

	err := l.invoke(ctx, h, r.Envelope, r.Attempt)
	switch {
	case err == nil:
		l.resolveRetry(ctx, r, false)
	case r.Attempt < h.Retry.MaxRetries:
		next := domain.Retry{
			Envelope:    r.Envelope,
			HandlerName: r.HandlerName,
			Attempt:     r.Attempt + 1,
			NotBefore:   l.clock().UTC().Add(h.Retry.Delay(r.Attempt)),
		}
		if rerr := l.broker.PublishRetry(ctx, l.config.ConsumerGroup, next); rerr != nil {
			log.Printf("dispatch: persist retry event=%s handler=%s: %v", r.Envelope.ID, r.HandlerName, rerr)
			return // unacked: this attempt will be redelivered
		}
		if l.metrics != nil {
			l.metrics.RetryScheduled()
		}
	default:
		l.escalate(ctx, r.Envelope, r.HandlerName, err)
		l.resolveRetry(ctx, r, true)
	}

	l.ack(ctx, d.ID)
}

// invoke runs one handler attempt and persists its Outcome. Every
// attempt produces a new Outcome row, including retried ones.
func (l *Loop) invoke(ctx context.Context, h registry.Handler, env domain.Envelope, retryCount int) error {
	start := l.clock()
	err := h.Handle(ctx, env)
	duration := l.clock().Sub(start)

	outcome := domain.Outcome{
		ID:          uuid.New(),
		EventID:     env.ID,
		HandlerName: h.Name,
		Success:     err == nil,
		DurationMs:  duration.Milliseconds(),
		RetryCount:  retryCount,
		CreatedAt:   l.clock().UTC(),
	}
	label := outcomeSuccess
	if err != nil {
		outcome.Error = err.Error()
		label = outcomeFailure
		log.Printf("dispatch: handler=%s event=%s type=%s attempt=%d failed: %v",
			h.Name, env.ID, env.Type, retryCount+1, err)
	}
	if l.metrics != nil {
		l.metrics.HandlerAttemptCompleted(label, duration)
	}

	if ierr := l.audit.InsertOutcome(ctx, outcome); ierr != nil {
		log.Printf("dispatch: insert outcome event=%s handler=%s: %v", env.ID, h.Name, ierr)
	}
	if err == nil {
		if merr := l.audit.MarkEventProcessed(ctx, env.ID, h.Name); merr != nil {
			log.Printf("dispatch: mark processed event=%s handler=%s: %v", env.ID, h.Name, merr)
		}
	}
	return err
}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// resolveRetry records a retry reaching terminal state and emits the
// final handler outcome metric.
func (l *Loop) resolveRetry(ctx context.Context, r domain.Retry, failed bool) {
	status, err := l.audit.ResolveRetryOutcome(ctx, r.Envelope.ID, failed)
	if err != nil && !errors.Is(err, ErrStatusTransitionDenied) {
		log.Printf("dispatch: resolve retry event=%s handler=%s: %v", r.Envelope.ID, r.HandlerName, err)
	}
	if l.metrics != nil {
		if failed {
			l.metrics.HandlerOutcome(outcomeFailure)
		} else {
			l.metrics.HandlerOutcome(outcomeSuccess)
		}
	}
	if status == domain.ProcessingStatusFailed {
		log.Printf("dispatch: event=%s failed after retries (handler=%s)", r.Envelope.ID, r.HandlerName)
	}
}

// escalate publishes a "<type>.failed" envelope once a handler
// exhausts its retry budget, so downstream handlers (including the
// notification bridge) can react to meta-failures uniformly.
func (l *Loop) escalate(ctx context.Context, env domain.Envelope, handlerName string, cause error) {
	if l.publisher == nil {
		return
	}

	correlation := env.CorrelationID
	if correlation == uuid.Nil {
		correlation = env.ID
	}

	failure, err := domain.NewEnvelope(env.Type+".failed", env.Category, env.TenantID, map[string]any{
		"failed_event_id": env.ID.String(),
		"handler":         handlerName,
		"error":           cause.Error(),
	}, domain.Metadata{
		Source:     "dispatch",
		Confidence: 1,
		Importance: domain.UrgentImportance,
	})
	if err != nil {
		log.Printf("dispatch: build escalation envelope event=%s: %v", env.ID, err)
		return
	}
	failure.CorrelationID = correlation

	if _, err := l.publisher.Publish(ctx, failure); err != nil {
		log.Printf("dispatch: publish escalation event=%s: %v", env.ID, err)
	}
}

func (l *Loop) ack(ctx context.Context, deliveryID string) {
	if err := l.broker.Ack(ctx, l.config.ConsumerGroup, deliveryID); err != nil {
		// Redelivery after the visibility window re-runs idempotent
		// handlers; log only.
		log.Printf("dispatch: ack %s: %v", deliveryID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
