// Package producer is the single write path into the pipeline: every
// envelope is appended to the broker and synchronously recorded in the
// audit store before Publish returns.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

// ErrDuplicateEvent is returned by the audit store when an envelope ID
// was already recorded. Publishes are not idempotent at the broker
// level; the audit row is the dedupe point.
var ErrDuplicateEvent = errors.New("duplicate event id")

// Broker appends envelopes to partitioned streams.
type Broker interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
}

// Audit records published envelopes.
type Audit interface {
	InsertEvent(ctx context.Context, env domain.Envelope, deliveryID string) error
}

// AnalyticsSink counts publishes per tenant and category. Sinks must
// be fire-and-forget; a slow sink must not slow the publish path.
type AnalyticsSink interface {
	RecordPublish(tenantID, category string)
}

// MetricsSink records producer metrics.
type MetricsSink interface {
	EventPublished(category string, err error)
}

// Producer validates, appends and audits envelopes.
type Producer struct {
	broker    Broker
	audit     Audit
	analytics AnalyticsSink // optional
	metrics   MetricsSink   // optional
}

func New(broker Broker, audit Audit) *Producer {
	return &Producer{broker: broker, audit: audit}
}

// WithAnalytics attaches a publish counter sink.
func (p *Producer) WithAnalytics(sink AnalyticsSink) *Producer {
	p.analytics = sink
	return p
}

// WithMetrics attaches a metrics sink.
func (p *Producer) WithMetrics(sink MetricsSink) *Producer {
	p.metrics = sink
	return p
}

// Publish appends env to its partition and records the audit row.
// The broker append happens first: a broker failure means nothing was
// published, while an audit failure after a successful append is
// logged and tolerated (the reconciler cannot recover the row, but
// consumers still receive the event).
func (p *Producer) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	deliveryID, err := p.broker.Publish(ctx, env)
	if p.metrics != nil {
		p.metrics.EventPublished(string(env.Category), err)
	}
	if err != nil {
		return "", fmt.Errorf("publish event %s to partition %s: %w", env.ID, env.PartitionKey(), err)
	}

	if aerr := p.audit.InsertEvent(ctx, env, deliveryID); aerr != nil {
		if errors.Is(aerr, ErrDuplicateEvent) {
			return deliveryID, aerr
		}
		log.Printf("producer: audit insert event=%s: %v", env.ID, aerr)
	}

	if p.analytics != nil {
		p.analytics.RecordPublish(env.TenantID.String(), string(env.Category))
	}

	return deliveryID, nil
}
