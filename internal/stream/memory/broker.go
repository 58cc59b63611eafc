// Package memory provides an in-process stream broker with the same
// consumer-group semantics as the Redis Streams adapter: partitioned
// append-only logs, per-group delivery bookkeeping, and a visibility
// window after which unacknowledged entries become redeliverable.
//
// It backs tests and single-process deployments (BROKER_MODE=memory).
// Entries do not survive a restart; durability requires the Redis
// adapter.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/stream"
)

const (
	// DefaultVisibilityWindow is how long a delivered entry stays
	// invisible to other consumers in the same group before it becomes
	// redeliverable.
	DefaultVisibilityWindow = 30 * time.Second

	// rescanInterval bounds how long a blocked Poll waits before
	// re-checking for entries whose visibility window has elapsed.
	rescanInterval = 100 * time.Millisecond
)

var ErrUnknownGroup = errors.New("unknown consumer group")

type entry struct {
	seq      uint64
	envelope domain.Envelope
	retry    *domain.Retry
}

// deliveryState tracks one entry's delivery for one consumer group.
type deliveryState struct {
	deliveredAt time.Time
	acked       bool
}

type group struct {
	patterns []string
	// state: partition -> seq -> delivery bookkeeping
	state map[string]map[uint64]*deliveryState
}

// Broker is the in-memory implementation.
type Broker struct {
	mu         sync.Mutex
	partitions map[string][]entry
	groups     map[string]*group
	nextSeq    uint64
	visibility time.Duration
	clock      func() time.Time
	wake       chan struct{}
}

type Option func(*Broker)

// WithVisibilityWindow overrides the redelivery window.
func WithVisibilityWindow(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) { b.clock = clock }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		partitions: make(map[string][]entry),
		groups:     make(map[string]*group),
		visibility: DefaultVisibilityWindow,
		clock:      time.Now,
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the envelope to its (category, tenant) partition.
// The entry is retained until every subscribed group acknowledges it.
func (b *Broker) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	partition := env.PartitionKey()
	b.nextSeq++
	seq := b.nextSeq
	b.partitions[partition] = append(b.partitions[partition], entry{seq: seq, envelope: env})
	b.wakeLocked()
	b.mu.Unlock()

	return deliveryID(partition, seq), nil
}

// PublishRetry appends a durable retry directive to the group's retry
// partition. Retry partitions are group-private; only that group's
// consumers poll them.
func (b *Broker) PublishRetry(ctx context.Context, consumerGroup string, retry domain.Retry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	partition := retryPartition(consumerGroup)
	b.nextSeq++
	b.partitions[partition] = append(b.partitions[partition], entry{
		seq:      b.nextSeq,
		envelope: retry.Envelope,
		retry:    &retry,
	})
	b.wakeLocked()
	b.mu.Unlock()

	return nil
}

// Subscribe registers the group for partitions matching the pattern.
// Idempotent; a new group starts at the earliest offset, so entries
// published before the first subscriber are still delivered.
func (b *Broker) Subscribe(ctx context.Context, consumerGroup, partitionPattern string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerGroup]
	if !ok {
		g = &group{state: make(map[string]map[uint64]*deliveryState)}
		b.groups[consumerGroup] = g
	}
	for _, p := range g.patterns {
		if p == partitionPattern {
			return nil
		}
	}
	g.patterns = append(g.patterns, partitionPattern)
	return nil
}

// Poll returns up to maxBatch entries assigned to this consumer,
// blocking up to blockTimeout when none are immediately available.
// Returned entries are invisible to the rest of the group until the
// visibility window elapses or they are acknowledged.
func (b *Broker) Poll(ctx context.Context, consumerGroup, consumerID string, maxBatch int, blockTimeout time.Duration) ([]domain.Delivery, error) {
	deadline := b.clock().Add(blockTimeout)

	for {
		deliveries, wake, err := b.collect(consumerGroup, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 || blockTimeout <= 0 {
			return deliveries, nil
		}

		remaining := deadline.Sub(b.clock())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > rescanInterval {
			remaining = rescanInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collect gathers deliverable entries under the lock and returns the
// current wake channel for blocking callers.
func (b *Broker) collect(consumerGroup string, maxBatch int) ([]domain.Delivery, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerGroup]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownGroup, consumerGroup)
	}

	now := b.clock()
	var deliveries []domain.Delivery

	for _, partition := range b.matchingPartitionsLocked(g, consumerGroup) {
		states, ok := g.state[partition]
		if !ok {
			states = make(map[uint64]*deliveryState)
			g.state[partition] = states
		}

		// Entries are scanned in append order so a single consumer
		// observes a partition's envelopes in publish order.
		for _, e := range b.partitions[partition] {
			if len(deliveries) >= maxBatch {
				return deliveries, b.wake, nil
			}
			st, seen := states[e.seq]
			switch {
			case !seen:
				states[e.seq] = &deliveryState{deliveredAt: now}
			case st.acked:
				continue
			case now.Sub(st.deliveredAt) < b.visibility:
				continue // still claimed by a consumer in this group
			default:
				st.deliveredAt = now // reclaim
			}
			deliveries = append(deliveries, domain.Delivery{
				ID:       deliveryID(partition, e.seq),
				Envelope: e.envelope,
				Retry:    e.retry,
			})
		}
	}

	return deliveries, b.wake, nil
}

// Ack marks an entry processed for the group. Unacknowledged entries
// are redelivered after the visibility window.
func (b *Broker) Ack(ctx context.Context, consumerGroup, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	partition, seq, err := parseDeliveryID(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerGroup]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, consumerGroup)
	}
	states, ok := g.state[partition]
	if !ok {
		return nil // never delivered here; nothing to ack
	}
	if st, ok := states[seq]; ok {
		st.acked = true
	}
	return nil
}

// Ping reports broker reachability. Always healthy for the in-memory
// implementation.
func (b *Broker) Ping(ctx context.Context) error {
	return ctx.Err()
}

// matchingPartitionsLocked returns the partitions visible to the group:
// those matching any subscribed pattern, plus the group's own retry
// partition. Sorted for deterministic scan order.
func (b *Broker) matchingPartitionsLocked(g *group, consumerGroup string) []string {
	var matched []string
	for partition := range b.partitions {
		if partition == retryPartition(consumerGroup) {
			matched = append(matched, partition)
			continue
		}
		if strings.HasPrefix(partition, "retry:") {
			continue // other groups' retry partitions
		}
		for _, pattern := range g.patterns {
			if stream.MatchPartition(pattern, partition) {
				matched = append(matched, partition)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// wakeLocked signals blocked Poll calls. Callers hold b.mu.
func (b *Broker) wakeLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func retryPartition(consumerGroup string) string {
	return "retry:" + consumerGroup
}

func deliveryID(partition string, seq uint64) string {
	return partition + "/" + strconv.FormatUint(seq, 10)
}

func parseDeliveryID(id string) (string, uint64, error) {
	idx := strings.LastIndex(id, "/")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed delivery id %q", id)
	}
	seq, err := strconv.ParseUint(id[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed delivery id %q: %w", id, err)
	}
	return id[:idx], seq, nil
}
