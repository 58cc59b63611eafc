// Package redisstream implements the durable stream broker on Redis
// Streams. Each (category, tenant) partition is one stream; consumer
// groups track delivery positions; unacknowledged entries become
// redeliverable through XAUTOCLAIM once their idle time exceeds the
// visibility window. Per-handler retries live on a group-private
// retry stream so they survive process restarts.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/stream"
)

const (
	streamPrefix  = "sp:events:"
	retryPrefix   = "sp:retry:"
	partitionsKey = "sp:partitions"

	envelopeField = "envelope"
	retryField    = "retry"

	// DefaultVisibilityWindow is the idle time after which a pending
	// entry may be claimed by another consumer in the group.
	DefaultVisibilityWindow = 30 * time.Second

	// partitionCacheTTL bounds how often Poll re-reads the partition
	// index set. New partitions appear within this interval.
	partitionCacheTTL = 5 * time.Second
)

type groupState struct {
	patterns []string
	// created tracks streams the group was already created on.
	created map[string]bool
}

// Broker is the Redis Streams adapter.
type Broker struct {
	client     *redis.Client
	visibility time.Duration

	mu          sync.Mutex
	groups      map[string]*groupState
	partitions  []string
	refreshedAt time.Time
}

type Option func(*Broker)

// WithVisibilityWindow overrides the redelivery window.
func WithVisibilityWindow(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

func New(client *redis.Client, opts ...Option) *Broker {
	b := &Broker{
		client:     client,
		visibility: DefaultVisibilityWindow,
		groups:     make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the envelope to its partition stream and records the
// partition in the index set. The entry is durable when the call
// returns; ordering is guaranteed only within the partition.
func (b *Broker) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	partition := env.PartitionKey()
	pipe := b.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + partition,
		Values: map[string]any{envelopeField: data},
	})
	pipe.SAdd(ctx, partitionsKey, partition)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("xadd %s: %w", partition, err)
	}
	return deliveryID(partition, add.Val()), nil
}

// PublishRetry appends a retry directive to the group's retry stream.
func (b *Broker) PublishRetry(ctx context.Context, consumerGroup string, retry domain.Retry) error {
	data, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("marshal retry: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: retryPrefix + consumerGroup,
		Values: map[string]any{retryField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd retry %s: %w", consumerGroup, err)
	}
	return nil
}

// Subscribe registers the pattern for the group and creates the group
// on every currently matching stream at the earliest offset.
// Idempotent: existing groups are left untouched.
func (b *Broker) Subscribe(ctx context.Context, consumerGroup, partitionPattern string) error {
	b.mu.Lock()
	g, ok := b.groups[consumerGroup]
	if !ok {
		g = &groupState{created: make(map[string]bool)}
		b.groups[consumerGroup] = g
	}
	known := false
	for _, p := range g.patterns {
		if p == partitionPattern {
			known = true
			break
		}
	}
	if !known {
		g.patterns = append(g.patterns, partitionPattern)
	}
	b.mu.Unlock()

	if err := b.ensureGroup(ctx, consumerGroup, retryPrefix+consumerGroup); err != nil {
		return err
	}

	partitions, err := b.matchingPartitions(ctx, consumerGroup, true)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		if err := b.ensureGroup(ctx, consumerGroup, streamPrefix+partition); err != nil {
			return err
		}
	}
	return nil
}

// Poll claims entries for this consumer: expired pending entries first
// (visibility window elapsed), then fresh ones, blocking up to
// blockTimeout when nothing is available.
func (b *Broker) Poll(ctx context.Context, consumerGroup, consumerID string, maxBatch int, blockTimeout time.Duration) ([]domain.Delivery, error) {
	partitions, err := b.matchingPartitions(ctx, consumerGroup, false)
	if err != nil {
		return nil, err
	}

	streams := make([]string, 0, len(partitions)+1)
	streams = append(streams, retryPrefix+consumerGroup)
	for _, partition := range partitions {
		key := streamPrefix + partition
		if err := b.ensureGroup(ctx, consumerGroup, key); err != nil {
			return nil, err
		}
		streams = append(streams, key)
	}

	var deliveries []domain.Delivery

	// Reclaim entries whose consumer went away.
	for _, key := range streams {
		if len(deliveries) >= maxBatch {
			return deliveries, nil
		}
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    consumerGroup,
			Consumer: consumerID,
			MinIdle:  b.visibility,
			Start:    "0-0",
			Count:    int64(maxBatch - len(deliveries)),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("xautoclaim %s: %w", key, err)
		}
		for _, msg := range claimed {
			d, err := decodeMessage(key, msg)
			if err != nil {
				log.Printf("redisstream: dropping undecodable entry %s on %s: %v", msg.ID, key, err)
				_ = b.client.XAck(ctx, key, consumerGroup, msg.ID).Err()
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) > 0 {
		return deliveries, nil
	}

	// Fresh read across all subscribed streams. go-redis maps Block=0
	// to BLOCK 0 (forever); a non-positive timeout means "do not block".
	block := blockTimeout
	if block <= 0 {
		block = -1
	}
	args := &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerID,
		Streams:  withReadOffsets(streams),
		Count:    int64(maxBatch),
		Block:    block,
	}
	res, err := b.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // block timeout, nothing new
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", consumerGroup, err)
	}

	for _, s := range res {
		for _, msg := range s.Messages {
			d, err := decodeMessage(s.Stream, msg)
			if err != nil {
				log.Printf("redisstream: dropping undecodable entry %s on %s: %v", msg.ID, s.Stream, err)
				_ = b.client.XAck(ctx, s.Stream, consumerGroup, msg.ID).Err()
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// Ack marks an entry processed for the group.
func (b *Broker) Ack(ctx context.Context, consumerGroup, id string) error {
	key, redisID, err := parseDeliveryID(id)
	if err != nil {
		return err
	}
	if err := b.client.XAck(ctx, key, consumerGroup, redisID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", key, redisID, err)
	}
	return nil
}

// Ping reports broker reachability.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// ensureGroup creates the consumer group at the earliest offset,
// tolerating both an existing group and a not-yet-existing stream.
func (b *Broker) ensureGroup(ctx context.Context, consumerGroup, key string) error {
	b.mu.Lock()
	g := b.groups[consumerGroup]
	if g != nil && g.created[key] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.client.XGroupCreateMkStream(ctx, key, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", consumerGroup, key, err)
	}

	b.mu.Lock()
	if g = b.groups[consumerGroup]; g != nil {
		g.created[key] = true
	}
	b.mu.Unlock()
	return nil
}

// matchingPartitions returns partitions covered by the group's
// patterns, re-reading the index set at most every partitionCacheTTL
// unless forced.
func (b *Broker) matchingPartitions(ctx context.Context, consumerGroup string, force bool) ([]string, error) {
	b.mu.Lock()
	g, ok := b.groups[consumerGroup]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("unknown consumer group %q: Subscribe first", consumerGroup)
	}
	patterns := append([]string(nil), g.patterns...)
	stale := force || time.Since(b.refreshedAt) > partitionCacheTTL
	cached := b.partitions
	b.mu.Unlock()

	all := cached
	if stale {
		members, err := b.client.SMembers(ctx, partitionsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers %s: %w", partitionsKey, err)
		}
		all = members

		b.mu.Lock()
		b.partitions = members
		b.refreshedAt = time.Now()
		b.mu.Unlock()
	}

	var matched []string
	for _, partition := range all {
		for _, pattern := range patterns {
			if stream.MatchPartition(pattern, partition) {
				matched = append(matched, partition)
				break
			}
		}
	}
	return matched, nil
}

func decodeMessage(key string, msg redis.XMessage) (domain.Delivery, error) {
	if raw, ok := msg.Values[retryField]; ok {
		var retry domain.Retry
		if err := json.Unmarshal([]byte(asString(raw)), &retry); err != nil {
			return domain.Delivery{}, fmt.Errorf("unmarshal retry: %w", err)
		}
		return domain.Delivery{ID: deliveryIDForKey(key, msg.ID), Envelope: retry.Envelope, Retry: &retry}, nil
	}

	raw, ok := msg.Values[envelopeField]
	if !ok {
		return domain.Delivery{}, fmt.Errorf("entry has neither %q nor %q field", envelopeField, retryField)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(asString(raw)), &env); err != nil {
		return domain.Delivery{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return domain.Delivery{ID: deliveryIDForKey(key, msg.ID), Envelope: env}, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// withReadOffsets appends the ">" offset marker XREADGROUP expects,
// one per stream.
func withReadOffsets(streams []string) []string {
	out := make([]string, 0, len(streams)*2)
	out = append(out, streams...)
	for range streams {
		out = append(out, ">")
	}
	return out
}

// Delivery IDs carry the stream key so Ack can address the right
// stream: "<stream-key>|<redis-entry-id>".
func deliveryID(partition, redisID string) string {
	return deliveryIDForKey(streamPrefix+partition, redisID)
}

func deliveryIDForKey(key, redisID string) string {
	return key + "|" + redisID
}

func parseDeliveryID(id string) (string, string, error) {
	idx := strings.LastIndex(id, "|")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed delivery id %q", id)
	}
	return id[:idx], id[idx+1:], nil
}
