// Package analytics keeps windowed publish counters in Redis, keyed
// by tenant and category. Counters are best-effort: a Redis hiccup
// never blocks or fails the publish path.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

const (
	// DefaultWindow is the counter bucket size.
	DefaultWindow = time.Minute
	// DefaultRetention is how long counter keys live.
	DefaultRetention = 24 * time.Hour

	recordTimeout = 2 * time.Second
)

// RedisSink counts event publishes in Redis.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
	clock     func() time.Time
}

type Option func(*RedisSink)

// WithWindow sets the counter bucket size.
func WithWindow(w time.Duration) Option {
	return func(s *RedisSink) { s.window = w }
}

// WithRetention sets the counter key TTL.
func WithRetention(r time.Duration) Option {
	return func(s *RedisSink) { s.retention = r }
}

func NewRedisSink(client *redis.Client, opts ...Option) *RedisSink {
	s := &RedisSink{
		client:    client,
		window:    DefaultWindow,
		retention: DefaultRetention,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordPublish increments the tenant/category counter for the
// current bucket. Errors are logged, not returned; the caller is on
// the publish hot path.
func (s *RedisSink) RecordPublish(tenantID, category string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	key := buildKey(tenantID, category, s.clock(), s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record publish tenant=%s category=%s: %v", tenantID, category, err)
	}
}

// TenantCounts sums the last buckets per category for one tenant.
func (s *RedisSink) TenantCounts(ctx context.Context, tenantID string, buckets int) (map[string]int64, error) {
	if buckets <= 0 {
		buckets = 1
	}

	now := s.clock()
	counts := make(map[string]int64)

	for _, category := range domain.Categories {
		keys := make([]string, 0, buckets)
		for i := 0; i < buckets; i++ {
			at := now.Add(-time.Duration(i) * s.window)
			keys = append(keys, buildKey(tenantID, string(category), at, s.window))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget counters tenant=%s category=%s: %w", tenantID, category, err)
		}

		var total int64
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var n int64
			if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
				total += n
			}
		}
		counts[string(category)] = total
	}

	return counts, nil
}

func buildKey(tenantID, category string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("sp:stats:t:%s:c:%s:%s", tenantID, category, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
