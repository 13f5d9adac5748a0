// Package analytics records terminal job outcomes in Redis as time-bucketed
// counters. Recording is best-effort and never affects pipeline correctness.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// DefaultRetention is how long outcome buckets are kept.
const DefaultRetention = 30 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention}
}

// WithRetention overrides the bucket TTL.
func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	s.retention = retention
	return s
}

// Record increments the hourly outcome counter for one finished job.
func (s *RedisSink) Record(ctx context.Context, stage string, provider domain.Provider, status domain.Status, at time.Time) error {
	key := buildKey(stage, provider, status, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func buildKey(stage string, provider domain.Provider, status domain.Status, at time.Time) string {
	return fmt.Sprintf("stage:%s:p:%s:o:%s:%s", stage, provider, status, at.UTC().Format("2006010215"))
}
