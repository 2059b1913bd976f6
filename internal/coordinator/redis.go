package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter stores generations in Redis so that every process triggering
// syncs observes the same counter.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// DialRedis parses a redis:// URL and returns a counter backed by it.
func DialRedis(ctx context.Context, url string) (*RedisCounter, func() error, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisCounter(client), client.Close, nil
}

// Incr implements Counter with INCR.
func (r *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// Expire implements Counter with EXPIRE.
func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Get implements Counter with GET. A missing key is reported as (0, false, nil).
func (r *RedisCounter) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
