// Package dedup provides delivery deduplication for webhook retries.
// Both trackers redeliver on slow responses; marking delivery ids in
// Redis lets retries short-circuit before touching either API.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore remembers recently processed delivery ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. The
// window bounds how long a delivery id is remembered; retries arrive
// within minutes, so the window can stay short.
func NewRedisStore(redisURL string, window time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, window), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RedisStore{
		client: client,
		prefix: "delivery:",
		window: window,
	}
}

// Seen marks a delivery id and reports whether it was already marked
// inside the window. The mark and the check are a single SETNX so
// concurrent retries cannot both pass. An empty id is never seen;
// deliveries without ids fall through to the ledger's idempotency.
func (s *RedisStore) Seen(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	set, err := s.client.SetNX(ctx, s.prefix+deliveryID, 1, s.window).Result()
	if err != nil {
		return false, fmt.Errorf("mark delivery: %w", err)
	}
	return !set, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
