// Package cache provides the Redis-backed dashboard badge cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// RedisBadges caches serialized badge counts per actor key. Every entry is
// namespaced by a generation counter, so Invalidate drops all entries at once
// by bumping the counter.
type RedisBadges struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBadges connects to redisURL and checks the connection.
func NewRedisBadges(redisURL string, ttl time.Duration) (*RedisBadges, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBadgesWithClient(client, ttl), nil
}

func NewRedisBadgesWithClient(client *redis.Client, ttl time.Duration) *RedisBadges {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisBadges{client: client, prefix: "badges:", ttl: ttl}
}

func (c *RedisBadges) generationKey() string {
	return c.prefix + "generation"
}

func (c *RedisBadges) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("read badge generation: %w", err)
	}
	return gen, nil
}

func (c *RedisBadges) entryKey(gen, key string) string {
	return c.prefix + gen + ":" + key
}

// Load returns the cached value for key. A miss is not an error.
func (c *RedisBadges) Load(ctx context.Context, key string) ([]byte, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, err
	}
	value, err := c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load badges: %w", err)
	}
	return value, true, nil
}

func (c *RedisBadges) Store(ctx context.Context, key string, value []byte) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.entryKey(gen, key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("store badges: %w", err)
	}
	return nil
}

// Invalidate makes every cached entry unreachable. Old entries expire on
// their own TTL.
func (c *RedisBadges) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("invalidate badges: %w", err)
	}
	return nil
}

func (c *RedisBadges) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBadges) Close() error {
	return c.client.Close()
}
