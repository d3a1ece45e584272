package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/types"
)

const dedupePrefix = "kyber:dedupe:"

// RedisDeduper implements dispatch.Deduper on redis, so retries landing on
// different daemons still resolve to one task.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisClient connects to the configured redis and checks it is reachable.
func NewRedisClient(ctx context.Context, cfg types.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisDeduper creates a deduper. ttl <= 0 uses dispatch.DefaultDedupeTTL.
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = dispatch.DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// Claim implements dispatch.Deduper with SET NX.
func (d *RedisDeduper) Claim(ctx context.Context, key, ref string) (string, bool, error) {
	k := dedupePrefix + key
	// Two attempts: the holder may expire between SETNX and GET.
	for range 2 {
		ok, err := d.client.SetNX(ctx, k, ref, d.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("claiming %s: %w", key, err)
		}
		if ok {
			return ref, true, nil
		}
		existing, err := d.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("reading claim %s: %w", key, err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("claiming %s: key kept expiring", key)
}
