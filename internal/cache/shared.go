package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the cross-process cache tier.
type Shared interface {
	// Get returns the stored value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisShared is the Redis-backed Shared tier.
type RedisShared struct {
	client redis.UniversalClient
}

// NewRedisShared wraps a go-redis client.
func NewRedisShared(client redis.UniversalClient) *RedisShared {
	return &RedisShared{client: client}
}

// Get implements Shared.
func (r *RedisShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set implements Shared.
func (r *RedisShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements Shared.
func (r *RedisShared) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Ping checks connectivity.
func (r *RedisShared) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
