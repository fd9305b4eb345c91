package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"mcpgate/pkg/logging"
)

// redisKeyPrefix namespaces the gateway's token records. This is the
// "TOKENS" binding: when a Redis address is configured, the store
// persists through it instead of process memory.
const redisKeyPrefix = "TOKENS:"

// RedisBackend persists envelopes in Redis. Values are already
// encrypted by the store; Redis only ever sees sealed envelopes.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logging.Info("TokenStore", "Using redis token backend at %s", addr)
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Put(ctx context.Context, key, value string) error {
	// No per-key TTL here: expiry is token-level metadata inside the
	// envelope, enforced by the store's sweep.
	return r.client.Set(ctx, redisKeyPrefix+key, value, 0).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (r *RedisBackend) Range(ctx context.Context, f func(key, value string) bool) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		value, err := r.client.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if !f(strings.TrimPrefix(fullKey, redisKeyPrefix), value) {
			return nil
		}
	}
	return iter.Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
