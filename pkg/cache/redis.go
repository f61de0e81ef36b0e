package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores JSON-encoded entries in Redis. Entries with an expiry
// get a matching Redis TTL so Redis drops them on its own.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a backend on redisClient.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: redisClient}
}

// Name implements Backend.
func (b *RedisBackend) Name() string { return "redis" }

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, key string) (*Entry, error) {
	data, err := b.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Save implements Backend. Already expired entries are not written.
func (b *RedisBackend) Save(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.IsExpired() {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	// A zero TTL keeps the key until deleted.
	if err := b.redis.Set(ctx, key, data, entry.TTL()).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove implements Backend.
func (b *RedisBackend) Remove(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
