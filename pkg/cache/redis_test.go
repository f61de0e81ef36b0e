package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis (DB 15) and skips the test when
// none is running. The integration tests use testcontainers instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewRedisBackend_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisBackend should panic with nil redis client")
		}
	}()
	NewRedisBackend(nil)
}

func TestRedisBackend(t *testing.T) {
	testBackend(t, NewRedisBackend(setupTestRedis(t)))
}

func TestRedisBackend_TTL(t *testing.T) {
	client := setupTestRedis(t)
	backend := NewRedisBackend(client)
	ctx := context.Background()

	backend.Save(ctx, "ttl", &Entry{Data: []byte(`1`), Expires: time.Now().Add(time.Minute)})
	ttl, err := client.TTL(ctx, "ttl").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("redis TTL = %v, want (0, 1m]", ttl)
	}

	backend.Save(ctx, "forever", &Entry{Data: []byte(`1`)})
	if ttl, _ := client.TTL(ctx, "forever").Result(); ttl != -1 {
		t.Errorf("redis TTL = %v, want -1 (no expiry)", ttl)
	}

	backend.Save(ctx, "stale", &Entry{Data: []byte(`1`), Expires: time.Now().Add(-time.Second)})
	if _, err := backend.Load(ctx, "stale"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry was written, Load() error = %v", err)
	}
}

func TestRedisBackend_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	backend := NewRedisBackend(client)
	ctx := context.Background()

	client.Set(ctx, "garbage", "not json", 0)
	if _, err := backend.Load(ctx, "garbage"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Load() error = %v, want ErrInvalidEntry", err)
	}
}
