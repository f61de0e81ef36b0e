// Package cache provides the value cache behind requestors.
//
// A Manager implements the Store interface used by requestors on top of a
// pluggable Backend:
//
// - RedisBackend shares entries between processes (Redis TTLs)
// - SQLiteBackend persists entries on local disk
// - MemoryBackend keeps entries in process memory
//
// Values are opaque bytes (requestors store JSON). Keys are derived from a
// namespace (base URL plus endpoint) and the request parameters, sorted and
// escaped so equal parameters always map to the same entry.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager with a 5 minute TTL
//	manager := cache.NewManager(cache.NewRedisBackend(redisClient), 5*time.Minute)
//
//	data, err := manager.FetchOrCompute(ctx, "https://api.example.com/v1/items",
//		func(ctx context.Context, p cache.Params) ([]byte, error) {
//			// Cache miss - fetch from the API
//		}, cache.Params{"type_id": 34}, true)
//
// Nil or empty computed values are returned but never stored, so an empty
// upstream answer is asked for again on the next call.
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - apigate_cache_hits_total{backend} - Cache hits
//   - apigate_cache_misses_total{backend} - Cache misses
//   - apigate_cache_stored_bytes_total{backend} - Bytes written
//   - apigate_cache_errors_total{operation} - Cache operation errors
package cache
