package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"}, // "redis", "sqlite", "memory"
	)

	// CacheMisses tracks cache misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// CacheStoredBytes tracks bytes written by backend
	CacheStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_cache_stored_bytes_total",
			Help: "Total bytes written to the cache",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "load", "save", "delete", "compute"
	)
)
