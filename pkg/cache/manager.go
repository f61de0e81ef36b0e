package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager implements Store over a Backend. It derives keys, enforces expiry
// and keeps the cache metrics.
type Manager struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewManager creates a new cache manager. Entries live for ttl; a zero ttl
// keeps them until deleted.
func NewManager(backend Backend, ttl time.Duration) *Manager {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	return &Manager{
		backend: backend,
		ttl:     ttl,
		logger:  log.With().Str("component", "cache").Str("backend", backend.Name()).Logger(),
	}
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Get retrieves an unexpired entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	cacheKey := key.String()

	entry, err := m.backend.Load(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(m.backend.Name()).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("load %s: %w", cacheKey, err)
	}

	if entry.IsExpired() {
		// Delete expired entry
		_ = m.backend.Remove(ctx, cacheKey)
		CacheMisses.WithLabelValues(m.backend.Name()).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(m.backend.Name()).Inc()
	return entry, nil
}

// Set stores data under key with the manager's TTL. Empty data is ignored.
func (m *Manager) Set(ctx context.Context, key Key, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	now := time.Now()
	entry := &Entry{Data: data, CachedAt: now}
	if m.ttl > 0 {
		entry.Expires = now.Add(m.ttl)
	}

	if err := m.backend.Save(ctx, key.String(), entry); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("save %s: %w", key, err)
	}

	CacheStoredBytes.WithLabelValues(m.backend.Name()).Add(float64(len(data)))
	return nil
}

// FetchOrCompute implements Store. Backend failures degrade to a miss and
// never hide a computed value; only compute errors are returned.
func (m *Manager) FetchOrCompute(ctx context.Context, namespace string, compute ComputeFunc, params Params, save bool) ([]byte, error) {
	key := Key{Namespace: namespace, Params: params}

	entry, err := m.Get(ctx, key)
	switch {
	case err == nil:
		m.logger.Debug().Str("key", key.String()).Msg("Cache hit")
		return entry.Data, nil
	case !errors.Is(err, ErrCacheMiss):
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache lookup failed, computing value")
	}

	data, err := compute(ctx, params)
	if err != nil {
		CacheErrors.WithLabelValues("compute").Inc()
		return nil, err
	}

	if save {
		if err := m.Set(ctx, key, data); err != nil {
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to store computed value")
		}
	}
	return data, nil
}

// Contains implements Store.
func (m *Manager) Contains(ctx context.Context, namespace string, params Params) (bool, error) {
	_, err := m.Get(ctx, Key{Namespace: namespace, Params: params})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrCacheMiss):
		return false, nil
	default:
		return false, err
	}
}

// Delete implements Store.
func (m *Manager) Delete(ctx context.Context, namespace string, params Params) error {
	key := Key{Namespace: namespace, Params: params}
	if err := m.backend.Remove(ctx, key.String()); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("remove %s: %w", key, err)
	}
	m.logger.Debug().Str("key", key.String()).Msg("Cache entry deleted")
	return nil
}
