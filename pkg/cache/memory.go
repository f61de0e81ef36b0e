package cache

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries in a map. It is process-local and unbounded.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	entry.Data = append([]byte(nil), entry.Data...)
	return &entry, nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(ctx context.Context, key string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := *entry
	stored.Data = append([]byte(nil), entry.Data...)
	b.entries[key] = stored
	return nil
}

// Remove implements Backend.
func (b *MemoryBackend) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
