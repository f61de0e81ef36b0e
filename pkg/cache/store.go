package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// ComputeFunc produces the value for params on a cache miss. A nil or empty
// result is returned to the caller but never stored.
type ComputeFunc func(ctx context.Context, params Params) ([]byte, error)

// Store is what requestors need from a cache.
type Store interface {
	// FetchOrCompute returns the cached value for (namespace, params), or
	// calls compute and, when save is true, stores its result.
	FetchOrCompute(ctx context.Context, namespace string, compute ComputeFunc, params Params, save bool) ([]byte, error)

	// Contains reports whether an unexpired value exists.
	Contains(ctx context.Context, namespace string, params Params) (bool, error)

	// Delete removes the value, if any.
	Delete(ctx context.Context, namespace string, params Params) error
}

// Backend persists entries by key string. Load returns ErrCacheMiss for
// unknown keys; expiry is enforced by the Manager.
type Backend interface {
	Name() string
	Load(ctx context.Context, key string) (*Entry, error)
	Save(ctx context.Context, key string, entry *Entry) error
	Remove(ctx context.Context, key string) error
}
