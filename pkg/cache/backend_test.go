package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testBackend exercises the Backend contract shared by all implementations.
func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		if _, err := b.Load(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Load() error = %v, want ErrCacheMiss", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		entry := &Entry{
			Data:     []byte(`{"test":"data"}`),
			Expires:  time.Now().Add(5 * time.Minute),
			CachedAt: time.Now(),
		}
		if err := b.Save(ctx, "k1", entry); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := b.Load(ctx, "k1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if string(got.Data) != string(entry.Data) {
			t.Errorf("Data = %s, want %s", got.Data, entry.Data)
		}
		if got.Expires.Sub(entry.Expires).Abs() > time.Second {
			t.Errorf("Expires = %v, want %v", got.Expires, entry.Expires)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		b.Save(ctx, "k2", &Entry{Data: []byte(`1`), CachedAt: time.Now()})
		b.Save(ctx, "k2", &Entry{Data: []byte(`2`), CachedAt: time.Now()})

		got, err := b.Load(ctx, "k2")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if string(got.Data) != "2" {
			t.Errorf("Data = %s, want 2", got.Data)
		}
		if !got.Expires.IsZero() {
			t.Errorf("Expires = %v, want zero (never)", got.Expires)
		}
	})

	t.Run("remove", func(t *testing.T) {
		b.Save(ctx, "k3", &Entry{Data: []byte(`3`), CachedAt: time.Now()})
		if err := b.Remove(ctx, "k3"); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, err := b.Load(ctx, "k3"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Load() after Remove error = %v, want ErrCacheMiss", err)
		}
		if err := b.Remove(ctx, "k3"); err != nil {
			t.Errorf("Remove() of missing key error = %v", err)
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemoryBackend())
}

func TestMemoryBackend_CopiesData(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	data := []byte(`abc`)
	b.Save(ctx, "k", &Entry{Data: data})
	data[0] = 'X'

	got, _ := b.Load(ctx, "k")
	got.Data[1] = 'Y'

	again, _ := b.Load(ctx, "k")
	if string(again.Data) != "abc" {
		t.Errorf("stored data = %s, want abc", again.Data)
	}
}

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()

	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend(t *testing.T) {
	testBackend(t, newTestSQLite(t))
}

func TestSQLiteBackend_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteBackend(""); err == nil {
		t.Error("NewSQLiteBackend(\"\") should fail")
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	b.Save(ctx, "k", &Entry{Data: []byte(`persisted`), CachedAt: time.Now()})
	b.Close()

	b, err = NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer b.Close()

	got, err := b.Load(ctx, "k")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got.Data) != "persisted" {
		t.Errorf("Data = %s", got.Data)
	}
}

func TestSQLiteBackend_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLite(t)

	b.Save(ctx, "old", &Entry{Data: []byte(`1`), Expires: time.Now().Add(-time.Minute), CachedAt: time.Now()})
	b.Save(ctx, "fresh", &Entry{Data: []byte(`2`), Expires: time.Now().Add(time.Hour), CachedAt: time.Now()})
	b.Save(ctx, "forever", &Entry{Data: []byte(`3`), CachedAt: time.Now()})

	n, err := b.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
	for _, key := range []string{"fresh", "forever"} {
		if _, err := b.Load(ctx, key); err != nil {
			t.Errorf("Load(%q) error = %v", key, err)
		}
	}
}

func TestManager_WithSQLite(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(newTestSQLite(t), time.Minute)

	var calls int
	compute := countingCompute([]byte(`[1,2,3]`), &calls)

	for i := 0; i < 3; i++ {
		data, err := manager.FetchOrCompute(ctx, "https://api.example.com/v1/list", compute, Params{"page": 1}, true)
		if err != nil {
			t.Fatalf("FetchOrCompute() error = %v", err)
		}
		if string(data) != `[1,2,3]` {
			t.Errorf("data = %s", data)
		}
	}
	if calls != 1 {
		t.Errorf("compute calls = %d, want 1", calls)
	}
}
