package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend persists entries in a single SQLite table. It suits a single
// process that wants its cache to survive restarts. Expired rows are skipped
// on load and removed by PurgeExpired.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{db: db}
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key  TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		cached_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`)
	return err
}

// Name implements Backend.
func (s *SQLiteBackend) Name() string { return "sqlite" }

// Load implements Backend.
func (s *SQLiteBackend) Load(ctx context.Context, key string) (*Entry, error) {
	var (
		data      []byte
		expiresAt int64
		cachedAt  int64
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT data, expires_at, cached_at
		FROM cache_entries
		WHERE cache_key = ?
	`, key)
	if err := row.Scan(&data, &expiresAt, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("select cache entry: %w", err)
	}

	entry := &Entry{Data: data, CachedAt: time.Unix(0, cachedAt)}
	if expiresAt > 0 {
		entry.Expires = time.Unix(0, expiresAt)
	}
	return entry, nil
}

// Save implements Backend.
func (s *SQLiteBackend) Save(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	var expiresAt int64
	if !entry.Expires.IsZero() {
		expiresAt = entry.Expires.UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, data, expires_at, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at,
			cached_at = excluded.cached_at
	`, key, entry.Data, expiresAt, entry.CachedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Remove implements Backend.
func (s *SQLiteBackend) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *SQLiteBackend) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE expires_at > 0 AND expires_at <= ?
	`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
