package cache

import "time"

// Entry represents a cached value as stored by a Backend.
type Entry struct {
	// Data is the encoded value.
	Data []byte `json:"data"`

	// Expires is when the entry becomes stale. The zero time means never.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return !e.Expires.IsZero() && time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 for entries that never expire or have already expired;
// check IsExpired to tell the two apart.
func (e *Entry) TTL() time.Duration {
	if e.Expires.IsZero() {
		return 0
	}
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
