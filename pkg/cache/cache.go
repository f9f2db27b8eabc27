package cache

import (
	"context"
	"time"
)

// Cache defines the interface for memoizing generated responses. Entries are
// content-addressed: the key is a fingerprint over the full request payload.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given key and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a cached value by key.
	Delete(ctx context.Context, key string) error

	// Clear removes all cached values.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats

	// Close releases any resources held by the cache.
	Close() error
}

// Stats contains cache performance statistics.
type Stats struct {
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Sets       int64     `json:"sets"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// Config holds cache configuration.
type Config struct {
	// Type of cache: "memory" or "sqlite"
	Type string `json:"type" yaml:"type"`

	// Maximum number of entries (0 = unlimited, memory cache only)
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// Default TTL for cache entries (0 = no expiration)
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// Path to the SQLite database file (sqlite cache only)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Cleanup interval for expired entries
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// New creates a cache instance based on the configuration.
func New(config Config) (Cache, error) {
	switch config.Type {
	case "sqlite":
		return NewSQLiteCache(config)
	default:
		return NewMemoryCache(config)
	}
}
