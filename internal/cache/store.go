// Package cache holds opaque key-value blobs for the durable caches.
// Backends: in-process memory, LevelDB on disk, and Redis.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Store defines the interface for blob storage backends.
// A zero TTL means the value does not expire.
type Store interface {
	// Get retrieves a value. Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value
	Delete(ctx context.Context, key string) error

	// GetMultiple returns a map of the found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores multiple values with the same TTL
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close releases the backend
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend  string // memory | leveldb | redis
	Path     string
	RedisURL string
	Prefix   string
	MaxSize  int
}

// Open builds the backend named by cfg.Backend
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 10000
		}
		return NewMemoryStore(maxSize, time.Minute), nil
	case "leveldb":
		return NewLevelDBStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func expired(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}
