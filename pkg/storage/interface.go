package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// Store is the key-value contract the analytics pipeline needs.
// Implementations: memory (testing), badger (single node), redis (Vercel KV / Upstash).
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet returns one entry per key, nil where the key is missing
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// Keys lists live keys starting with prefix, sorted
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Del removes keys and reports how many existed
	Del(ctx context.Context, keys ...string) (int, error)

	// SetNX writes value only if key is absent
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it currently holds value
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Close cleanly shuts down the store
	Close() error
}
