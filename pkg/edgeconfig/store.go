// Package edgeconfig provides the low-latency, read-optimised store that
// fronts the dashboard read path.
//
// Two backends exist: KVStore emulates Edge Config on top of the KV store
// under an "edge_config:" prefix, and VercelStore talks to the Vercel Edge
// Config API through a circuit breaker.
package edgeconfig

import (
	"context"
	"errors"

	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// ErrNotFound marks a missing item at the transport level. Store.Get
// reports misses as (false, nil).
var ErrNotFound = errors.New("edgeconfig: item not found")

// Store reads and writes JSON items by key.
type Store interface {
	// Get decodes the item into dst, reporting whether it existed
	Get(ctx context.Context, key string, dst any) (bool, error)

	// Set replaces the item
	Set(ctx context.Context, key string, value any) error
}

// DefaultKVPrefix namespaces emulated items in the KV store
const DefaultKVPrefix = "edge_config:"

// KVStore keeps Edge Config items in the KV store
type KVStore struct {
	kv     storage.Store
	prefix string
}

// NewKVStore creates a KV-backed Edge Config emulation
func NewKVStore(kv storage.Store) *KVStore {
	return &KVStore{kv: kv, prefix: DefaultKVPrefix}
}

func (s *KVStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	return storage.GetJSON(ctx, s.kv, s.prefix+key, dst)
}

func (s *KVStore) Set(ctx context.Context, key string, value any) error {
	return storage.SetJSON(ctx, s.kv, s.prefix+key, value, 0)
}
