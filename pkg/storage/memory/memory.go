package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Storage keeps keys in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	data  map[string]entry
	clock clockwork.Clock
	mu    sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock creates a backend whose expiry follows clock
func NewWithClock(clock clockwork.Clock) *Storage {
	return &Storage{
		data:  make(map[string]entry),
		clock: clock,
	}
}

func (s *Storage) live(e entry, now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func (s *Storage) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns a copy of the stored value
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || !s.live(e, s.clock.Now()) {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set stores value under key
func (s *Storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return nil
}

// MGet reads several keys under one lock
func (s *Storage) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := s.data[k]; ok && s.live(e, now) {
			out[i] = bytes.Clone(e.value)
		}
	}
	return out, nil
}

// Keys returns live keys with the given prefix, sorted
func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var keys []string
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && s.live(e, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Del removes keys, counting only the ones that were live
func (s *Storage) Del(ctx context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, k := range keys {
		if e, ok := s.data[k]; ok {
			if s.live(e, now) {
				n++
			}
			delete(s.data, k)
		}
	}
	return n, nil
}

// SetNX stores value only when key is absent or expired
func (s *Storage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && s.live(e, s.clock.Now()) {
		return false, nil
	}
	s.data[key] = entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// CompareAndDelete removes key if it still holds value
func (s *Storage) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || !s.live(e, s.clock.Now()) || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Len reports the number of live keys
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	n := 0
	for _, e := range s.data {
		if s.live(e, now) {
			n++
		}
	}
	return n
}
