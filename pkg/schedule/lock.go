package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// ErrLockHeld is returned when another run owns the lock
var ErrLockHeld = errors.New("schedule: aggregation lock held")

// Lock is a short-lived advisory lock in the KV store. The TTL should
// exceed the longest expected run so a crashed owner cannot wedge it.
type Lock struct {
	kv  storage.Store
	key string
	ttl time.Duration
}

// NewLock creates an advisory lock on key
func NewLock(kv storage.Store, key string, ttl time.Duration) *Lock {
	return &Lock{kv: kv, key: key, ttl: ttl}
}

// Lease is a held lock; Release is safe to call more than once.
type Lease struct {
	lock  *Lock
	token []byte
}

// Acquire takes the lock or returns ErrLockHeld
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	token := []byte(uuid.NewString())
	ok, err := l.kv.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{lock: l, token: token}, nil
}

// Release deletes the lock only if this lease still owns it. Returns
// false when the lock had already expired or been taken over.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	released, err := le.lock.kv.CompareAndDelete(ctx, le.lock.key, le.token)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", le.lock.key, err)
	}
	return released, nil
}

// Token returns the owner token
func (le *Lease) Token() string {
	return string(le.token)
}
