package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/memory"
)

var testKeys = Keys{
	LastAccess: "analytics:last_dashboard_access",
	LastRun:    "analytics:last_aggregation_run",
}

var testWindows = Windows{MinRunInterval: time.Hour, AccessWindow: 24 * time.Hour}

func newState(t *testing.T) (*State, *memory.Storage, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))
	kv := memory.NewWithClock(clock)
	return NewState(kv, clock, testKeys, testWindows), kv, clock
}

func TestShouldRun_FreshStore(t *testing.T) {
	s, _, _ := newState(t)

	d, err := s.ShouldRun(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Run)
}

func TestShouldRun_Throttled(t *testing.T) {
	s, kv, clock := newState(t)
	ctx := context.Background()

	lastRun := clock.Now().Add(-30 * time.Minute)
	require.NoError(t, storage.SetInt64(ctx, kv, testKeys.LastRun, lastRun.UnixMilli()))

	d, err := s.ShouldRun(ctx)
	require.NoError(t, err)
	assert.False(t, d.Run)
	assert.Equal(t, ReasonThrottled, d.Reason)
	assert.Equal(t, lastRun.Add(time.Hour).UnixMilli(), d.NextRun.UnixMilli())
}

func TestShouldRun_NoRecentAccess(t *testing.T) {
	s, kv, clock := newState(t)
	ctx := context.Background()

	require.NoError(t, storage.SetInt64(ctx, kv, testKeys.LastRun, clock.Now().Add(-2*time.Hour).UnixMilli()))
	lastAccess := clock.Now().Add(-25 * time.Hour)
	require.NoError(t, storage.SetInt64(ctx, kv, testKeys.LastAccess, lastAccess.UnixMilli()))

	d, err := s.ShouldRun(ctx)
	require.NoError(t, err)
	assert.False(t, d.Run)
	assert.Equal(t, ReasonNoRecentAccess, d.Reason)
	assert.Equal(t, lastAccess.UnixMilli(), d.LastAccess.UnixMilli())
}

func TestShouldRun_ThrottleCheckedFirst(t *testing.T) {
	s, kv, clock := newState(t)
	ctx := context.Background()

	require.NoError(t, storage.SetInt64(ctx, kv, testKeys.LastRun, clock.Now().Add(-10*time.Minute).UnixMilli()))
	require.NoError(t, storage.SetInt64(ctx, kv, testKeys.LastAccess, clock.Now().Add(-48*time.Hour).UnixMilli()))

	d, err := s.ShouldRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonThrottled, d.Reason)
}

func TestRecordAccessAndMarkRun(t *testing.T) {
	s, _, clock := newState(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAccess(ctx))
	require.NoError(t, s.MarkRun(ctx))

	access, err := s.LastAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), access.UnixMilli())

	d, err := s.ShouldRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonThrottled, d.Reason)

	clock.Advance(61 * time.Minute)
	d, err = s.ShouldRun(ctx)
	require.NoError(t, err)
	assert.True(t, d.Run)
}

func TestLock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := memory.NewWithClock(clock)
	lock := NewLock(kv, "aggregation:lock", 5*time.Minute)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token())

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	released, err := lease.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = lease.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLock_ExpiredLeaseCannotReleaseNewOwner(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := memory.NewWithClock(clock)
	lock := NewLock(kv, "aggregation:lock", 5*time.Minute)
	ctx := context.Background()

	stale, err := lock.Acquire(ctx)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	fresh, err := lock.Acquire(ctx)
	require.NoError(t, err)

	released, err := stale.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	released, err = fresh.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}
