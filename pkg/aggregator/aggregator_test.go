package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/codec"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/edgeconfig"
	"github.com/jkristoffer/bs-display-analytics/pkg/schedule"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/memory"
)

type fixture struct {
	agg   *Aggregator
	kv    *memory.Storage
	edge  *edgeconfig.KVStore
	state *schedule.State
	lock  *schedule.Lock
	clock *clockwork.FakeClock
	cfg   config.Analytics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 10, 40, 0, 0, time.UTC))
	kv := memory.NewWithClock(clock)
	return newFixtureWithStore(t, kv, kv, clock)
}

func newFixtureWithStore(t *testing.T, mem *memory.Storage, kv storage.Store, clock *clockwork.FakeClock) *fixture {
	t.Helper()
	cfg := config.DefaultAnalytics()
	edge := edgeconfig.NewKVStore(mem)
	state := schedule.NewState(kv, clock, schedule.Keys{
		LastAccess: cfg.Keys.LastAccess,
		LastRun:    cfg.Keys.LastRun,
	}, schedule.Windows{
		MinRunInterval: cfg.Windows.MinRunInterval,
		AccessWindow:   cfg.Windows.AccessWindow,
	})
	lock := schedule.NewLock(kv, cfg.Keys.AggregateLock, cfg.Lock.TTL)

	return &fixture{
		agg:   New(kv, edge, state, lock, clock, cfg),
		kv:    mem,
		edge:  edge,
		state: state,
		lock:  lock,
		clock: clock,
		cfg:   cfg,
	}
}

func (f *fixture) seedBucket(t *testing.T, typ analytics.EventType, session string, at time.Time, count int64, data map[string]any) {
	t.Helper()
	key := analytics.FiveMinuteKey(typ, session, at)
	rec := analytics.BucketRecord{
		Key:         key,
		SessionID:   session,
		Count:       count,
		Data:        data,
		LastUpdated: at.UnixMilli(),
	}
	require.NoError(t, storage.SetJSON(context.Background(), f.kv, f.cfg.Keys.FiveMin+key, rec, f.cfg.TTL.FiveMinAggregates))
}

// seedScenario writes three buckets totalling page_view 12 and conversion 2
// across two sessions, all in the 10:00 hour.
func (f *fixture) seedScenario(t *testing.T) {
	t.Helper()
	hour := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	f.seedBucket(t, analytics.EventPageView, "sess-1", hour.Add(5*time.Minute), 5,
		map[string]any{"path": "/products", "referrer": "https://www.google.com/"})
	f.seedBucket(t, analytics.EventPageView, "sess-2", hour.Add(10*time.Minute), 7,
		map[string]any{"path": "/"})
	f.seedBucket(t, analytics.EventConversion, "sess-2", hour.Add(20*time.Minute), 2, nil)
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(14), res.TotalEvents)
	assert.Equal(t, int64(2), res.UniqueSessions)
	assert.Equal(t, 3, res.BucketsRead)
	assert.Equal(t, 1, res.HourlyRecords)
	assert.Equal(t, 1, res.DailyRecords)

	require.NotNil(t, res.Summary)
	assert.Equal(t, int64(12), res.Summary.Overview.PageViews)
	assert.Equal(t, int64(2), res.Summary.Overview.Conversions)
	assert.Equal(t, int64(2), res.Summary.Overview.TotalVisitors)
	assert.Equal(t, f.clock.Now().UnixMilli(), res.Summary.Generated)

	require.NotEmpty(t, res.Summary.TopContent)
	assert.Equal(t, analytics.ContentItem{Path: "/", Views: 7, Engagement: 70}, res.Summary.TopContent[0])

	require.Len(t, res.Summary.Trends.Hourly, 24)
	assert.Equal(t, int64(14), res.Summary.Trends.Hourly[23].Value)
	require.Len(t, res.Summary.Trends.Daily, 30)
	assert.Equal(t, analytics.DailyPoint{Date: "2024-03-01", Value: 14}, res.Summary.Trends.Daily[29])

	// Hourly and daily roll-ups
	var hourly analytics.AggregatedData
	found, err := storage.GetJSON(ctx, f.kv, "analytics:hourly:2024-03-01-10", &hourly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hourly", hourly.Period)
	assert.Equal(t, int64(14), hourly.Metrics.TotalEvents)
	assert.Equal(t, time.Hour.Milliseconds(), hourly.EndTime-hourly.StartTime)

	var daily analytics.AggregatedData
	found, err = storage.GetJSON(ctx, f.kv, "analytics:daily:2024-03-01", &daily)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(14), daily.Metrics.TotalEvents)

	// Edge summary and compressed backup carry the same summary
	var edgeSummary analytics.DashboardSummary
	found, err = f.edge.Get(ctx, f.cfg.EdgeKeys.DashboardSummary, &edgeSummary)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Summary.Overview, edgeSummary.Overview)

	blob, err := f.kv.Get(ctx, f.cfg.Keys.Backup)
	require.NoError(t, err)
	var backup analytics.DashboardSummary
	require.NoError(t, codec.DecompressJSON(blob, &backup))
	assert.Equal(t, res.Summary.Generated, backup.Generated)
	assert.Equal(t, res.Summary.Overview, backup.Overview)

	var status analytics.AggregationStatus
	found, err = f.edge.Get(ctx, f.cfg.EdgeKeys.AggregationStatus, &status)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, status.Success)

	lastRun, err := f.state.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UnixMilli(), lastRun.UnixMilli())

	// Lock released
	lease, err := f.lock.Acquire(ctx)
	require.NoError(t, err)
	_, _ = lease.Release(ctx)
}

func TestRun_Throttled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	lastRun := f.clock.Now().Add(-30 * time.Minute)
	require.NoError(t, storage.SetInt64(ctx, f.kv, f.cfg.Keys.LastRun, lastRun.UnixMilli()))
	before := f.kv.Len()

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, OutcomeThrottled, res.Outcome)
	assert.Equal(t, "throttled", res.Reason)
	assert.Equal(t, lastRun.Add(time.Hour).UnixMilli(), res.NextRun.UnixMilli())

	// Nothing written
	assert.Equal(t, before, f.kv.Len())
	stamp, _, err := storage.GetInt64(ctx, f.kv, f.cfg.Keys.LastRun)
	require.NoError(t, err)
	assert.Equal(t, lastRun.UnixMilli(), stamp)
	_, err = f.kv.Get(ctx, f.cfg.Keys.Backup)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRun_NoRecentAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, storage.SetInt64(ctx, f.kv, f.cfg.Keys.LastRun, f.clock.Now().Add(-2*time.Hour).UnixMilli()))
	lastAccess := f.clock.Now().Add(-25 * time.Hour)
	require.NoError(t, storage.SetInt64(ctx, f.kv, f.cfg.Keys.LastAccess, lastAccess.UnixMilli()))

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, OutcomeNoRecentAccess, res.Outcome)
	assert.Equal(t, lastAccess.UnixMilli(), res.LastAccess.UnixMilli())
}

func TestRun_Locked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	lease, err := f.lock.Acquire(ctx)
	require.NoError(t, err)

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, OutcomeLocked, res.Outcome)

	// The other owner's lock survives
	released, err := lease.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRun_DailyKeepsEarlierHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	earlier := time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, storage.SetJSON(ctx, f.kv, "analytics:hourly:2024-03-01-02", analytics.AggregatedData{
		Period:    "hourly",
		StartTime: earlier.UnixMilli(),
		EndTime:   earlier.Add(time.Hour).UnixMilli(),
		Metrics:   analytics.Metrics{TotalEvents: 100, PageViews: 100},
	}, 0))

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)

	var daily analytics.AggregatedData
	found, err := storage.GetJSON(ctx, f.kv, "analytics:daily:2024-03-01", &daily)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(114), daily.Metrics.TotalEvents)
	assert.Equal(t, int64(112), daily.Metrics.PageViews)

	assert.Equal(t, int64(100), res.Summary.Trends.Hourly[15].Value)
	assert.Equal(t, int64(114), res.Summary.Trends.Daily[29].Value)
}

func TestRun_SkipsMalformedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)
	require.NoError(t, f.kv.Set(ctx, "analytics:5min:page_view:bad:2024-03-01-10-30", []byte("{not json"), time.Hour))

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BucketsRead)
	assert.Equal(t, int64(14), res.TotalEvents)
}

func TestRun_SessionFromKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := time.Date(2024, time.March, 1, 10, 15, 0, 0, time.UTC)
	key := analytics.FiveMinuteKey(analytics.EventPageView, "a-b-c", at)
	require.NoError(t, storage.SetJSON(ctx, f.kv, f.cfg.Keys.FiveMin+key, analytics.BucketRecord{Count: 3}, time.Hour))

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UniqueSessions)
	assert.Equal(t, int64(3), res.Summary.Overview.PageViews)
}

func TestCleanup_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedBucket(t, analytics.EventPageView, "s1", time.Date(2024, time.March, 1, 8, 30, 0, 0, time.UTC), 1, nil)
	f.seedBucket(t, analytics.EventPageView, "s1", time.Date(2024, time.March, 1, 8, 55, 0, 0, time.UTC), 1, nil)
	f.seedBucket(t, analytics.EventPageView, "s1", time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC), 1, nil)
	f.seedBucket(t, analytics.EventPageView, "s1", time.Date(2024, time.March, 1, 10, 35, 0, 0, time.UTC), 1, nil)
	require.NoError(t, f.kv.Set(ctx, "analytics:5min:undated", []byte(`{"count":1}`), 0))

	deleted, err := f.agg.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	deleted, err = f.agg.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	keys, err := f.kv.Keys(ctx, f.cfg.Keys.FiveMin)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestRun_CleansFoldedBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)
	f.seedBucket(t, analytics.EventPageView, "sess-3", time.Date(2024, time.March, 1, 7, 15, 0, 0, time.UTC), 4, nil)

	res, err := f.agg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 2, res.HourlyRecords)

	// The 07:00 hour was written before its bucket was removed
	var hourly analytics.AggregatedData
	found, err := storage.GetJSON(ctx, f.kv, "analytics:hourly:2024-03-01-07", &hourly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4), hourly.Metrics.TotalEvents)

	deleted, err := f.agg.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// failingStore fails every MGet
type failingStore struct {
	storage.Store
}

var errBackend = errors.New("backend unavailable")

func (failingStore) MGet(context.Context, ...string) ([][]byte, error) {
	return nil, errBackend
}

func TestRun_FailurePublishesStatus(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 10, 40, 0, 0, time.UTC))
	mem := memory.NewWithClock(clock)
	f := newFixtureWithStore(t, mem, failingStore{mem}, clock)
	ctx := context.Background()
	f.seedScenario(t)

	_, err := f.agg.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBackend)

	var status analytics.AggregationStatus
	found, err := f.edge.Get(ctx, f.cfg.EdgeKeys.AggregationStatus, &status)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "backend unavailable")

	// A failed run does not stamp last run, and releases the lock
	_, ok, err := storage.GetInt64(ctx, mem, f.cfg.Keys.LastRun)
	require.NoError(t, err)
	assert.False(t, ok)
	lease, err := f.lock.Acquire(ctx)
	require.NoError(t, err)
	_, _ = lease.Release(ctx)
}

func TestRun_LateBucketFoldsIntoFinishedHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	// First run at 12:00 rolls up and deletes the 10:00 buckets
	f.clock.Advance(80 * time.Minute)
	_, err := f.agg.Run(ctx)
	require.NoError(t, err)
	keys, err := f.kv.Keys(ctx, f.cfg.Keys.FiveMin)
	require.NoError(t, err)
	require.Empty(t, keys)

	// A late bucket for the finished hour, and one for the current hour
	f.seedBucket(t, analytics.EventPageView, "sess-9", time.Date(2024, time.March, 1, 10, 55, 0, 0, time.UTC), 1,
		map[string]any{"path": "/products"})
	f.seedBucket(t, analytics.EventPageView, "sess-9", time.Date(2024, time.March, 1, 12, 30, 0, 0, time.UTC), 2, nil)
	require.NoError(t, f.state.RecordAccess(ctx))

	f.clock.Advance(61 * time.Minute)
	_, err = f.agg.Run(ctx)
	require.NoError(t, err)

	var hourly analytics.AggregatedData
	found, err := storage.GetJSON(ctx, f.kv, "analytics:hourly:2024-03-01-10", &hourly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(15), hourly.Metrics.TotalEvents)
	assert.Equal(t, int64(13), hourly.Metrics.PageViews)

	var daily analytics.AggregatedData
	found, err = storage.GetJSON(ctx, f.kv, "analytics:daily:2024-03-01", &daily)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(17), daily.Metrics.TotalEvents)
}

func TestRun_UnfinishedHourIsReplacedNotDoubled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedScenario(t)

	// At 10:40 the 10:00 hour is still open; its buckets survive the run
	_, err := f.agg.Run(ctx)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Minute)
	require.NoError(t, f.state.RecordAccess(ctx))
	_, err = f.agg.Run(ctx)
	require.NoError(t, err)

	var hourly analytics.AggregatedData
	found, err := storage.GetJSON(ctx, f.kv, "analytics:hourly:2024-03-01-10", &hourly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(14), hourly.Metrics.TotalEvents)
}
