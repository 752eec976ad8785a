package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/codec"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/edgeconfig"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
	"github.com/jkristoffer/bs-display-analytics/pkg/schedule"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

const (
	trendHours = 24
	trendDays  = 30
)

// Aggregator folds five-minute bucket records into hourly and daily
// roll-ups and republishes the dashboard summary.
type Aggregator struct {
	kv    storage.Store
	edge  edgeconfig.Store
	state *schedule.State
	lock  *schedule.Lock
	clock clockwork.Clock
	cfg   config.Analytics
	log   zerolog.Logger

	observer Observer
}

// Observer is told about every Run, skipped or not
type Observer interface {
	ObserveRun(res *Result, err error)
}

// New creates an aggregator
func New(kv storage.Store, edge edgeconfig.Store, state *schedule.State, lock *schedule.Lock, clock clockwork.Clock, cfg config.Analytics) *Aggregator {
	return &Aggregator{
		kv:    kv,
		edge:  edge,
		state: state,
		lock:  lock,
		clock: clock,
		cfg:   cfg,
		log:   logging.Component("aggregator"),
	}
}

// SetObserver registers o to be notified after each Run
func (a *Aggregator) SetObserver(o Observer) {
	a.observer = o
}

// Run performs one throttled aggregation pass.
//
// Skips (throttled, no recent access, lock held) are reported through the
// Result, not as errors. A returned error means the run failed after the
// lock was taken; a failure status has then been published best-effort.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	res, err := a.run(ctx)
	if a.observer != nil {
		a.observer.ObserveRun(res, err)
	}
	return res, err
}

func (a *Aggregator) run(ctx context.Context) (*Result, error) {
	start := a.clock.Now()

	decision, err := a.state.ShouldRun(ctx)
	if err != nil {
		metrics.AggregationRuns.WithLabelValues(string(OutcomeError)).Inc()
		return nil, fmt.Errorf("check schedule: %w", err)
	}
	if !decision.Run {
		metrics.AggregationRuns.WithLabelValues(decision.Reason).Inc()
		a.log.Info().Str("reason", decision.Reason).Msg("Aggregation skipped")
		return &Result{
			Outcome:    Outcome(decision.Reason),
			Skipped:    true,
			Reason:     decision.Reason,
			NextRun:    decision.NextRun,
			LastAccess: decision.LastAccess,
		}, nil
	}

	lease, err := a.lock.Acquire(ctx)
	if errors.Is(err, schedule.ErrLockHeld) {
		metrics.AggregationRuns.WithLabelValues(string(OutcomeLocked)).Inc()
		a.log.Info().Msg("Aggregation skipped, another run holds the lock")
		return &Result{Outcome: OutcomeLocked, Skipped: true, Reason: string(OutcomeLocked)}, nil
	}
	if err != nil {
		metrics.AggregationRuns.WithLabelValues(string(OutcomeError)).Inc()
		return nil, err
	}
	a.log.Debug().Str("lease", lease.Token()).Msg("Aggregation lock acquired")
	defer func() {
		// release even when the caller's context is already done
		released, err := lease.Release(context.WithoutCancel(ctx))
		if err != nil {
			a.log.Warn().Err(err).Str("lease", lease.Token()).Msg("Failed to release aggregation lock")
		} else if !released {
			a.log.Warn().Str("lease", lease.Token()).Msg("Aggregation lock expired before release")
		}
	}()

	res, err := a.aggregate(ctx, start)
	if err != nil {
		metrics.AggregationRuns.WithLabelValues(string(OutcomeError)).Inc()
		a.publishFailure(ctx, start, err)
		a.log.Error().Err(err).Msg("Aggregation failed")
		return nil, err
	}

	res.Outcome = OutcomeSuccess
	res.Duration = a.clock.Since(start)
	metrics.AggregationRuns.WithLabelValues(string(OutcomeSuccess)).Inc()
	metrics.AggregationDuration.Observe(res.Duration.Seconds())

	a.log.Info().
		Int64("total_events", res.TotalEvents).
		Int64("unique_sessions", res.UniqueSessions).
		Int("buckets", res.BucketsRead).
		Int("hourly", res.HourlyRecords).
		Int("daily", res.DailyRecords).
		Int("deleted", res.Deleted).
		Dur("duration", res.Duration).
		Msg("Aggregation completed")
	return res, nil
}

func (a *Aggregator) aggregate(ctx context.Context, start time.Time) (*Result, error) {
	keys, err := a.kv.Keys(ctx, a.cfg.Keys.FiveMin)
	if err != nil {
		return nil, fmt.Errorf("list five-minute buckets: %w", err)
	}

	lastRun, err := a.state.LastRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last run: %w", err)
	}
	// hours before the previous run's cutoff already lost their buckets
	var sealed time.Time
	if !lastRun.IsZero() {
		sealed = a.cutoff(lastRun)
	}

	total := analytics.NewAccumulator()
	hours, read, err := a.fold(ctx, keys, total, start)
	if err != nil {
		return nil, err
	}
	metrics.AggregationBucketsRead.Add(float64(read))

	days, err := a.writeHourly(ctx, hours, sealed)
	if err != nil {
		return nil, err
	}
	if err := a.writeDaily(ctx, days); err != nil {
		return nil, err
	}

	trends, err := a.trends(ctx, start)
	if err != nil {
		return nil, err
	}

	totals := total.Aggregate(analytics.Daily, analytics.BucketStart(analytics.Daily, start))
	summary := analytics.Summarize(start, analytics.DefaultPeriod, totals, trends, analytics.SummaryOptions{
		TopN:            a.cfg.Batch.TopN,
		EstimateSources: a.cfg.Sources.Estimate,
	})

	status := analytics.AggregationStatus{
		LastRun:  a.clock.Now().UnixMilli(),
		Duration: a.clock.Since(start).Milliseconds(),
		Success:  true,
	}
	if err := a.publish(ctx, summary, status); err != nil {
		// destinations are independent; the next run overwrites them
		a.log.Warn().Err(err).Msg("Some aggregation writes failed")
	}

	deleted, err := a.cleanupKeys(ctx, keys, start)
	if err != nil {
		a.log.Warn().Err(err).Msg("Cleanup of five-minute buckets failed")
	}

	return &Result{
		TotalEvents:    total.TotalEvents(),
		UniqueSessions: total.UniqueSessions(),
		BucketsRead:    read,
		HourlyRecords:  len(hours),
		DailyRecords:   len(days),
		Deleted:        deleted,
		Summary:        summary,
	}, nil
}

// fold reads the five-minute records in sequential MGet batches and feeds
// each into its calendar hour and into total.
func (a *Aggregator) fold(ctx context.Context, keys []string, total *analytics.Accumulator, now time.Time) ([]*hourBucket, int, error) {
	byHour := make(map[int64]*hourBucket)
	read := 0

	size := a.cfg.Batch.Size
	for i := 0; i < len(keys); i += size {
		batch := keys[i:min(i+size, len(keys))]
		values, err := a.kv.MGet(ctx, batch...)
		if err != nil {
			return nil, 0, fmt.Errorf("read five-minute batch at %d: %w", i, err)
		}

		for j, raw := range values {
			if raw == nil {
				continue // expired since Keys
			}
			var rec analytics.BucketRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				a.log.Warn().Err(err).Str("key", batch[j]).Msg("Skipping malformed bucket record")
				continue
			}
			a.fillFromKey(&rec, batch[j])

			bucket, err := analytics.DecodeBucket(analytics.FiveMinute, batch[j])
			if err != nil {
				a.log.Debug().Err(err).Str("key", batch[j]).Msg("Bucket key has no timestamp, using current hour")
				bucket = now
			}
			hour := analytics.BucketStart(analytics.Hourly, bucket)

			hb, ok := byHour[hour.UnixMilli()]
			if !ok {
				hb = &hourBucket{start: hour, acc: analytics.NewAccumulator()}
				byHour[hour.UnixMilli()] = hb
			}
			hb.acc.Add(rec)
			total.Add(rec)
			read++
		}
	}

	hours := make([]*hourBucket, 0, len(byHour))
	for _, hb := range byHour {
		hours = append(hours, hb)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].start.Before(hours[j].start) })
	return hours, read, nil
}

// fillFromKey completes records written without their composite key or
// session ID; the store key is authoritative.
func (a *Aggregator) fillFromKey(rec *analytics.BucketRecord, storeKey string) {
	if rec.Key == "" {
		rec.Key = strings.TrimPrefix(storeKey, a.cfg.Keys.FiveMin)
	}
	if rec.SessionID == "" {
		// <type>:<sessionId>:<bucket>
		parts := strings.Split(rec.Key, ":")
		if len(parts) >= 3 {
			rec.SessionID = strings.Join(parts[1:len(parts)-1], ":")
		}
	}
}

// writeHourly stores one roll-up per hour and returns the touched days.
// Hours starting before sealed had their buckets deleted by an earlier
// run, so late buckets for them are folded into the stored roll-up
// instead of replacing it.
func (a *Aggregator) writeHourly(ctx context.Context, hours []*hourBucket, sealed time.Time) ([]time.Time, error) {
	var days []time.Time
	seen := make(map[int64]bool)

	for _, hb := range hours {
		agg := hb.acc.Aggregate(analytics.Hourly, hb.start)
		key := a.cfg.Keys.Hourly + analytics.EncodeBucket(analytics.Hourly, hb.start)

		if hb.start.Before(sealed) {
			var stored analytics.AggregatedData
			found, err := storage.GetJSON(ctx, a.kv, key, &stored)
			if err != nil {
				return nil, fmt.Errorf("read hourly aggregate %s: %w", key, err)
			}
			if found {
				a.log.Info().Str("key", key).Int64("late_events", agg.Metrics.TotalEvents).Msg("Folding late buckets into finished hour")
				agg = analytics.FoldAggregates(analytics.Hourly.String(), hb.start, hb.start.Add(time.Hour), []analytics.AggregatedData{stored, agg})
			}
		}

		if err := storage.SetJSON(ctx, a.kv, key, agg, a.cfg.TTL.HourlyAggregates); err != nil {
			return nil, fmt.Errorf("write hourly aggregate %s: %w", key, err)
		}

		day := analytics.BucketStart(analytics.Daily, hb.start)
		if !seen[day.UnixMilli()] {
			seen[day.UnixMilli()] = true
			days = append(days, day)
		}
	}
	return days, nil
}

// writeDaily refolds each touched day from its stored hourly records, so
// hours written by earlier runs are kept.
func (a *Aggregator) writeDaily(ctx context.Context, days []time.Time) error {
	for _, day := range days {
		hourly, err := a.readRange(ctx, a.cfg.Keys.Hourly, analytics.Hourly, day, 24)
		if err != nil {
			return err
		}
		agg := analytics.FoldAggregates(analytics.Daily.String(), day, day.Add(analytics.Daily.Width()), hourly)
		key := a.cfg.Keys.Daily + analytics.EncodeBucket(analytics.Daily, day)
		if err := storage.SetJSON(ctx, a.kv, key, agg, a.cfg.TTL.DailyAggregates); err != nil {
			return fmt.Errorf("write daily aggregate %s: %w", key, err)
		}
	}
	return nil
}

func (a *Aggregator) trends(ctx context.Context, now time.Time) (analytics.Trends, error) {
	firstHour := analytics.BucketStart(analytics.Hourly, now).Add(-(trendHours - 1) * time.Hour)
	hourly, err := a.readRange(ctx, a.cfg.Keys.Hourly, analytics.Hourly, firstHour, trendHours)
	if err != nil {
		return analytics.Trends{}, err
	}

	firstDay := analytics.BucketStart(analytics.Daily, now).AddDate(0, 0, -(trendDays - 1))
	daily, err := a.readRange(ctx, a.cfg.Keys.Daily, analytics.Daily, firstDay, trendDays)
	if err != nil {
		return analytics.Trends{}, err
	}

	return analytics.Trends{
		Hourly: analytics.HourlySeries(now, trendHours, hourly),
		Daily:  analytics.DailySeries(now, trendDays, daily),
	}, nil
}

// readRange multi-gets n consecutive roll-ups starting at from. Missing
// and malformed records are skipped.
func (a *Aggregator) readRange(ctx context.Context, prefix string, res analytics.Resolution, from time.Time, n int) ([]analytics.AggregatedData, error) {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = prefix + analytics.EncodeBucket(res, from.Add(time.Duration(i)*res.Width()))
	}

	values, err := a.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read %s roll-ups: %w", res, err)
	}

	out := make([]analytics.AggregatedData, 0, len(values))
	for i, raw := range values {
		if raw == nil {
			continue
		}
		var agg analytics.AggregatedData
		if err := json.Unmarshal(raw, &agg); err != nil {
			a.log.Warn().Err(err).Str("key", keys[i]).Msg("Skipping malformed roll-up")
			continue
		}
		out = append(out, agg)
	}
	return out, nil
}

// publish performs the independent destination writes. Every write is
// attempted; failures are joined.
func (a *Aggregator) publish(ctx context.Context, summary *analytics.DashboardSummary, status analytics.AggregationStatus) error {
	var errs []error
	fail := func(dest string, err error) {
		metrics.CacheWriteErrors.WithLabelValues(dest).Inc()
		errs = append(errs, fmt.Errorf("%s: %w", dest, err))
	}

	if err := a.edge.Set(ctx, a.cfg.EdgeKeys.DashboardSummary, summary); err != nil {
		fail("edge_summary", err)
	}

	if blob, err := codec.CompressJSON(summary); err != nil {
		fail("kv_backup", err)
	} else if err := a.kv.Set(ctx, a.cfg.Keys.Backup, blob, a.cfg.TTL.DashboardBackup); err != nil {
		fail("kv_backup", err)
	}

	if err := a.edge.Set(ctx, a.cfg.EdgeKeys.AggregationStatus, status); err != nil {
		fail("edge_status", err)
	}

	if err := a.state.MarkRun(ctx); err != nil {
		fail("last_run", err)
	}

	return errors.Join(errs...)
}

func (a *Aggregator) publishFailure(ctx context.Context, start time.Time, runErr error) {
	status := analytics.AggregationStatus{
		LastRun:  a.clock.Now().UnixMilli(),
		Duration: a.clock.Since(start).Milliseconds(),
		Success:  false,
		Error:    runErr.Error(),
	}
	if err := a.edge.Set(context.WithoutCancel(ctx), a.cfg.EdgeKeys.AggregationStatus, status); err != nil {
		metrics.CacheWriteErrors.WithLabelValues("edge_status").Inc()
		a.log.Warn().Err(err).Msg("Failed to publish aggregation failure status")
	}
}

// Cleanup deletes five-minute buckets that start before the cleanup
// cutoff. Keys without a decodable timestamp are left alone. Running it
// again with no new writes deletes nothing.
func (a *Aggregator) Cleanup(ctx context.Context) (int, error) {
	keys, err := a.kv.Keys(ctx, a.cfg.Keys.FiveMin)
	if err != nil {
		return 0, fmt.Errorf("list five-minute buckets: %w", err)
	}
	return a.cleanupKeys(ctx, keys, a.clock.Now())
}

// cutoff is the start of the hour CleanupAge before now
func (a *Aggregator) cutoff(now time.Time) time.Time {
	return analytics.BucketStart(analytics.Hourly, now.Add(-a.cfg.Windows.CleanupAge))
}

func (a *Aggregator) cleanupKeys(ctx context.Context, keys []string, now time.Time) (int, error) {
	cutoff := a.cutoff(now)

	var expired []string
	for _, k := range keys {
		bucket, err := analytics.DecodeBucket(analytics.FiveMinute, k)
		if err != nil {
			continue
		}
		if bucket.Before(cutoff) {
			expired = append(expired, k)
		}
	}

	deleted := 0
	size := a.cfg.Batch.Size
	for i := 0; i < len(expired); i += size {
		n, err := a.kv.Del(ctx, expired[i:min(i+size, len(expired))]...)
		deleted += n
		if err != nil {
			metrics.CleanupKeysDeleted.Add(float64(deleted))
			return deleted, fmt.Errorf("delete expired buckets: %w", err)
		}
	}

	metrics.CleanupKeysDeleted.Add(float64(deleted))
	if deleted > 0 {
		a.log.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Deleted expired five-minute buckets")
	}
	return deleted, nil
}
