// Package dashboard serves the analytics dashboard summary from the
// cheapest source that is fresh enough: Edge Config, then the compressed
// KV backup, then a synchronous recompute from hourly roll-ups.
package dashboard

import (
	"context"
	"errors"
	"fmt"

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

// Source names the tier a summary came from
type Source string

const (
	SourceEdge      Source = "edge"
	SourceBackup    Source = "backup"
	SourceRecompute Source = "recompute"
	SourceFallback  Source = "fallback"
)

// Service answers dashboard reads
type Service struct {
	kv    storage.Store
	edge  edgeconfig.Store
	state *schedule.State
	clock clockwork.Clock
	cfg   config.Analytics
	log   zerolog.Logger
}

// NewService creates the dashboard read path
func NewService(kv storage.Store, edge edgeconfig.Store, state *schedule.State, clock clockwork.Clock, cfg config.Analytics) *Service {
	return &Service{
		kv:    kv,
		edge:  edge,
		state: state,
		clock: clock,
		cfg:   cfg,
		log:   logging.Component("dashboard"),
	}
}

// RecordAccess signals the aggregator that the dashboard is in use
func (s *Service) RecordAccess(ctx context.Context) error {
	return s.state.RecordAccess(ctx)
}

// Summary returns the dashboard summary for period.
//
// Unless refresh is set, a cached summary for the same period is served
// when Edge Config's copy is younger than the edge freshness window, or
// the KV backup's copy is younger than the backup window. Cache read
// failures fall through to the next tier. A recompute back-fills both
// caches; only a failed recompute is returned as an error.
func (s *Service) Summary(ctx context.Context, period string, refresh bool) (*analytics.DashboardSummary, Source, error) {
	period = analytics.NormalizePeriod(period)

	if !refresh {
		if summary := s.fromEdge(ctx, period); summary != nil {
			return summary, SourceEdge, nil
		}
		if summary := s.fromBackup(ctx, period); summary != nil {
			return summary, SourceBackup, nil
		}
	}

	summary, err := s.Recompute(ctx, period)
	if err != nil {
		return nil, "", err
	}

	if err := s.backfill(ctx, summary); err != nil {
		s.log.Warn().Err(err).Msg("Failed to back-fill dashboard caches")
	}
	return summary, SourceRecompute, nil
}

func (s *Service) fromEdge(ctx context.Context, period string) *analytics.DashboardSummary {
	var summary analytics.DashboardSummary
	found, err := s.edge.Get(ctx, s.cfg.EdgeKeys.DashboardSummary, &summary)
	if err != nil {
		s.log.Debug().Err(err).Msg("Edge Config read failed, falling back")
		return nil
	}
	if !found || summary.Period != period || !summary.FreshWithin(s.clock.Now(), s.cfg.Windows.EdgeFreshness) {
		return nil
	}
	return &summary
}

func (s *Service) fromBackup(ctx context.Context, period string) *analytics.DashboardSummary {
	blob, err := s.kv.Get(ctx, s.cfg.Keys.Backup)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Debug().Err(err).Msg("KV backup read failed")
		}
		return nil
	}

	var summary analytics.DashboardSummary
	if err := codec.DecompressJSON(blob, &summary); err != nil {
		// corrupt or foreign payloads count as a miss
		s.log.Debug().Err(err).Msg("KV backup unreadable")
		return nil
	}
	if summary.Period != period || !summary.FreshWithin(s.clock.Now(), s.cfg.Windows.BackupFresh) {
		return nil
	}
	return &summary
}

// Recompute folds the hourly roll-ups that start inside period.
func (s *Service) Recompute(ctx context.Context, period string) (*analytics.DashboardSummary, error) {
	period = analytics.NormalizePeriod(period)
	now := s.clock.Now()
	from := analytics.PeriodStart(period, now)

	keys, err := s.kv.Keys(ctx, s.cfg.Keys.Hourly)
	if err != nil {
		return nil, fmt.Errorf("list hourly roll-ups: %w", err)
	}

	var relevant []string
	for _, k := range keys {
		start, err := analytics.DecodeBucket(analytics.Hourly, k)
		if err != nil {
			continue
		}
		if !start.Before(from) {
			relevant = append(relevant, k)
		}
	}

	hourly, err := s.readHourly(ctx, relevant)
	if err != nil {
		return nil, err
	}

	total := analytics.FoldAggregates(period, from, now, hourly)
	if total.Metrics.UniqueSessions == 0 {
		total.Metrics.UniqueSessions = analytics.EstimateUniqueSessions(total.Metrics.PageViews)
	}

	trend := analytics.HourlyTrend(hourly, 0)
	trends := analytics.Trends{
		Hourly: trend,
		Daily:  analytics.GenerateDailyFromHourly(trend),
	}

	return analytics.Summarize(now, period, total, trends, analytics.SummaryOptions{
		TopN:            s.cfg.Batch.TopN,
		EstimateSources: s.cfg.Sources.Estimate,
	}), nil
}

func (s *Service) readHourly(ctx context.Context, keys []string) ([]analytics.AggregatedData, error) {
	out := make([]analytics.AggregatedData, 0, len(keys))

	size := s.cfg.Batch.Size
	for i := 0; i < len(keys); i += size {
		batch := keys[i:min(i+size, len(keys))]
		values, err := s.kv.MGet(ctx, batch...)
		if err != nil {
			return nil, fmt.Errorf("read hourly roll-ups: %w", err)
		}
		for j, raw := range values {
			if raw == nil {
				continue
			}
			var agg analytics.AggregatedData
			if err := json.Unmarshal(raw, &agg); err != nil {
				s.log.Warn().Err(err).Str("key", batch[j]).Msg("Skipping malformed hourly roll-up")
				continue
			}
			out = append(out, agg)
		}
	}
	return out, nil
}

// backfill writes a recomputed summary to both caches independently
func (s *Service) backfill(ctx context.Context, summary *analytics.DashboardSummary) error {
	var errs []error

	if err := s.edge.Set(ctx, s.cfg.EdgeKeys.DashboardSummary, summary); err != nil {
		metrics.CacheWriteErrors.WithLabelValues("edge_summary").Inc()
		errs = append(errs, fmt.Errorf("edge summary: %w", err))
	}

	blob, err := codec.CompressJSON(summary)
	if err == nil {
		err = s.kv.Set(ctx, s.cfg.Keys.Backup, blob, s.cfg.TTL.DashboardBackup)
	}
	if err != nil {
		metrics.CacheWriteErrors.WithLabelValues("kv_backup").Inc()
		errs = append(errs, fmt.Errorf("kv backup: %w", err))
	}

	return errors.Join(errs...)
}

// Fallback is the zeroed summary served when everything else failed
func (s *Service) Fallback() *analytics.DashboardSummary {
	return analytics.FallbackSummary(s.clock.Now())
}
