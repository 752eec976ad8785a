package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// Update is the message pushed to stream clients
type Update struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Metrics   UpdateMetrics `json:"metrics"`
}

type UpdateMetrics struct {
	RecentEvents int64                         `json:"recentEvents"`
	EventsByType map[analytics.EventType]int64 `json:"eventsByType"`
}

// Source reads the current five-minute bucket
type Source struct {
	kv     storage.Store
	clock  clockwork.Clock
	prefix string
	batch  int
}

func NewSource(kv storage.Store, clock clockwork.Clock, cfg config.Analytics) *Source {
	return &Source{kv: kv, clock: clock, prefix: cfg.Keys.FiveMin, batch: cfg.Batch.Size}
}

// Latest folds every record in the bucket containing now. ok is false when
// the bucket holds no records yet.
func (s *Source) Latest(ctx context.Context) (update *Update, ok bool, err error) {
	now := s.clock.Now()
	suffix := ":" + analytics.EncodeBucket(analytics.FiveMinute, now)

	keys, err := s.kv.Keys(ctx, s.prefix)
	if err != nil {
		return nil, false, fmt.Errorf("list five-minute keys: %w", err)
	}
	current := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			current = append(current, k)
		}
	}
	if len(current) == 0 {
		return nil, false, nil
	}

	update = &Update{
		Type:      "update",
		Timestamp: now.UnixMilli(),
		Metrics:   UpdateMetrics{EventsByType: make(map[analytics.EventType]int64)},
	}
	for start := 0; start < len(current); start += s.batch {
		end := min(start+s.batch, len(current))
		values, err := s.kv.MGet(ctx, current[start:end]...)
		if err != nil {
			return nil, false, fmt.Errorf("read five-minute records: %w", err)
		}
		for _, raw := range values {
			if raw == nil {
				continue
			}
			var rec analytics.BucketRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			update.Metrics.RecentEvents += rec.Count
			update.Metrics.EventsByType[rec.EventType()] += rec.Count
		}
	}
	return update, true, nil
}

// RunBroadcaster pushes Latest to hub every interval while clients are
// connected. Read errors are logged with exponential backoff so an outage
// does not flood the log.
func RunBroadcaster(ctx context.Context, hub *Hub, src *Source, interval time.Duration) {
	log := logging.Component("stream")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		consecutiveErrors int
		lastErrorTime     time.Time
	)
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.HasClients() {
				continue
			}

			update, ok, err := src.Latest(ctx)
			if err != nil {
				consecutiveErrors++
				logBroadcastError(log, err, consecutiveErrors, &lastErrorTime, maxBackoff)
				continue
			}
			if consecutiveErrors > 0 {
				log.Info().Int("errors", consecutiveErrors).Msg("Stream broadcast recovered")
				consecutiveErrors = 0
			}
			if !ok {
				continue
			}
			if err := hub.Broadcast(update); err != nil {
				log.Error().Err(err).Msg("Failed to broadcast update")
			}
		}
	}
}

// Backoff doubles per consecutive error: 1s, 2s, 4s ... capped at limit.
func logBroadcastError(log zerolog.Logger, err error, n int, last *time.Time, limit time.Duration) {
	backoff := time.Duration(1<<uint(min(n-1, 8))) * time.Second
	if backoff > limit {
		backoff = limit
	}
	now := time.Now()
	if last.IsZero() || now.Sub(*last) >= backoff {
		log.Warn().Err(err).Int("error_count", n).Dur("backoff", backoff).Msg("Failed to read stream update")
		*last = now
	}
}
