package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// Payload is one client flush
type Payload struct {
	SessionID  string            `json:"sessionId"`
	Timestamp  int64             `json:"timestamp"`
	RawEvents  []json.RawMessage `json:"rawEvents,omitempty"`
	Aggregates []Aggregate       `json:"aggregates,omitempty"`
}

// Aggregate is a client-side pre-aggregate keyed "<type>:<windowMs>"
type Aggregate struct {
	Key        string         `json:"key"`
	Count      int64          `json:"count"`
	Data       map[string]any `json:"data,omitempty"`
	SampleRate float64        `json:"sampleRate,omitempty"`
}

type sessionActivity struct {
	LastActivity int64 `json:"lastActivity"`
	EventCount   int   `json:"eventCount"`
}

// Writer merges payloads into the five-minute bucket records
type Writer struct {
	kv    storage.Store
	clock clockwork.Clock
	keys  config.KeyConfig
	ttl   config.TTLConfig
	// buckets older than the hour this far back are already rolled up
	maxAge time.Duration
}

func NewWriter(kv storage.Store, clock clockwork.Clock, cfg config.Analytics) *Writer {
	return &Writer{kv: kv, clock: clock, keys: cfg.Keys, ttl: cfg.TTL, maxAge: cfg.Windows.CleanupAge}
}

// Write stores a validated payload. Every store operation is attempted;
// failures are joined. The bucket merge is read-modify-write, so two
// concurrent flushes for the same session and bucket can lose a count.
func (w *Writer) Write(ctx context.Context, p *Payload) (int, error) {
	ts := p.Timestamp
	if ts <= 0 {
		ts = w.clock.Now().UnixMilli()
	}

	var errs []error
	if len(p.RawEvents) > 0 {
		key := w.keys.RawEvents + strconv.FormatInt(ts, 10)
		if err := storage.SetJSON(ctx, w.kv, key, p.RawEvents, w.ttl.RawEvents); err != nil {
			errs = append(errs, fmt.Errorf("raw events: %w", err))
		}
	}

	merged := 0
	for _, a := range p.Aggregates {
		err := w.merge(ctx, p.SessionID, ts, a)
		if errors.Is(err, ErrWindowOutOfRange) {
			metrics.IngestAggregatesDropped.Inc()
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		merged++
	}

	activity := sessionActivity{LastActivity: ts, EventCount: len(p.RawEvents)}
	if err := storage.SetJSON(ctx, w.kv, w.keys.Session+p.SessionID, activity, w.ttl.Session); err != nil {
		errs = append(errs, fmt.Errorf("session activity: %w", err))
	}

	return merged, errors.Join(errs...)
}

func (w *Writer) merge(ctx context.Context, sessionID string, ts int64, a Aggregate) error {
	typ, window, err := parseKey(a.Key)
	if err != nil {
		return err
	}
	if window == 0 {
		window = ts
	}
	if err := w.checkWindow(time.UnixMilli(window)); err != nil {
		return err
	}

	recKey := analytics.FiveMinuteKey(typ, sessionID, time.UnixMilli(window))
	storeKey := w.keys.FiveMin + recKey

	var rec analytics.BucketRecord
	found, err := storage.GetJSON(ctx, w.kv, storeKey, &rec)
	if err != nil {
		return fmt.Errorf("read bucket %s: %w", storeKey, err)
	}
	if !found {
		rec = analytics.BucketRecord{Data: map[string]any{}}
	}

	rec.Key = recKey
	rec.Type = typ
	rec.SessionID = sessionID
	rec.Count += a.Count
	rec.Data = MergeData(rec.Data, a.Data)
	rec.SampleRate = a.SampleRate
	rec.LastUpdated = w.clock.Now().UnixMilli()

	if err := storage.SetJSON(ctx, w.kv, storeKey, rec, w.ttl.FiveMinAggregates); err != nil {
		return fmt.Errorf("write bucket %s: %w", storeKey, err)
	}
	return nil
}

// checkWindow rejects buckets the aggregator may already have cleaned up,
// and buckets more than one window ahead of now
func (w *Writer) checkWindow(bucket time.Time) error {
	now := w.clock.Now()
	oldest := analytics.BucketStart(analytics.Hourly, now.Add(-w.maxAge))
	if bucket.Before(oldest) {
		return fmt.Errorf("%w: %s is before %s", ErrWindowOutOfRange, bucket.UTC().Format(time.RFC3339), oldest.Format(time.RFC3339))
	}
	if bucket.After(now.Add(analytics.FiveMinute.Width())) {
		return fmt.Errorf("%w: %s is in the future", ErrWindowOutOfRange, bucket.UTC().Format(time.RFC3339))
	}
	return nil
}

// MergeData folds incoming into existing: numbers add, anything else
// overwrites. existing is modified and returned.
func MergeData(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		existing = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		n, ok := v.(float64)
		if !ok {
			existing[k] = v
			continue
		}
		if prev, ok := existing[k].(float64); ok {
			existing[k] = prev + n
		} else {
			existing[k] = n
		}
	}
	return existing
}
