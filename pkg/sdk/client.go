package sdk

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk/batch"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk/transport"
)

const (
	DefaultEndpoint     = "http://localhost:8080/api/analytics/ingest"
	DefaultFlushEvery   = 30 * time.Second
	DefaultMaxBatchSize = 50
	DefaultDedupWindow  = 5 * time.Second
	DefaultSampleRate   = 0.1

	// dedup entries older than this are pruned on flush
	dedupRetention = time.Minute
)

// DefaultSampling is the per-type sample rate used when Config.Sampling is nil
func DefaultSampling() map[analytics.EventType]float64 {
	return map[analytics.EventType]float64{
		analytics.EventPageView:    0.1,
		analytics.EventInteraction: 0.05,
		analytics.EventConversion:  1,
		analytics.EventQuiz:        1,
	}
}

// Config holds configuration for the tracker client
type Config struct {
	Endpoint     string
	FlushEvery   time.Duration
	MaxBatchSize int

	// Sampling maps event types to a rate in (0,1]. Types not listed use
	// DefaultSampleRate. Conversions and quiz events are never sampled.
	Sampling    map[analytics.EventType]float64
	DedupWindow time.Duration

	Clock clockwork.Clock
	// Rand returns a float in [0,1); defaults to math/rand/v2
	Rand func() float64
	// Transport overrides the HTTP transport built from Endpoint
	Transport transport.Transport
}

// Client samples, dedupes and pre-aggregates events into five-minute
// windows, then flushes them to the ingest endpoint.
type Client struct {
	config  Config
	batcher *batch.Batcher

	seen map[uint64]time.Time
	mu   sync.Mutex

	started bool
}

// New creates a new tracker client
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Sampling == nil {
		cfg.Sampling = DefaultSampling()
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	trans := cfg.Transport
	if trans == nil {
		h, err := transport.NewHTTP(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		trans = h
	}

	c := &Client{
		config: cfg,
		seen:   make(map[uint64]time.Time),
	}
	c.batcher = batch.New(trans, cfg.Clock, batch.Config{
		MaxRawEvents: cfg.MaxBatchSize,
		FlushEvery:   cfg.FlushEvery,
		OnFlush:      c.pruneSeen,
	})
	return c, nil
}

// Start begins periodic flushing
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}
	c.started = true

	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	return nil
}

// Stop stops flushing and sends whatever is still queued
func (c *Client) Stop() error {
	c.started = false
	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// Flush sends everything queued now
func (c *Client) Flush(ctx context.Context) error {
	return c.batcher.Flush(ctx)
}

// Track records one event for a session and reports whether it was kept.
// Conversions and quiz events always pass and are also queued raw; other
// types are sampled, then dropped if the same session sent an identical
// event within the dedup window.
func (c *Client) Track(sessionID string, typ analytics.EventType, data map[string]any) bool {
	if sessionID == "" || !typ.Valid() {
		return false
	}
	now := c.config.Clock.Now()

	rate := 1.0
	if !highValue(typ) {
		rate = c.sampleRate(typ)
		if c.config.Rand() >= rate {
			return false
		}
		if c.duplicate(sessionID, typ, data, now) {
			return false
		}
	}

	window := analytics.BucketStart(analytics.FiveMinute, now).UnixMilli()
	key := string(typ) + ":" + strconv.FormatInt(window, 10)
	c.batcher.AddAggregate(sessionID, key, data, rate)

	if highValue(typ) {
		raw, err := json.Marshal(analytics.AnalyticsEvent{
			ID:        uuid.NewString(),
			Type:      typ,
			Timestamp: now.UnixMilli(),
			SessionID: sessionID,
			Data:      data,
		})
		if err == nil {
			c.batcher.AddRaw(sessionID, raw)
		}
	}
	return true
}

func highValue(typ analytics.EventType) bool {
	return typ == analytics.EventConversion || typ == analytics.EventQuiz
}

func (c *Client) sampleRate(typ analytics.EventType) float64 {
	if r, ok := c.config.Sampling[typ]; ok && r > 0 {
		return r
	}
	return DefaultSampleRate
}

// duplicate records the event fingerprint and reports whether the same
// fingerprint was seen inside the dedup window. The client is shared by
// every visitor, so the session is part of the fingerprint.
func (c *Client) duplicate(sessionID string, typ analytics.EventType, data map[string]any, now time.Time) bool {
	h := fingerprint(sessionID, typ, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seen[h]; ok && now.Sub(last) < c.config.DedupWindow {
		return true
	}
	c.seen[h] = now
	return false
}

func (c *Client) pruneSeen() {
	cutoff := c.config.Clock.Now().Add(-dedupRetention)

	c.mu.Lock()
	defer c.mu.Unlock()
	for h, t := range c.seen {
		if t.Before(cutoff) {
			delete(c.seen, h)
		}
	}
}

// fingerprint hashes the session, the type and the JSON form of data. Map
// keys marshal sorted, so equal maps hash equally.
func fingerprint(sessionID string, typ analytics.EventType, data map[string]any) uint64 {
	d := xxhash.New()
	d.WriteString(sessionID)
	d.WriteString(":")
	d.WriteString(string(typ))
	d.WriteString(":")
	if b, err := json.Marshal(data); err == nil {
		d.Write(b)
	}
	return d.Sum64()
}
