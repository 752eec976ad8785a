package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk/transport"
)

const sendTimeout = 5 * time.Second

// Config holds configuration for the batcher
type Config struct {
	// MaxRawEvents queued for one session triggers an early flush
	MaxRawEvents int
	FlushEvery   time.Duration
	// OnFlush, if set, runs at the start of every flush
	OnFlush func()
}

// pending is everything queued for one session since the last flush
type pending struct {
	aggregates map[string]*ingest.Aggregate
	raw        []json.RawMessage
}

// Batcher pre-aggregates events per session and flushes one payload per
// session, periodically or when a session's raw queue fills up.
type Batcher struct {
	config    Config
	transport transport.Transport
	clock     clockwork.Clock

	sessions map[string]*pending
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool
}

// New creates a new batcher
func New(t transport.Transport, clock clockwork.Clock, config Config) *Batcher {
	return &Batcher{
		config:    config,
		transport: t,
		clock:     clock,
		sessions:  make(map[string]*pending),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

func (b *Batcher) session(id string) *pending {
	p, ok := b.sessions[id]
	if !ok {
		p = &pending{aggregates: make(map[string]*ingest.Aggregate)}
		b.sessions[id] = p
	}
	return p
}

// AddAggregate folds one event into the session's aggregate under key
func (b *Batcher) AddAggregate(sessionID, key string, data map[string]any, sampleRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.session(sessionID)
	agg, ok := p.aggregates[key]
	if !ok {
		agg = &ingest.Aggregate{Key: key}
		p.aggregates[key] = agg
	}
	agg.Count++
	agg.Data = ingest.MergeData(agg.Data, data)
	agg.SampleRate = sampleRate
}

// AddRaw queues a raw event for the session. Filling the queue starts a
// background flush unless one is already running.
func (b *Batcher) AddRaw(sessionID string, raw json.RawMessage) {
	b.mu.Lock()
	p := b.session(sessionID)
	p.raw = append(p.raw, raw)
	shouldFlush := b.config.MaxRawEvents > 0 && len(p.raw) >= b.config.MaxRawEvents
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			defer b.flushing.Store(false)
			if err := b.Flush(b.context()); err != nil {
				logging.Warn().Err(err).Msg("Analytics flush failed")
			}
		}()
	}
}

// Pending returns the number of sessions with queued data
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Flush sends every queued session and clears the queue. Sessions are sent
// in ID order; failures are joined and the failed data is dropped, as a
// retry would double count whatever part the server already merged.
func (b *Batcher) Flush(ctx context.Context) error {
	if b.config.OnFlush != nil {
		b.config.OnFlush()
	}

	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*pending)
	b.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := b.clock.Now().UnixMilli()
	var errs []error
	for _, id := range ids {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := b.transport.Send(sendCtx, payload(id, now, sessions[id]))
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func payload(sessionID string, now int64, p *pending) *ingest.Payload {
	keys := make([]string, 0, len(p.aggregates))
	for k := range p.aggregates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &ingest.Payload{
		SessionID:  sessionID,
		Timestamp:  now,
		RawEvents:  p.raw,
		Aggregates: make([]ingest.Aggregate, 0, len(keys)),
	}
	for _, k := range keys {
		out.Aggregates = append(out.Aggregates, *p.aggregates[k])
	}
	return out
}

// Stop stops the flush loop and flushes what is left
func (b *Batcher) Stop() error {
	if b.cancel == nil {
		return b.Flush(context.Background())
	}
	b.cancel()
	<-b.done

	return b.Flush(context.Background())
}

func (b *Batcher) context() context.Context {
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

// flushLoop periodically flushes pending sessions
func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := b.clock.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			if b.flushing.CompareAndSwap(false, true) {
				if err := b.Flush(b.ctx); err != nil {
					logging.Warn().Err(err).Msg("Analytics flush failed")
				}
				b.flushing.Store(false)
			}
		}
	}
}
