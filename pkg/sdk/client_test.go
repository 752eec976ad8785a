package sdk

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
)

type recordingTransport struct {
	mu       sync.Mutex
	payloads []*ingest.Payload
}

func (r *recordingTransport) Send(_ context.Context, p *ingest.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

var start = time.Date(2024, time.March, 1, 10, 7, 0, 0, time.UTC)

func newTestClient(t *testing.T, roll float64) (*Client, *recordingTransport, *clockwork.FakeClock) {
	t.Helper()
	tr := &recordingTransport{}
	clock := clockwork.NewFakeClockAt(start)
	c, err := New(Config{
		Clock:     clock,
		Rand:      func() float64 { return roll },
		Transport: tr,
	})
	require.NoError(t, err)
	return c, tr, clock
}

func TestTrack_SamplingDropsAboveRate(t *testing.T) {
	c, tr, _ := newTestClient(t, 0.5)

	assert.False(t, c.Track("s1", analytics.EventPageView, map[string]any{"path": "/"}))
	assert.False(t, c.Track("s1", analytics.EventInteraction, nil))
	assert.False(t, c.Track("s1", analytics.EventCustom, nil))

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, tr.payloads)
}

func TestTrack_HighValueAlwaysKeptAndQueuedRaw(t *testing.T) {
	c, tr, _ := newTestClient(t, 0.99)

	data := map[string]any{"value": 10.0}
	assert.True(t, c.Track("s1", analytics.EventConversion, data))
	// never deduped
	assert.True(t, c.Track("s1", analytics.EventConversion, data))
	assert.True(t, c.Track("s1", analytics.EventQuiz, map[string]any{"step": "done"}))

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, tr.payloads, 1)
	p := tr.payloads[0]

	window := strconv.FormatInt(time.Date(2024, time.March, 1, 10, 5, 0, 0, time.UTC).UnixMilli(), 10)
	require.Len(t, p.Aggregates, 2)
	assert.Equal(t, "conversion:"+window, p.Aggregates[0].Key)
	assert.Equal(t, int64(2), p.Aggregates[0].Count)
	assert.Equal(t, 20.0, p.Aggregates[0].Data["value"])
	assert.Equal(t, 1.0, p.Aggregates[0].SampleRate)
	assert.Equal(t, "quiz_event:"+window, p.Aggregates[1].Key)

	require.Len(t, p.RawEvents, 3)
	var ev analytics.AnalyticsEvent
	require.NoError(t, json.Unmarshal(p.RawEvents[0], &ev))
	assert.Equal(t, analytics.EventConversion, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, start.UnixMilli(), ev.Timestamp)
	assert.NotEmpty(t, ev.ID)
}

func TestTrack_DedupWindow(t *testing.T) {
	c, tr, clock := newTestClient(t, 0)

	data := map[string]any{"path": "/products"}
	assert.True(t, c.Track("s1", analytics.EventPageView, data))
	clock.Advance(4 * time.Second)
	assert.False(t, c.Track("s1", analytics.EventPageView, data))
	// different data is a different event
	assert.True(t, c.Track("s1", analytics.EventPageView, map[string]any{"path": "/about"}))

	clock.Advance(2 * time.Second)
	assert.True(t, c.Track("s1", analytics.EventPageView, data))

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, tr.payloads, 1)
	require.Len(t, tr.payloads[0].Aggregates, 1)
	agg := tr.payloads[0].Aggregates[0]
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, 0.1, agg.SampleRate)
	assert.Empty(t, tr.payloads[0].RawEvents)
}

func TestTrack_RejectsInvalid(t *testing.T) {
	c, _, _ := newTestClient(t, 0)

	assert.False(t, c.Track("", analytics.EventConversion, nil))
	assert.False(t, c.Track("s1", analytics.EventType("bogus"), nil))
}

func TestFlush_PrunesDedupEntries(t *testing.T) {
	c, _, clock := newTestClient(t, 0)

	c.Track("s1", analytics.EventPageView, map[string]any{"path": "/"})
	assert.Len(t, c.seen, 1)

	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, c.seen)
}

func TestTrack_DedupIsPerSession(t *testing.T) {
	c, tr, _ := newTestClient(t, 0)

	data := map[string]any{"path": "/", "deviceType": "desktop"}
	assert.True(t, c.Track("alice", analytics.EventPageView, data))
	assert.True(t, c.Track("bob", analytics.EventPageView, data))
	assert.False(t, c.Track("alice", analytics.EventPageView, data))

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, tr.payloads, 2)
	assert.Equal(t, "alice", tr.payloads[0].SessionID)
	assert.Equal(t, int64(1), tr.payloads[0].Aggregates[0].Count)
	assert.Equal(t, "bob", tr.payloads[1].SessionID)
	assert.Equal(t, int64(1), tr.payloads[1].Aggregates[0].Count)
}

func TestFingerprint_StableAcrossMapOrder(t *testing.T) {
	a := map[string]any{"a": 1.0, "b": "x", "c": true}
	b := map[string]any{"c": true, "b": "x", "a": 1.0}
	assert.Equal(t, fingerprint("s1", analytics.EventPageView, a), fingerprint("s1", analytics.EventPageView, b))
	assert.NotEqual(t, fingerprint("s1", analytics.EventPageView, a), fingerprint("s1", analytics.EventInteraction, a))
	assert.NotEqual(t, fingerprint("s1", analytics.EventPageView, a), fingerprint("s2", analytics.EventPageView, a))
}
