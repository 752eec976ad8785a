package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/memory"
)

func get(h *Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.HandleDashboard(rec, req)
	return rec
}

func TestHandleDashboard_RecordsAccessAndCaches(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, time.Second)
	f.putEdge(t, f.summaryAt(time.Minute, 42))

	rec := get(h, "/api/analytics/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, s-maxage=300, stale-while-revalidate=600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "public, s-maxage=300", rec.Header().Get("CDN-Cache-Control"))
	assert.Equal(t, "edge", rec.Header().Get(SourceHeader))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var got analytics.DashboardSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(42), got.Overview.PageViews)

	access, err := f.state.LastAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UnixMilli(), access.UnixMilli())
}

func TestHandleDashboard_NotModified(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, time.Second)
	f.putEdge(t, f.summaryAt(time.Minute, 42))

	first := get(h, "/api/analytics/dashboard?period=24h", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := get(h, "/api/analytics/dashboard?period=24h", http.Header{"If-None-Match": {first.Header().Get("ETag")}})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.Bytes())
}

func TestHandleDashboard_RefreshAndPeriod(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, time.Second)
	f.putEdge(t, f.summaryAt(time.Minute, 42))

	rec := get(h, "/api/analytics/dashboard?refresh=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recompute", rec.Header().Get(SourceHeader))

	rec = get(h, "/api/analytics/dashboard?period=7d", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got analytics.DashboardSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "7d", got.Period)

	rec = get(h, "/api/analytics/dashboard?period=90d", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "24h", got.Period)
}

// brokenStore fails enumeration, which only the recompute path uses
type brokenStore struct {
	storage.Store
}

func (brokenStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("connection reset")
}

func TestHandleDashboard_FallbackOnError(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 10, 40, 0, 0, time.UTC))
	mem := memory.NewWithClock(clock)
	f := newFixtureWithStore(t, mem, brokenStore{mem}, clock)
	h := NewHandler(f.svc, time.Second)

	rec := get(h, "/api/analytics/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, s-maxage=60", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("CDN-Cache-Control"))
	assert.Equal(t, "fallback", rec.Header().Get(SourceHeader))

	var got analytics.DashboardSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Zero(t, got.Overview)
	require.Len(t, got.Trends.Hourly, 24)
	require.Len(t, got.Trends.Daily, 30)
	assert.Equal(t, "2024-03-01T10:40:00.000Z", got.Trends.Hourly[23].Time)
	assert.Equal(t, "2024-03-01", got.Trends.Daily[29].Date)
	assert.Empty(t, got.TopContent)
	assert.Empty(t, got.Sources)
}
