package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/httpx"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
)

// SourceHeader reports which tier served the response
const SourceHeader = "X-Dashboard-Source"

var (
	cachedPolicy   = httpx.CachePolicy{SMaxAge: 300, StaleWhileRevalidate: 600, CDN: true}
	fallbackPolicy = httpx.CachePolicy{SMaxAge: 60}
)

// Handler serves the dashboard endpoint
type Handler struct {
	svc     *Service
	timeout time.Duration
}

func NewHandler(svc *Service, timeout time.Duration) *Handler {
	return &Handler{svc: svc, timeout: timeout}
}

// HandleDashboard returns the dashboard summary. It never fails: any error
// produces the zeroed fallback summary with a short cache lifetime.
// GET /api/analytics/dashboard?period=24h&refresh=false
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	start := h.svc.clock.Now()
	defer func() {
		metrics.DashboardReadDuration.Observe(h.svc.clock.Since(start).Seconds())
	}()

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	if err := h.svc.RecordAccess(ctx); err != nil {
		h.fallback(w, r, err)
		return
	}

	q := r.URL.Query()
	period := analytics.NormalizePeriod(q.Get("period"))
	refresh := q.Get("refresh") == "true"

	summary, source, err := h.svc.Summary(ctx, period, refresh)
	if err != nil {
		h.fallback(w, r, err)
		return
	}

	metrics.DashboardReads.WithLabelValues(string(source)).Inc()
	w.Header().Set(SourceHeader, string(source))
	httpx.RespondCachedJSON(w, r, summary, cachedPolicy)
}

func (h *Handler) fallback(w http.ResponseWriter, r *http.Request, err error) {
	h.svc.log.Error().Err(err).Msg("Dashboard read failed, serving fallback")
	metrics.DashboardReads.WithLabelValues(string(SourceFallback)).Inc()
	w.Header().Set(SourceHeader, string(SourceFallback))
	httpx.RespondCachedJSON(w, r, h.svc.Fallback(), fallbackPolicy)
}
