package aggregator

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/httpx"
)

// Handler serves the cron trigger endpoint
type Handler struct {
	agg     *Aggregator
	secret  string
	timeout time.Duration
}

// NewHandler creates the cron handler. Requests must carry
// "Authorization: Bearer <secret>"; an empty secret rejects everything.
func NewHandler(agg *Aggregator, secret string, timeout time.Duration) *Handler {
	return &Handler{agg: agg, secret: secret, timeout: timeout}
}

type skippedResponse struct {
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason"`
	NextRun    string `json:"nextRun,omitempty"`
	LastAccess string `json:"lastAccess,omitempty"`
}

type runSummary struct {
	TotalEvents    int64 `json:"totalEvents"`
	UniqueSessions int64 `json:"uniqueSessions"`
}

type successResponse struct {
	Success  bool       `json:"success"`
	Duration int64      `json:"duration"`
	Summary  runSummary `json:"summary"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HandleAggregate runs the aggregator once.
// GET /api/cron/aggregate-analytics
func (h *Handler) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpx.RespondText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.agg.Run(ctx)
	if err != nil {
		httpx.RespondJSON(w, http.StatusInternalServerError, failureResponse{Success: false, Error: err.Error()})
		return
	}

	if res.Skipped {
		resp := skippedResponse{Skipped: true, Reason: res.Reason}
		if !res.NextRun.IsZero() {
			resp.NextRun = analytics.FormatISO(res.NextRun)
		}
		if !res.LastAccess.IsZero() {
			resp.LastAccess = analytics.FormatISO(res.LastAccess)
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, successResponse{
		Success:  true,
		Duration: res.Duration.Milliseconds(),
		Summary: runSummary{
			TotalEvents:    res.TotalEvents,
			UniqueSessions: res.UniqueSessions,
		},
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
