package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkristoffer/bs-display-analytics/pkg/aggregator"
	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/dashboard"
	"github.com/jkristoffer/bs-display-analytics/pkg/httpx"
	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/server/monitor"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/badger"
)

const healthPingTimeout = 2 * time.Second

var startTime = time.Now()

// StorageInfo describes the KV backend in /health.
type StorageInfo struct {
	Backend   string `json:"backend"`
	LSMBytes  int64  `json:"lsm_bytes,omitempty"`
	VlogBytes int64  `json:"vlog_bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SchedulerInfo reports the aggregation gate timestamps in /health.
type SchedulerInfo struct {
	LastAccess string `json:"last_access,omitempty"`
	LastRun    string `json:"last_run,omitempty"`
}

// pinger is implemented by backends with a remote connection
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version"`
	Uptime      string                    `json:"uptime"`
	Storage     StorageInfo               `json:"storage"`
	Aggregation monitor.AggregationStatus `json:"aggregation"`
	Scheduler   SchedulerInfo             `json:"scheduler"`
}

// handleHealth returns service health status.
func handleHealth(svc *Services) http.HandlerFunc {
	backend := svc.Config.Storage.Backend
	log := logging.Component("health")

	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !svc.Monitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		info := StorageInfo{Backend: backend}
		if b, ok := svc.Store.(*badger.Storage); ok {
			info.LSMBytes, info.VlogBytes = b.Size()
		}
		if p, ok := svc.Store.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("backend", backend).Msg("Storage ping failed")
				info.Error = err.Error()
				overallStatus = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
		}

		var sched SchedulerInfo
		if info.Error == "" {
			sched = schedulerInfo(r.Context(), svc)
		}

		response := HealthResponse{
			Status:      overallStatus,
			Version:     "1.0.0",
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Storage:     info,
			Aggregation: svc.Monitor.Status(),
			Scheduler:   sched,
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// schedulerInfo reads the gate timestamps; unset or unreadable ones are omitted
func schedulerInfo(ctx context.Context, svc *Services) SchedulerInfo {
	var out SchedulerInfo
	if t, err := svc.State.LastAccess(ctx); err == nil && !t.IsZero() {
		out.LastAccess = analytics.FormatISO(t)
	}
	if t, err := svc.State.LastRun(ctx); err == nil && !t.IsZero() {
		out.LastRun = analytics.FormatISO(t)
	}
	return out
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, svc *Services) {
	cfg := svc.Config

	router.Use(corsMiddleware(cfg.Server.Port, cfg.Server.AllowedOrigins))

	router.HandleFunc("/health", handleHealth(svc)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	dashboardHandler := dashboard.NewHandler(svc.Dashboard, config.DashboardTimeout)
	api.HandleFunc("/analytics/dashboard", dashboardHandler.HandleDashboard).Methods("GET")

	api.HandleFunc("/analytics/stream", svc.Hub.HandleStream).Methods("GET")

	if cfg.Cron.Enabled {
		cronHandler := aggregator.NewHandler(svc.Aggregator, cfg.Cron.Secret, config.AggregationTimeout)
		api.HandleFunc("/cron/aggregate-analytics", cronHandler.HandleAggregate).Methods("GET", "POST")
	} else {
		logging.Info().Msg("Cron endpoint disabled")
	}

	if cfg.Ingest.Enabled {
		ingestHandler := ingest.NewHandler(svc.Writer, config.IngestTimeout)
		var h http.Handler = http.HandlerFunc(ingestHandler.HandleIngest)
		if cfg.Ingest.RateLimitPerMin > 0 {
			h = httprate.LimitByIP(cfg.Ingest.RateLimitPerMin, time.Minute)(h)
		}
		api.Handle("/analytics/ingest", h).Methods("POST", "OPTIONS")
	} else {
		logging.Info().Msg("Ingest endpoint disabled")
	}
}

// corsMiddleware allows localhost on port plus the configured origins.
func corsMiddleware(port string, extra []string) func(http.Handler) http.Handler {
	allowedOrigins := append([]string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
	}, extra...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && slices.Contains(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization, If-None-Match")
				w.Header().Set("Access-Control-Expose-Headers", "ETag, "+dashboard.SourceHeader)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
