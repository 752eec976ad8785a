// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dashboard read path
	DashboardReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_dashboard_reads_total",
			Help: "Dashboard summaries served, by source tier",
		},
		[]string{"source"}, // "edge", "backup", "recompute", "fallback"
	)

	DashboardReadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_dashboard_read_duration_seconds",
			Help:    "Time to produce a dashboard summary",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Aggregator
	AggregationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_aggregation_runs_total",
			Help: "Aggregator invocations, by outcome",
		},
		[]string{"outcome"}, // "success", "throttled", "no_recent_access", "locked", "error"
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_aggregation_duration_seconds",
			Help:    "Duration of completed aggregation runs",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	AggregationBucketsRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_aggregation_buckets_read_total",
			Help: "Five-minute bucket records folded by the aggregator",
		},
	)

	CleanupKeysDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_cleanup_keys_deleted_total",
			Help: "Expired five-minute bucket keys deleted",
		},
	)

	CacheWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_cache_write_errors_total",
			Help: "Failed writes to a cache destination",
		},
		[]string{"destination"}, // "edge_summary", "kv_backup", "edge_status", "last_run"
	)

	// Ingest
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_ingest_requests_total",
			Help: "Ingest requests, by result",
		},
		[]string{"result"}, // "ok", "invalid", "store_error"
	)

	IngestAggregates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_ingest_aggregates_total",
			Help: "Pre-aggregated bucket updates accepted",
		},
	)

	IngestAggregatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_ingest_aggregates_dropped_total",
			Help: "Aggregates dropped because their window was already rolled up or in the future",
		},
	)

	// Realtime stream
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_stream_clients",
			Help: "Connected realtime WebSocket clients",
		},
	)

	// Edge Config circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_config_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_config_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker, by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)
)
