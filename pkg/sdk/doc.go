/*
Package sdk is a Go tracker client for the analytics ingest endpoint.

	client, err := sdk.New(sdk.Config{
	    Endpoint: "http://localhost:8080/api/analytics/ingest",
	})
	if err != nil {
	    log.Fatal(err)
	}
	client.Start(ctx)
	defer client.Stop()

	client.Track(sessionID, analytics.EventPageView, map[string]any{"path": "/products"})

# Sampling and dedup

Page views and interactions are sampled (10% and 5% by default) and an
event identical to one seen in the last five seconds is dropped.
Conversions and quiz events are always kept and are also sent as raw
events.

# Batching

Events are pre-aggregated per session and five-minute window. Each flush
posts one LZ4-compressed payload per session. Flushes happen every
FlushEvery (30s), when a session queues MaxBatchSize raw events, and on
Stop. Numeric data fields given as float64 are summed within a window;
everything else keeps the latest value.

Failed flushes are dropped, not retried.

# HTTP Middleware

httpx.Middleware tracks a page view for every request it wraps, keyed by
a session cookie.
*/
package sdk
