/*
Package aggregator rolls five-minute analytics buckets up into hourly and
daily records and republishes the dashboard summary.

# Pipeline

Each run is gated twice before touching any data:

	last run < 1h ago            → skipped, reason "throttled"
	last dashboard read > 24h ago → skipped, reason "no_recent_access"
	lock held by another run      → skipped, reason "locked"

A run that gets past the gates does, in order:

	analytics:5min:*   ──MGet batches──▶  per-hour accumulators
	                                        │
	                                        ▼
	analytics:hourly:YYYY-MM-DD-HH  (one per hour seen)
	                                        │ refold the day's 24 hours
	                                        ▼
	analytics:daily:YYYY-MM-DD      (one per day touched)
	                                        │
	                                        ▼
	DashboardSummary ──▶ Edge Config summary
	                 ──▶ LZ4 backup in the KV store
	AggregationStatus ─▶ Edge Config status
	last run stamp    ─▶ KV store

The four publish writes are independent; one failing does not stop the
others, and the next run overwrites all of them.

# Cleanup

Five-minute buckets that start before the hour one hour back are deleted
after they have been folded. With now = 10:40 the cutoff is 09:00, so the
09:xx and 10:xx buckets survive and are refolded by the next run; an hour
is only ever dropped after a run has written its complete roll-up.

# Usage

	agg := aggregator.New(kv, edge, state, lock, clockwork.NewRealClock(), cfg.Analytics)
	res, err := agg.Run(ctx)
	if err != nil {
	    // status already published as failed
	}
	if res.Skipped {
	    log.Printf("skipped: %s", res.Reason)
	}
*/
package aggregator
