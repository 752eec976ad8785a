/*
Package analytics holds the data model and the pure folding helpers shared
by the aggregator and the dashboard service.

# Rollup Pipeline

	Ingest ─▶ 5min buckets ─▶ hourly records ─▶ daily records
	                │                 │
	                └──── Accumulator └──── FoldAggregates
	                                  │
	                                  ▼
	                          DashboardSummary (Summarize)

# Bucket Keys

Bucket suffixes are UTC calendar fields joined by '-', month 1-indexed:

	5min    2024-03-01-10-05
	hourly  2024-03-01-10
	daily   2024-03-01

EncodeBucket is the only producer and DecodeBucket the only parser, so the
writer and reader cannot disagree about boundaries.
*/
package analytics
