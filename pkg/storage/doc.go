/*
Package storage provides the pluggable key-value abstraction behind the
analytics pipeline.

# Store Interface

Every backend implements the same small surface, modelled on the commands the
original Vercel KV deployment used (get, set/setex, mget, keys, del) plus the
two primitives the aggregation lock needs:

	type Store interface {
	    Get(ctx, key) ([]byte, error)
	    Set(ctx, key, value, ttl) error
	    MGet(ctx, keys...) ([][]byte, error)
	    Keys(ctx, prefix) ([]string, error)
	    Del(ctx, keys...) (int, error)
	    SetNX(ctx, key, value, ttl) (bool, error)
	    CompareAndDelete(ctx, key, value) (bool, error)
	    Close() error
	}

Backends:
  - memory: map-backed, TTL-aware, clock injectable (tests and local runs)
  - badger: BadgerDB with per-entry TTL (single node, durable)
  - redis: go-redis client (Vercel KV, Upstash or plain Redis)

# Key Layout

	analytics:5min:<type>:<session>:<YYYY-MM-DD-HH-mm>   five-minute buckets
	analytics:hourly:<YYYY-MM-DD-HH>                     hourly roll-ups
	analytics:daily:<YYYY-MM-DD>                         daily roll-ups
	analytics:backup:dashboard                           LZ4 DashboardSummary
	analytics:last_dashboard_access                      epoch millis
	analytics:last_aggregation_run                       epoch millis
	aggregation:lock                                     advisory lock token

Bucket suffixes are produced and parsed by the analytics package only.

# Values

Values are opaque bytes. GetJSON/SetJSON and GetInt64/SetInt64 cover the
structured records and the scalar bookkeeping keys.

Individual operations are atomic at the store level; there are no
cross-key transactions.
*/
package storage
