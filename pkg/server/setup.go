package server

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/aggregator"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/dashboard"
	"github.com/jkristoffer/bs-display-analytics/pkg/edgeconfig"
	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/schedule"
	"github.com/jkristoffer/bs-display-analytics/pkg/server/monitor"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/badger"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/memory"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/redis"
	"github.com/jkristoffer/bs-display-analytics/pkg/stream"
)

// Services holds everything the routes and background tasks share.
type Services struct {
	Config *config.Config
	Clock  clockwork.Clock

	Store storage.Store
	Edge  edgeconfig.Store
	State *schedule.State

	Aggregator *aggregator.Aggregator
	Monitor    *monitor.AggregationMonitor
	Dashboard  *dashboard.Service
	Writer     *ingest.Writer

	Hub    *stream.Hub
	Stream *stream.Source
}

// LoadConfig loads configuration and initializes logging from it.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})
	return cfg, nil
}

// InitializeStorage opens the configured KV backend.
func InitializeStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		logging.Info().Str("addr", cfg.RedisAddr).Msg("Initializing Redis storage")
		store, err := redis.New(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendBadger:
		logging.Info().Str("path", cfg.BadgerPath).Msg("Initializing BadgerDB storage")
		if err := os.MkdirAll(cfg.BadgerPath, 0o755); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.BadgerPath,
			MaxMemoryMB: cfg.BadgerMemMB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendMemory:
		logging.Warn().Msg("Using in-memory storage, data is lost on restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// InitializeEdgeConfig selects the Edge Config backend. The kv backend
// shares the KV store.
func InitializeEdgeConfig(cfg config.EdgeConfigConfig, kv storage.Store) (edgeconfig.Store, error) {
	switch cfg.Backend {
	case config.EdgeBackendVercel:
		logging.Info().Str("id", cfg.ID).Msg("Using Vercel Edge Config")
		store, err := edgeconfig.NewVercelStore(edgeconfig.VercelConfig{
			ID:        cfg.ID,
			ReadToken: cfg.ReadToken,
			APIToken:  cfg.APIToken,
			TeamID:    cfg.TeamID,
			EdgeURL:   cfg.EdgeURL,
			APIURL:    cfg.APIURL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.EdgeBackendKV:
		logging.Info().Msg("Using KV-backed Edge Config")
		return edgeconfig.NewKVStore(kv), nil
	}
	return nil, fmt.Errorf("unknown edge config backend %q", cfg.Backend)
}

// InitializeServices wires the aggregator, dashboard, ingest writer and
// stream over the given stores.
func InitializeServices(cfg *config.Config, kv storage.Store, edge edgeconfig.Store, clock clockwork.Clock) *Services {
	a := cfg.Analytics

	state := schedule.NewState(kv, clock,
		schedule.Keys{LastAccess: a.Keys.LastAccess, LastRun: a.Keys.LastRun},
		schedule.Windows{MinRunInterval: a.Windows.MinRunInterval, AccessWindow: a.Windows.AccessWindow},
	)
	lock := schedule.NewLock(kv, a.Keys.AggregateLock, a.Lock.TTL)

	mon := monitor.NewAggregationMonitor(clock)
	agg := aggregator.New(kv, edge, state, lock, clock, a)
	agg.SetObserver(mon)

	logging.Info().
		Dur("min_run_interval", a.Windows.MinRunInterval).
		Dur("access_window", a.Windows.AccessWindow).
		Bool("estimate_sources", a.Sources.Estimate).
		Msg("Analytics services ready")

	return &Services{
		Config:     cfg,
		Clock:      clock,
		Store:      kv,
		Edge:       edge,
		State:      state,
		Aggregator: agg,
		Monitor:    mon,
		Dashboard:  dashboard.NewService(kv, edge, state, clock, a),
		Writer:     ingest.NewWriter(kv, clock, a),
		Hub:        stream.NewHub(),
		Stream:     stream.NewSource(kv, clock, a),
	}
}
