package config

import (
	"errors"
	"fmt"
	"time"
)

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultShutdownTimeout = 30 * time.Second
	ServerReadTimeout      = 10 * time.Second
	ServerWriteTimeout     = 30 * time.Second
)

// Background task intervals
const (
	DefaultSchedulerInterval = 15 * time.Minute
	BadgerGCInterval         = 10 * time.Minute
	StreamBroadcastInterval  = 5 * time.Second
)

// Request timeouts
const (
	DashboardTimeout   = 20 * time.Second
	AggregationTimeout = 4 * time.Minute
	IngestTimeout      = 5 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Storage backends
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Edge Config backends
const (
	EdgeBackendVercel = "vercel"
	EdgeBackendKV     = "kv"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
	EdgeConfig EdgeConfigConfig `koanf:"edge_config"`
	Cron       CronConfig       `koanf:"cron"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Analytics  Analytics        `koanf:"analytics"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AllowedOrigins receive CORS headers; localhost on Port is always allowed
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StorageConfig selects and configures the KV backend.
type StorageConfig struct {
	Backend       string `koanf:"backend"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	BadgerPath    string `koanf:"badger_path"`
	BadgerMemMB   int64  `koanf:"badger_mem_mb"`
}

// EdgeConfigConfig selects the Edge Config backend. The kv backend stores
// items in the KV store under an edge_config: prefix.
type EdgeConfigConfig struct {
	Backend   string `koanf:"backend"`
	ID        string `koanf:"id"`
	ReadToken string `koanf:"read_token"`
	APIToken  string `koanf:"api_token"`
	TeamID    string `koanf:"team_id"`
	EdgeURL   string `koanf:"edge_url"`
	APIURL    string `koanf:"api_url"`
}

type CronConfig struct {
	Enabled bool   `koanf:"enabled"`
	Secret  string `koanf:"secret"`
}

// SchedulerConfig drives the optional in-process trigger for the aggregator.
// The throttle still decides whether a tick does any work.
type SchedulerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

type IngestConfig struct {
	Enabled         bool `koanf:"enabled"`
	RateLimitPerMin int  `koanf:"rate_limit_per_min"`
}

// Analytics mirrors the ANALYTICS_CONFIG object: TTLs, key layout and the
// windows used by the aggregator and the dashboard read path.
type Analytics struct {
	TTL      TTLConfig     `koanf:"ttl"`
	Keys     KeyConfig     `koanf:"keys"`
	EdgeKeys EdgeKeyConfig `koanf:"edge_keys"`
	Windows  WindowConfig  `koanf:"windows"`
	Batch    BatchConfig   `koanf:"batch"`
	Sources  SourcesConfig `koanf:"sources"`
	Lock     LockConfig    `koanf:"lock"`
}

type TTLConfig struct {
	RawEvents         time.Duration `koanf:"raw_events"`
	FiveMinAggregates time.Duration `koanf:"five_min_aggregates"`
	HourlyAggregates  time.Duration `koanf:"hourly_aggregates"`
	DailyAggregates   time.Duration `koanf:"daily_aggregates"`
	DashboardCache    time.Duration `koanf:"dashboard_cache"`
	DashboardBackup   time.Duration `koanf:"dashboard_backup"`
	Session           time.Duration `koanf:"session"`
}

type KeyConfig struct {
	RawEvents     string `koanf:"raw_events"`
	FiveMin       string `koanf:"five_min"`
	Hourly        string `koanf:"hourly"`
	Daily         string `koanf:"daily"`
	Backup        string `koanf:"backup"`
	Session       string `koanf:"session"`
	LastAccess    string `koanf:"last_access"`
	LastRun       string `koanf:"last_run"`
	AggregateLock string `koanf:"aggregate_lock"`
}

type EdgeKeyConfig struct {
	DashboardSummary  string `koanf:"dashboard_summary"`
	RealtimeMetrics   string `koanf:"realtime_metrics"`
	AggregationStatus string `koanf:"aggregation_status"`
}

type WindowConfig struct {
	MinRunInterval time.Duration `koanf:"min_run_interval"`
	AccessWindow   time.Duration `koanf:"access_window"`
	EdgeFreshness  time.Duration `koanf:"edge_freshness"`
	BackupFresh    time.Duration `koanf:"backup_freshness"`
	CleanupAge     time.Duration `koanf:"cleanup_age"`
}

type BatchConfig struct {
	Size int `koanf:"size"`
	TopN int `koanf:"top_n"`
}

// SourcesConfig controls whether a placeholder traffic-source split is
// served when no referrer data was measured.
type SourcesConfig struct {
	Estimate bool `koanf:"estimate"`
}

type LockConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// DefaultAnalytics returns the stock ANALYTICS_CONFIG values.
func DefaultAnalytics() Analytics {
	return Analytics{
		TTL: TTLConfig{
			RawEvents:         1 * time.Hour,
			FiveMinAggregates: 24 * time.Hour,
			HourlyAggregates:  7 * 24 * time.Hour,
			DailyAggregates:   30 * 24 * time.Hour,
			DashboardCache:    5 * time.Minute,
			DashboardBackup:   10 * time.Minute,
			Session:           1 * time.Hour,
		},
		Keys: KeyConfig{
			RawEvents:     "analytics:raw:",
			FiveMin:       "analytics:5min:",
			Hourly:        "analytics:hourly:",
			Daily:         "analytics:daily:",
			Backup:        "analytics:backup:dashboard",
			Session:       "session:",
			LastAccess:    "analytics:last_dashboard_access",
			LastRun:       "analytics:last_aggregation_run",
			AggregateLock: "aggregation:lock",
		},
		EdgeKeys: EdgeKeyConfig{
			DashboardSummary:  "analytics_dashboard_summary",
			RealtimeMetrics:   "analytics_realtime",
			AggregationStatus: "analytics_last_aggregation",
		},
		Windows: WindowConfig{
			MinRunInterval: 1 * time.Hour,
			AccessWindow:   24 * time.Hour,
			EdgeFreshness:  5 * time.Minute,
			BackupFresh:    10 * time.Minute,
			CleanupAge:     1 * time.Hour,
		},
		Batch: BatchConfig{
			Size: 100,
			TopN: 10,
		},
		Lock: LockConfig{
			TTL: 5 * time.Minute,
		},
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
			AllowedOrigins:  []string{"http://localhost:4321", "http://localhost:3000"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend:    BackendRedis,
			RedisAddr:  "127.0.0.1:6379",
			BadgerPath: "./data/analytics",
		},
		EdgeConfig: EdgeConfigConfig{
			Backend: EdgeBackendKV,
			EdgeURL: "https://edge-config.vercel.com",
			APIURL:  "https://api.vercel.com",
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Interval: DefaultSchedulerInterval,
		},
		Ingest: IngestConfig{
			Enabled:         true,
			RateLimitPerMin: 120,
		},
		Analytics: DefaultAnalytics(),
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendRedis, BackendBadger, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.EdgeConfig.Backend {
	case EdgeBackendKV:
	case EdgeBackendVercel:
		if c.EdgeConfig.ID == "" || c.EdgeConfig.ReadToken == "" {
			errs = append(errs, errors.New("vercel edge config requires EDGE_CONFIG_ID and EDGE_CONFIG_READ_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown edge config backend %q", c.EdgeConfig.Backend))
	}

	if c.Cron.Enabled && c.Cron.Secret == "" {
		errs = append(errs, errors.New("CRON_SECRET must be set when the cron endpoint is enabled"))
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler interval must be positive"))
	}

	w := c.Analytics.Windows
	if w.MinRunInterval <= 0 || w.AccessWindow <= 0 || w.EdgeFreshness <= 0 || w.BackupFresh <= 0 || w.CleanupAge <= 0 {
		errs = append(errs, errors.New("analytics windows must be positive"))
	}
	if c.Analytics.Batch.Size <= 0 {
		errs = append(errs, errors.New("analytics batch size must be positive"))
	}
	if c.Analytics.Batch.TopN <= 0 {
		errs = append(errs, errors.New("analytics top_n must be positive"))
	}
	if c.Analytics.Lock.TTL <= 0 {
		errs = append(errs, errors.New("aggregation lock ttl must be positive"))
	}

	return errors.Join(errs...)
}
