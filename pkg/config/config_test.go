package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CRON_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "s3cret", cfg.Cron.Secret)
	assert.Equal(t, "analytics:5min:", cfg.Analytics.Keys.FiveMin)
	assert.Equal(t, "analytics:last_dashboard_access", cfg.Analytics.Keys.LastAccess)
	assert.Equal(t, time.Hour, cfg.Analytics.Windows.MinRunInterval)
	assert.Equal(t, 24*time.Hour, cfg.Analytics.Windows.AccessWindow)
	assert.Equal(t, 5*time.Minute, cfg.Analytics.TTL.DashboardCache)
	assert.Equal(t, 100, cfg.Analytics.Batch.Size)
	assert.False(t, cfg.Analytics.Sources.Estimate)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
storage:
  backend: badger
  badger_path: /tmp/analytics
scheduler:
  enabled: true
  interval: 30m
cron:
  secret: from-file
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	t.Setenv(PathEnvVar, path)
	t.Setenv("CRON_SECRET", "from-env")
	t.Setenv("SCHEDULER_INTERVAL", "10m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/analytics", cfg.Storage.BadgerPath)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "from-env", cfg.Cron.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing cron secret",
			mutate:  func(c *Config) { c.Cron.Secret = "" },
			wantErr: "CRON_SECRET",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: "unknown storage backend",
		},
		{
			name: "vercel without credentials",
			mutate: func(c *Config) {
				c.EdgeConfig.Backend = EdgeBackendVercel
			},
			wantErr: "EDGE_CONFIG_ID",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Analytics.Batch.Size = 0 },
			wantErr: "batch size",
		},
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Cron.Secret = "x"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
