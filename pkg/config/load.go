package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when CONFIG_PATH is unset.
var DefaultPaths = []string{
	"config.yaml",
	"config.yml",
}

// envMappings maps flat environment variable names to koanf paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"port":                   "server.port",
	"shutdown_timeout":       "server.shutdown_timeout",
	"log_level":              "log.level",
	"log_format":             "log.format",
	"log_caller":             "log.caller",
	"kv_backend":             "storage.backend",
	"redis_addr":             "storage.redis_addr",
	"redis_password":         "storage.redis_password",
	"redis_db":               "storage.redis_db",
	"badger_path":            "storage.badger_path",
	"badger_mem_mb":          "storage.badger_mem_mb",
	"edge_config_backend":    "edge_config.backend",
	"edge_config_id":         "edge_config.id",
	"edge_config_read_token": "edge_config.read_token",
	"vercel_api_token":       "edge_config.api_token",
	"vercel_team_id":         "edge_config.team_id",
	"cron_enabled":           "cron.enabled",
	"cron_secret":            "cron.secret",
	"scheduler_enabled":      "scheduler.enabled",
	"scheduler_interval":     "scheduler.interval",
	"ingest_enabled":         "ingest.enabled",
	"ingest_rate_limit":      "ingest.rate_limit_per_min",
	"estimate_sources":       "analytics.sources.estimate",
	"aggregation_lock_ttl":   "analytics.lock.ttl",
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform returns "" for variables koanf should skip.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
