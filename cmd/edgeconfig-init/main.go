// Command edgeconfig-init seeds the Edge Config items the dashboard reads,
// so a fresh deployment serves an empty summary instead of a miss.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jkristoffer/bs-display-analytics/pkg/edgeconfig"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/server"
)

func main() {
	overwrite := flag.Bool("overwrite", false, "replace items that already exist")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Msg("Failed to read .env")
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := server.InitializeStorage(ctx, cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	edge, err := server.InitializeEdgeConfig(cfg.EdgeConfig, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize Edge Config")
	}

	written, err := edgeconfig.Seed(ctx, edge, edgeconfig.SeedKeys{
		DashboardSummary:  cfg.Analytics.EdgeKeys.DashboardSummary,
		AggregationStatus: cfg.Analytics.EdgeKeys.AggregationStatus,
	}, *overwrite)
	if err != nil {
		store.Close()
		logging.Fatal().Err(err).Strs("written", written).Msg("Edge Config seeding failed")
	}

	logging.Info().Strs("written", written).Bool("overwrite", *overwrite).Msg("Edge Config seeded")
}
