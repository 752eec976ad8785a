package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/server"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Msg("Failed to read .env")
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Info().
		Str("storage", cfg.Storage.Backend).
		Str("edge_config", cfg.EdgeConfig.Backend).
		Msg("Starting analytics server")

	ctx, cancel := context.WithCancel(context.Background())
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

	svc := server.InitializeServices(cfg, store, edge, clockwork.NewRealClock())

	var wg sync.WaitGroup

	wg.Add(1)
	go server.RunStream(ctx, svc.Hub, svc.Stream, &wg)

	if cfg.Scheduler.Enabled {
		wg.Add(1)
		go server.RunScheduler(ctx, svc.Aggregator, cfg.Scheduler.Interval, &wg)
	}

	if cfg.Storage.Backend == config.BackendBadger {
		wg.Add(1)
		go server.RunBadgerGC(ctx, store, &wg)
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, svc)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutdown signal received")

	// Cancel first so background loops exit before wg.Wait
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Msg("Background tasks stopped")
	case <-time.After(5 * time.Second):
		logging.Warn().Msg("Background tasks did not stop in time")
	}

	logging.Info().Msg("Server exited")
}
