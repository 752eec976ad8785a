// Command example runs a small storefront instrumented with the tracker
// SDK and drives simulated shoppers through it, so a local analytics
// server has data to aggregate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk/httpx"
)

func main() {
	endpoint := flag.String("endpoint", sdk.DefaultEndpoint, "ingest endpoint")
	addr := flag.String("addr", ":3001", "storefront listen address")
	shoppers := flag.Int("shoppers", 5, "simulated concurrent shoppers")
	every := flag.Duration("every", 3*time.Second, "delay between simulated page views")
	flush := flag.Duration("flush", 10*time.Second, "tracker flush interval")
	flag.Parse()

	client, err := sdk.New(sdk.Config{
		Endpoint:   *endpoint,
		FlushEvery: *flush,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create tracker client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start tracker client")
	}

	router := mux.NewRouter()
	router.HandleFunc("/", page("Home")).Methods("GET")
	router.HandleFunc("/products", page("Products")).Methods("GET")
	router.HandleFunc("/products/{id}", page("Product")).Methods("GET")
	router.HandleFunc("/guides/{slug}", page("Guide")).Methods("GET")
	router.HandleFunc("/quiz", page("Display finder")).Methods("GET")

	srv := &http.Server{
		Addr:    *addr,
		Handler: httpx.Middleware(client)(router),
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Str("endpoint", *endpoint).Msg("Storefront listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("Storefront failed")
		}
	}()

	base := "http://localhost" + *addr
	for i := 0; i < *shoppers; i++ {
		go runShopper(ctx, client, base, *every, int64(i))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Storefront shutdown incomplete")
	}

	if err := client.Stop(); err != nil {
		logging.Warn().Err(err).Msg("Final flush failed")
	}
}

func page(title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!DOCTYPE html><title>%s</title><h1>%s</h1>", title, title)
	}
}
