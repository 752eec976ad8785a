package server

import (
	"context"
	"errors"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/jkristoffer/bs-display-analytics/pkg/aggregator"
	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage/badger"
	"github.com/jkristoffer/bs-display-analytics/pkg/stream"
)

// RunScheduler triggers the aggregator every interval. The aggregator's
// own throttle decides whether a tick does any work; a failed run is not
// retried until the next tick.
func RunScheduler(ctx context.Context, agg *aggregator.Aggregator, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	log := logging.Component("scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Aggregation scheduler started")

	tick := func() {
		runCtx, cancel := context.WithTimeout(ctx, config.AggregationTimeout)
		defer cancel()

		res, err := agg.Run(runCtx)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled aggregation failed, will try again next tick")
			return
		}
		if res.Skipped {
			log.Debug().Str("reason", res.Reason).Msg("Scheduled aggregation skipped")
		}
	}

	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			log.Info().Msg("Stopping aggregation scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically.
// Expired bucket records only free disk space once their value log file
// is rewritten.
func RunBadgerGC(ctx context.Context, store storage.Store, wg *sync.WaitGroup) {
	defer wg.Done()

	log := logging.Component("badger-gc")

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Debug().Msg("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", config.BadgerGCInterval).Msg("BadgerDB GC scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// 0.5: rewrite a file when half of it is garbage
			err := badgerStore.RunGC(0.5)
			switch {
			case err == nil:
				log.Info().Dur("duration", time.Since(start)).Msg("BadgerDB GC reclaimed disk space")
			case errors.Is(err, dgbadger.ErrNoRewrite):
				log.Debug().Dur("duration", time.Since(start)).Msg("BadgerDB GC found nothing to rewrite")
			default:
				log.Warn().Err(err).Msg("BadgerDB GC failed")
			}
		case <-ctx.Done():
			log.Info().Msg("Stopping BadgerDB GC scheduler")
			return
		}
	}
}

// RunStream runs the WebSocket hub and its broadcaster until ctx is done.
func RunStream(ctx context.Context, hub *stream.Hub, src *stream.Source, wg *sync.WaitGroup) {
	defer wg.Done()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	stream.RunBroadcaster(ctx, hub, src, config.StreamBroadcastInterval)
	<-done
}
