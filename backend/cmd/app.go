package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/webrtc-mesh/backend/pubsub"
	"github.com/adwski/webrtc-mesh/backend/queue"
	"github.com/adwski/webrtc-mesh/backend/registry"
	httpServer "github.com/adwski/webrtc-mesh/backend/server/http"
	websocketServer "github.com/adwski/webrtc-mesh/backend/server/websocket"
	"github.com/adwski/webrtc-mesh/backend/service"
	"github.com/adwski/webrtc-mesh/backend/storage/memory"
	"github.com/adwski/webrtc-mesh/backend/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		dbPath        = fs.StringP("db-path", "d", "", "sqlite database path, in-memory storage when empty")
		queueLimit    = fs.Int("queue-limit", queue.DefaultLimit, "max queued signals per recipient")
		queueTTL      = fs.Duration("queue-ttl", queue.DefaultTTL, "queued signals expiry")
		rosterTTL     = fs.Duration("roster-ttl", 10*time.Minute, "idle member expiry")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var (
		roster service.Roster
		store  queue.Store
		sweep  service.QueueSweeper
	)
	if *dbPath == "" {
		q := memory.NewQueue()
		roster, store, sweep = memory.NewMemStore(), q, q
		logger.Info().Msg("using in-memory storage")
	} else {
		db, dbErr := sqlite.Open(*dbPath)
		if dbErr != nil {
			logger.Fatal().Err(dbErr).Str("path", *dbPath).Msg("failed to open database")
		}
		defer func() {
			if cErr := db.Close(); cErr != nil {
				logger.Error().Err(cErr).Msg("failed to close database")
			}
		}()
		roster, store, sweep = db, db, db
		logger.Info().Str("path", *dbPath).Msg("using sqlite storage")
	}

	broker := pubsub.NewBroker()
	defer broker.Close()

	svc := service.NewService(service.Config{
		Roster:   roster,
		Registry: registry.New(&logger),
		Relay: queue.NewRelay(queue.Config{
			Store:    store,
			Notifier: broker,
			Logger:   &logger,
			Limit:    *queueLimit,
			TTL:      *queueTTL,
		}),
		QueueSweeper: sweep,
		Logger:       &logger,
		RosterTTL:    *rosterTTL,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		Events:      broker,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
