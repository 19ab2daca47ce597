package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/venantvr-pubsub/pubsub-relay/internal/broker"
	"github.com/venantvr-pubsub/pubsub-relay/internal/bus"
	"github.com/venantvr-pubsub/pubsub-relay/internal/cache"
	"github.com/venantvr-pubsub/pubsub-relay/internal/config"
	"github.com/venantvr-pubsub/pubsub-relay/internal/logging"
	"github.com/venantvr-pubsub/pubsub-relay/internal/monitoring"
	"github.com/venantvr-pubsub/pubsub-relay/internal/registry"
	"github.com/venantvr-pubsub/pubsub-relay/internal/router"
	"github.com/venantvr-pubsub/pubsub-relay/internal/server"
	"github.com/venantvr-pubsub/pubsub-relay/internal/store"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	b := broker.New(broker.Options{
		Store:    st,
		Batcher:  store.NewBatcher(st, cfg.BatchSize, cfg.BatchFlushInterval, logger),
		Registry: registry.New(),
		Bus:      bus.New(cfg.ChannelCapacity, logger),
		Router:   router.New(logger),
		Retention: store.RetentionPolicy{
			MaxMessages:     cfg.MaxMessages,
			MaxConsumptions: cfg.MaxConsumptions,
			MaxAge:          cfg.MaxAge,
		},
		SweepEvery: cfg.PurgeInterval,
		Logger:     logger,
	})
	b.Start()

	srv := server.New(cfg, b, cache.New(cfg.CacheTTL), logger)

	monitoring.StartSystemCollector(ctx, cfg.MetricsInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	b.Stop()

	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("Store close failed")
	}
	logger.Info().Msg("Shutdown complete")
	os.Exit(0)
}
