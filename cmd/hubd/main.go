// Command hubd runs the central side of the fatigue relay: the collector
// HTTP API, the websocket hub for edges and observers, and the NATS feed
// bridge between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snrraptopack/fatigue/internal/collector"
	"github.com/snrraptopack/fatigue/internal/config"
	"github.com/snrraptopack/fatigue/internal/events"
	"github.com/snrraptopack/fatigue/internal/hub"
	"github.com/snrraptopack/fatigue/internal/store/postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "hubd",
		Short:        "Fatigue alert collector and distribution hub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadHub()
	if err != nil {
		return err
	}

	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	var publisher events.Publisher
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		publisher = pub
		logger.Info("change feed enabled", "nats_url", cfg.NATSURL)
	} else {
		publisher = &events.NoopPublisher{}
		logger.Info("change feed disabled (FATIGUE_NATS_URL not set)")
	}
	defer publisher.Close()

	collectorServer := collector.NewServer(store, publisher, logger)

	cache := hub.NewArtifactCache(cfg.CacheDepth)
	registry := hub.NewRegistry(logger)
	socketHub := hub.New(registry, cache, store, publisher, logger)

	registry.StartHeartbeat(cfg.HeartbeatInterval)
	registry.StartSweep(&hub.SweepConfig{
		IdleThreshold: cfg.IdleThreshold,
		Interval:      cfg.SweepInterval,
		OnPurged:      cache.Drop,
	})
	defer registry.Stop()

	// The hub consumes the collector's feed so centrally-ingested alerts
	// reach observers too.
	var feedCancel context.CancelFunc
	if cfg.NATSURL != "" {
		sub, err := events.NewNATSSubscriber(cfg.NATSURL)
		if err != nil {
			logger.Error("feed subscriber setup failed", "err", err)
		} else {
			var feedCtx context.Context
			feedCtx, feedCancel = context.WithCancel(context.Background())
			go func() {
				if err := socketHub.RunFeed(feedCtx, sub); err != nil && feedCtx.Err() == nil {
					logger.Error("feed consumer error", "err", err)
				}
				sub.Close()
			}()
			logger.Info("feed consumer started")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.NewWSHandler(socketHub, logger))
	mux.Handle("/", collectorServer.NewHTTPHandler(cfg.AuthToken))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	if feedCancel != nil {
		feedCancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "err", err)
	}
	logger.Info("hubd stopped")
	return nil
}
