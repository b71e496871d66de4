package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"candle-cache/internal/api"
	"candle-cache/internal/config"
	"candle-cache/internal/feed"
	"candle-cache/internal/ingestion"
	"candle-cache/internal/observability"
	"candle-cache/internal/query"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, flushing and the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(observability.DefaultNamespace)

	store, closeStore, err := openStore(ctx, cfg.Storage, log, metrics)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	var source ingestion.TickSource
	if cfg.Feed.Enabled {
		client, err := feed.NewClient(feed.Config{
			URL:          cfg.Feed.URL,
			EntityRefs:   cfg.Feed.EntityRefs,
			Buffer:       cfg.Feed.Buffer,
			ReconnectMin: cfg.Feed.ReconnectMin,
			ReconnectMax: cfg.Feed.ReconnectMax,
		}, log, metrics)
		if err != nil {
			return err
		}
		source = client
	}

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Intervals:      cfg.Cache.Intervals,
		Store:          store,
		Source:         source,
		FlushInterval:  cfg.Cache.FlushInterval,
		Retention:      cfg.Cache.Retention,
		StoreRetention: cfg.Cache.StoreRetention,
		Logger:         log,
		Metrics:        metrics,
	})

	if cfg.Cache.WarmStart && len(cfg.Feed.EntityRefs) > 0 {
		if _, err := runner.WarmStart(ctx, cfg.Feed.EntityRefs); err != nil {
			return err
		}
	}

	pages := query.NewService(runner, store, query.Limits{
		Default: cfg.Query.DefaultLimit,
		Max:     cfg.Query.MaxLimit,
	}, log, metrics)

	handler := api.NewHandler(pages, metrics.Handler(), statusFunc(cfg, runner), log)
	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, handler, log)

	log.Info("starting",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("feed", cfg.Feed.Enabled),
		zap.String("addr", cfg.HTTP.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func statusFunc(cfg *config.Config, runner *ingestion.Runner) api.StatusFunc {
	intervals := make([]string, 0, len(cfg.Cache.Intervals))
	for _, iv := range cfg.Cache.Intervals {
		intervals = append(intervals, iv.String())
	}

	return func() api.Status {
		st := api.Status{
			Status:         "ok",
			Backend:        cfg.Storage.Backend,
			Intervals:      intervals,
			CacheRecords:   runner.Len(),
			PendingRecords: runner.Pending(),
		}
		if last, ok := runner.LastUpdate(); ok {
			st.LastUpdate = &last
		}
		return st
	}
}
