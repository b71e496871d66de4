package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"candle-cache/internal/ingestion"
	"candle-cache/internal/observability"
)

func replayCmd() *cobra.Command {
	var (
		file      string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Aggregate recorded tick frames (JSON lines) into the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var in io.Reader = os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}

			runner := ingestion.NewRunner(ingestion.RunnerOptions{
				Intervals: cfg.Cache.Intervals,
				Store:     store,
				Logger:    log,
				Metrics:   metrics,
			})
			replayer := ingestion.NewReplayer(ingestion.ReplayerOptions{
				Runner:    runner,
				BatchSize: batchSize,
				Logger:    log,
			})

			result, err := replayer.Replay(ctx, in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&file, "file", "-", "JSON lines file of tick frames, - for stdin")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10000, "ticks applied between flushes")
	return cmd
}
