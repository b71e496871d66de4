// Command server runs the candle cache: live tick ingestion, periodic
// flushes to the configured store and the HTTP page API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"candle-cache/internal/config"
	"candle-cache/internal/logger"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "candle-cache",
		Short:         "OHLC candle cache with a cursor-paged HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env CANDLES_* overrides)")

	root.AddCommand(serveCmd(), migrateCmd(), replayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
