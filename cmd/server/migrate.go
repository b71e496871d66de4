package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"candle-cache/internal/config"
	"candle-cache/internal/storage/migrations"
	pgstore "candle-cache/internal/storage/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations for the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()

			var applied []string
			switch cfg.Storage.Backend {
			case config.BackendPostgres:
				pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.PostgresMaxConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				if applied, err = migrations.RunPostgres(ctx, pool); err != nil {
					return fmt.Errorf("migrate postgres: %w", err)
				}

			case config.BackendClickhouse:
				conn, files, err := migrations.RunClickhouse(ctx, cfg.Storage.ClickhouseDSN)
				if err != nil {
					return fmt.Errorf("migrate clickhouse: %w", err)
				}
				_ = conn.Close()
				applied = files

			default:
				log.Info("backend has no schema", zap.String("backend", cfg.Storage.Backend))
				return nil
			}

			log.Info("migrations applied",
				zap.String("backend", cfg.Storage.Backend),
				zap.Strings("files", applied))
			return nil
		},
	}
}
