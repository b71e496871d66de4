package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"candle-cache/internal/config"
	"candle-cache/internal/logger"
	"candle-cache/internal/observability"
	"candle-cache/internal/storage"
	chstore "candle-cache/internal/storage/clickhouse"
	"candle-cache/internal/storage/memory"
	"candle-cache/internal/storage/migrations"
	pgstore "candle-cache/internal/storage/postgres"
	redisstore "candle-cache/internal/storage/redis"
)

// openStore connects to the configured backend, applying migrations for the
// SQL backends. The returned cleanup closes the connection.
func openStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger, metrics *observability.Metrics) (storage.CandleStore, func(), error) {
	var (
		store   storage.CandleStore
		cleanup = func() {}
	)

	switch cfg.Backend {
	case config.BackendMemory:
		store = memory.NewCandleStore()

	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, nil, err
		}
		applied, err := migrations.RunPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("postgres migrations applied", zap.Strings("files", applied))
		store = pgstore.NewCandleStore(pool)
		cleanup = pool.Close

	case config.BackendClickhouse:
		conn, applied, err := migrations.RunClickhouse(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate clickhouse: %w", err)
		}
		log.Info("clickhouse migrations applied", zap.Strings("files", applied))
		store = chstore.NewCandleStore(conn)
		cleanup = func() { _ = conn.Close() }

	case config.BackendRedis:
		rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store = redisstore.NewCandleStore(rdb, redisstore.Options{
			KeyPrefix: cfg.RedisKeyPrefix,
			TTL:       cfg.RedisTTL,
		})
		cleanup = func() { _ = rdb.Close() }

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	log.Info("store ready", zap.String("backend", cfg.Backend))
	if metrics != nil {
		store = storage.Instrument(store, cfg.Backend, metrics)
	}
	return store, cleanup, nil
}
