package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/storage"
)

const candleColumns = `
	id, metric, entity_ref, interval_id, bucket_start,
	open, high, low, close, low_since_high, volume, last_update`

// CandleStore implements storage.CandleStore using PostgreSQL.
type CandleStore struct {
	pool *Pool
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(pool *Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Upsert replaces records by identifier in one transaction. Metrics a
// replaced record no longer carries are dropped.
func (s *CandleStore) Upsert(ctx context.Context, records []*domain.CandleRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM candles WHERE id = ANY($1)`, ids)

	query := `
		INSERT INTO candles (` + candleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id, metric) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			low_since_high = EXCLUDED.low_since_high,
			volume = EXCLUDED.volume,
			last_update = EXCLUDED.last_update
	`
	for _, row := range storage.FlattenRecords(records) {
		batch.Queue(query,
			row.ID, row.Metric, row.EntityRef, int16(row.Interval.Discriminant()), row.BucketStart,
			row.Open, row.High, row.Low, row.Close, row.LowSinceHigh, row.Volume, row.LastUpdate,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert candles: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByIDs returns the stored records for ids.
func (s *CandleStore) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.CandleRecord, error) {
	if len(ids) == 0 {
		return map[string]*domain.CandleRecord{}, nil
	}

	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE id = ANY($1)
		ORDER BY id, metric
	`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query candles by id: %w", err)
	}

	result, err := collectCandleRows(rows)
	if err != nil {
		return nil, err
	}
	return storage.IndexByID(storage.AssembleRecords(result)), nil
}

// GetByRange returns records of one entity and interval within the floored range, ordered by bucket start ASC.
func (s *CandleStore) GetByRange(ctx context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE entity_ref = $1 AND interval_id = $2 AND bucket_start BETWEEN $3 AND $4
		ORDER BY bucket_start ASC, metric ASC
	`

	rows, err := s.pool.Query(ctx, query, entityRef, int16(iv.Discriminant()), iv.Floor(from), iv.Floor(to))
	if err != nil {
		return nil, fmt.Errorf("query candles by range: %w", err)
	}

	result, err := collectCandleRows(rows)
	if err != nil {
		return nil, err
	}
	return storage.AssembleRecords(result), nil
}

// DeleteBefore removes records of iv whose bucket starts at or before iv.Floor(before).
func (s *CandleStore) DeleteBefore(ctx context.Context, iv interval.Interval, before time.Time) (int64, error) {
	query := `
		WITH deleted AS (
			DELETE FROM candles
			WHERE interval_id = $1 AND bucket_start <= $2
			RETURNING id
		)
		SELECT count(DISTINCT id) FROM deleted
	`

	var removed int64
	if err := s.pool.QueryRow(ctx, query, int16(iv.Discriminant()), iv.Floor(before)).Scan(&removed); err != nil {
		return 0, fmt.Errorf("delete candles: %w", err)
	}
	return removed, nil
}

func collectCandleRows(rows pgx.Rows) ([]storage.CandleRow, error) {
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.CandleRow, error) {
		var r storage.CandleRow
		var ivID int16
		err := row.Scan(
			&r.ID, &r.Metric, &r.EntityRef, &ivID, &r.BucketStart,
			&r.Open, &r.High, &r.Low, &r.Close, &r.LowSinceHigh, &r.Volume, &r.LastUpdate,
		)
		if err != nil {
			return r, err
		}
		r.Interval, err = interval.FromDiscriminant(int(ivID))
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan candles: %w", err)
	}
	return result, nil
}
