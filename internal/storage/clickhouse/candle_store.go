package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/storage"
)

const candleColumns = `
	id, metric, entity_ref, interval_id, bucket_start,
	open, high, low, close, low_since_high, volume, last_update`

// chRows abstracts clickhouse rows for scanning.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// CandleStore implements storage.CandleStore using ClickHouse.
//
// The table is a ReplacingMergeTree keyed by (entity, interval, bucket,
// metric), so an upsert is a plain insert and reads use FINAL.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Upsert inserts one row per metric. Newer last_update wins on merge.
// Rows for metrics a replacing record no longer carries are deleted first.
func (s *CandleStore) Upsert(ctx context.Context, records []*domain.CandleRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}
	if err := s.dropStaleMetrics(ctx, records); err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO candles (`+candleColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range storage.FlattenRecords(records) {
		err = batch.Append(
			row.ID, row.Metric, row.EntityRef, uint8(row.Interval.Discriminant()), row.BucketStart,
			row.Open, row.High, row.Low, row.Close, row.LowSinceHigh, row.Volume, row.LastUpdate,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// dropStaleMetrics removes stored rows of the records' buckets whose metric
// is not part of the replacing record. Records are grouped by metric set so
// one statement covers every record of the same payload kind.
func (s *CandleStore) dropStaleMetrics(ctx context.Context, records []*domain.CandleRecord) error {
	type group struct {
		ids     []string
		metrics []string
	}
	groups := make(map[string]*group)
	for _, r := range records {
		names := r.Names()
		sig := strings.Join(names, "\x00")
		g, ok := groups[sig]
		if !ok {
			g = &group{metrics: names}
			groups[sig] = g
		}
		g.ids = append(g.ids, r.ID())
	}

	for _, g := range groups {
		var stale uint64
		err := s.conn.QueryRow(ctx, `
			SELECT count() FROM candles
			WHERE has(?, id) AND NOT has(?, metric)
		`, g.ids, g.metrics).Scan(&stale)
		if err != nil {
			return fmt.Errorf("count stale metrics: %w", err)
		}
		if stale == 0 {
			continue
		}
		if err := s.conn.Exec(ctx, `DELETE FROM candles WHERE has(?, id) AND NOT has(?, metric)`, g.ids, g.metrics); err != nil {
			return fmt.Errorf("delete stale metrics: %w", err)
		}
	}
	return nil
}

// GetByIDs returns the stored records for ids.
func (s *CandleStore) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.CandleRecord, error) {
	if len(ids) == 0 {
		return map[string]*domain.CandleRecord{}, nil
	}

	query := `SELECT ` + candleColumns + `
		FROM candles FINAL
		WHERE has(?, id)
		ORDER BY id ASC, metric ASC
	`

	rows, err := s.conn.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query candles by id: %w", err)
	}
	defer rows.Close()

	result, err := scanCandleRows(rows)
	if err != nil {
		return nil, err
	}
	return storage.IndexByID(storage.AssembleRecords(result)), nil
}

// GetByRange returns records of one entity and interval within the floored range, ordered by bucket start ASC.
func (s *CandleStore) GetByRange(ctx context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles FINAL
		WHERE entity_ref = ? AND interval_id = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start ASC, metric ASC
	`

	rows, err := s.conn.Query(ctx, query, entityRef, uint8(iv.Discriminant()), iv.Floor(from), iv.Floor(to))
	if err != nil {
		return nil, fmt.Errorf("query candles by range: %w", err)
	}
	defer rows.Close()

	result, err := scanCandleRows(rows)
	if err != nil {
		return nil, err
	}
	return storage.AssembleRecords(result), nil
}

// DeleteBefore removes records of iv whose bucket starts at or before
// iv.Floor(before). The mutation runs synchronously.
func (s *CandleStore) DeleteBefore(ctx context.Context, iv interval.Interval, before time.Time) (int64, error) {
	cutoff := iv.Floor(before)
	ivID := uint8(iv.Discriminant())

	var removed uint64
	err := s.conn.QueryRow(ctx, `
		SELECT uniqExact(id) FROM candles FINAL
		WHERE interval_id = ? AND bucket_start <= ?
	`, ivID, cutoff).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("count expired candles: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
	if err := s.conn.Exec(ctx, `ALTER TABLE candles DELETE WHERE interval_id = ? AND bucket_start <= ?`, ivID, cutoff); err != nil {
		return 0, fmt.Errorf("delete candles: %w", err)
	}
	return int64(removed), nil
}

func scanCandleRows(rows chRows) ([]storage.CandleRow, error) {
	var result []storage.CandleRow
	for rows.Next() {
		var r storage.CandleRow
		var ivID uint8
		err := rows.Scan(
			&r.ID, &r.Metric, &r.EntityRef, &ivID, &r.BucketStart,
			&r.Open, &r.High, &r.Low, &r.Close, &r.LowSinceHigh, &r.Volume, &r.LastUpdate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		if r.Interval, err = interval.FromDiscriminant(int(ivID)); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}
	return result, nil
}
