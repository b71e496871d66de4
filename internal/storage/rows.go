package storage

import (
	"fmt"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

// CandleRow is one (bucket, metric) pair as stored by the SQL backends.
type CandleRow struct {
	ID           string
	EntityRef    string
	Interval     interval.Interval
	BucketStart  time.Time
	Metric       string
	Open         float64
	High         float64
	Low          float64
	Close        float64
	LowSinceHigh float64
	Volume       float64
	LastUpdate   time.Time
}

// ValidateRecords checks records before a write.
func ValidateRecords(records []*domain.CandleRecord) error {
	for i, r := range records {
		switch {
		case r == nil:
			return fmt.Errorf("%w: record %d is nil", ErrInvalidInput, i)
		case r.Key.EntityRef == "":
			return fmt.Errorf("%w: record %d has no entity reference", ErrInvalidInput, i)
		case !r.Key.Interval.IsValid():
			return fmt.Errorf("%w: record %d has unknown interval %d", ErrInvalidInput, i, r.Key.Interval.Discriminant())
		case len(r.Aggregates) == 0:
			return fmt.Errorf("%w: record %s has no metrics", ErrInvalidInput, r.ID())
		}
	}
	return nil
}

// FlattenRecords expands records into one row per metric, metrics in name order.
func FlattenRecords(records []*domain.CandleRecord) []CandleRow {
	var rows []CandleRow
	for _, r := range records {
		id := r.ID()
		for _, name := range r.Names() {
			a := r.Aggregates[name]
			rows = append(rows, CandleRow{
				ID:           id,
				EntityRef:    r.Key.EntityRef,
				Interval:     r.Key.Interval,
				BucketStart:  r.Key.Start,
				Metric:       name,
				Open:         a.Open,
				High:         a.High,
				Low:          a.Low,
				Close:        a.Close,
				LowSinceHigh: a.LowSinceHigh,
				Volume:       a.Volume,
				LastUpdate:   a.LastUpdate,
			})
		}
	}
	return rows
}

// AssembleRecords groups rows by identifier, keeping first-seen order.
func AssembleRecords(rows []CandleRow) []*domain.CandleRecord {
	byID := make(map[string]*domain.CandleRecord)
	var out []*domain.CandleRecord

	for _, row := range rows {
		rec, ok := byID[row.ID]
		if !ok {
			rec = &domain.CandleRecord{
				Key: domain.BucketKey{
					EntityRef: row.EntityRef,
					Interval:  row.Interval,
					Start:     row.Interval.Floor(row.BucketStart),
				},
				Aggregates: make(map[string]*domain.Aggregate),
			}
			byID[row.ID] = rec
			out = append(out, rec)
		}
		rec.Aggregates[row.Metric] = &domain.Aggregate{
			Open:         row.Open,
			High:         row.High,
			Low:          row.Low,
			Close:        row.Close,
			LowSinceHigh: row.LowSinceHigh,
			Volume:       row.Volume,
			LastUpdate:   row.LastUpdate.UTC(),
		}
	}
	return out
}

// IndexByID maps records by identifier.
func IndexByID(records []*domain.CandleRecord) map[string]*domain.CandleRecord {
	out := make(map[string]*domain.CandleRecord, len(records))
	for _, r := range records {
		out[r.ID()] = r
	}
	return out
}
