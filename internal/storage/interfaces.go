package storage

import (
	"context"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

// CandleStore persists candle records keyed by their wire identifier.
type CandleStore interface {
	// Upsert writes records, replacing any stored record with the same identifier.
	// Metrics the replacing record does not carry are removed.
	// Returns ErrInvalidInput if a record is nil, has no entity or no metrics.
	Upsert(ctx context.Context, records []*domain.CandleRecord) error

	// GetByIDs returns the stored records for the given identifiers.
	// Unknown identifiers are absent from the result.
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.CandleRecord, error)

	// GetByRange returns records of one entity and interval whose bucket starts
	// within [iv.Floor(from), iv.Floor(to)], ordered by bucket start ASC.
	GetByRange(ctx context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error)

	// DeleteBefore removes records of one interval whose bucket starts at or
	// before iv.Floor(before). Returns the number of buckets removed.
	DeleteBefore(ctx context.Context, iv interval.Interval, before time.Time) (int64, error)
}
