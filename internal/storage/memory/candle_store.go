package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.CandleRecord // keyed by candle identifier
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[string]*domain.CandleRecord),
	}
}

// Upsert writes records, replacing any stored record with the same identifier.
func (s *CandleStore) Upsert(_ context.Context, records []*domain.CandleRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.data[r.ID()] = r.Clone()
	}
	return nil
}

// GetByIDs returns copies of the stored records for ids.
func (s *CandleStore) GetByIDs(_ context.Context, ids []string) (map[string]*domain.CandleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*domain.CandleRecord, len(ids))
	for _, id := range ids {
		if r, ok := s.data[id]; ok {
			result[id] = r.Clone()
		}
	}
	return result, nil
}

// GetByRange returns records of one entity and interval within the floored range, ordered by bucket start ASC.
func (s *CandleStore) GetByRange(_ context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error) {
	lo, hi := iv.Floor(from), iv.Floor(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CandleRecord
	for _, r := range s.data {
		if r.Key.EntityRef != entityRef || r.Key.Interval != iv {
			continue
		}
		if r.Key.Start.Before(lo) || r.Key.Start.After(hi) {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.Start.Before(result[j].Key.Start)
	})

	return result, nil
}

// DeleteBefore removes records of iv whose bucket starts at or before iv.Floor(before).
func (s *CandleStore) DeleteBefore(_ context.Context, iv interval.Interval, before time.Time) (int64, error) {
	cutoff := iv.Floor(before)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, r := range s.data {
		if r.Key.Interval == iv && !r.Key.Start.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *CandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ storage.CandleStore = (*CandleStore)(nil)
