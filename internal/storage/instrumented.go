package storage

import (
	"context"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

// QueryRecorder receives the latency and outcome of each store call.
type QueryRecorder interface {
	RecordStoreQuery(backend, operation string, elapsed time.Duration, err error)
}

// Instrumented wraps a CandleStore and reports every call to a QueryRecorder.
type Instrumented struct {
	next     CandleStore
	backend  string
	recorder QueryRecorder
}

// Instrument wraps next. A nil recorder returns next unchanged.
func Instrument(next CandleStore, backend string, recorder QueryRecorder) CandleStore {
	if recorder == nil {
		return next
	}
	return &Instrumented{next: next, backend: backend, recorder: recorder}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.recorder.RecordStoreQuery(s.backend, op, time.Since(start), err)
}

// Upsert implements CandleStore.
func (s *Instrumented) Upsert(ctx context.Context, records []*domain.CandleRecord) error {
	start := time.Now()
	err := s.next.Upsert(ctx, records)
	s.observe("upsert", start, err)
	return err
}

// GetByIDs implements CandleStore.
func (s *Instrumented) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.CandleRecord, error) {
	start := time.Now()
	out, err := s.next.GetByIDs(ctx, ids)
	s.observe("get_by_ids", start, err)
	return out, err
}

// GetByRange implements CandleStore.
func (s *Instrumented) GetByRange(ctx context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error) {
	start := time.Now()
	out, err := s.next.GetByRange(ctx, entityRef, iv, from, to)
	s.observe("get_by_range", start, err)
	return out, err
}

// DeleteBefore implements CandleStore.
func (s *Instrumented) DeleteBefore(ctx context.Context, iv interval.Interval, before time.Time) (int64, error) {
	start := time.Now()
	n, err := s.next.DeleteBefore(ctx, iv, before)
	s.observe("delete_before", start, err)
	return n, err
}
