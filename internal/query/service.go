// Package query serves pages of candles for one entity and interval,
// reading live buckets from the cache and closed ones from the store.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/logger"
	"candle-cache/internal/observability"
	"candle-cache/internal/pager"
	"candle-cache/internal/storage"
)

// ErrBadRequest wraps every request validation failure.
var ErrBadRequest = errors.New("bad request")

var tracer = otel.Tracer("candle-cache/query")

// LiveSource returns copies of records still held in memory.
type LiveSource interface {
	Snapshot(key domain.BucketKey) (*domain.CandleRecord, bool)
}

// Limits bounds page sizes.
type Limits struct {
	Default int
	Max     int
}

// Request selects one page.
type Request struct {
	EntityRef string
	Interval  interval.Interval
	From      time.Time
	To        time.Time
	Cursor    *string
	Limit     int // 0 selects the default
}

// Page is one page of candles in bucket order. Buckets with no data are
// absent. NextCursor is empty on the last page.
type Page struct {
	Candles    []*domain.CandleRecord
	NextCursor string
	Total      int
}

// Service resolves pages.
type Service struct {
	live    LiveSource
	store   storage.CandleStore
	limits  Limits
	log     *logger.Logger
	metrics *observability.Metrics
}

// NewService creates a query service. live may be nil when no cache runs in
// this process.
func NewService(live LiveSource, store storage.CandleStore, limits Limits, log *logger.Logger, metrics *observability.Metrics) *Service {
	if limits.Default <= 0 {
		limits.Default = 500
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = observability.NewRegistryMetrics("")
	}
	return &Service{
		live:    live,
		store:   store,
		limits:  limits,
		log:     log.Named("query"),
		metrics: metrics,
	}
}

func (s *Service) limit(requested int) int {
	switch {
	case requested <= 0:
		return s.limits.Default
	case requested > s.limits.Max:
		return s.limits.Max
	}
	return requested
}

// Page returns the candles of one page. Validation failures wrap
// ErrBadRequest together with the underlying cause.
func (s *Service) Page(ctx context.Context, req Request) (*Page, error) {
	ctx, span := tracer.Start(ctx, "query.Page")
	defer span.End()
	span.SetAttributes(
		attribute.String("candles.entity_ref", req.EntityRef),
		attribute.String("candles.interval", req.Interval.String()),
	)

	if req.EntityRef == "" {
		return nil, fmt.Errorf("%w: entity ref is required", ErrBadRequest)
	}

	limit := s.limit(req.Limit)
	p, err := pager.New(req.EntityRef, req.Interval, req.From, req.To, req.Cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	total := p.TotalBucketCount()
	ids := p.CurrentPageIdentifiers()

	candles, err := s.resolve(ctx, req.EntityRef, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}

	page := &Page{
		Candles: candles,
		Total:   total,
	}
	if len(ids) == limit {
		page.NextCursor, err = s.continuation(req, ids[len(ids)-1])
		if err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("candles.returned", len(candles)))
	s.metrics.RecordPage(req.Interval.String(), len(candles))
	s.log.WithContext(ctx).Debug("page served",
		zap.Int("ids", len(ids)),
		zap.Int("candles", len(candles)),
		zap.String("next_cursor", page.NextCursor))
	return page, nil
}

// continuation returns the cursor of the bucket after lastID, or "" when
// that bucket lies past the requested range.
func (s *Service) continuation(req Request, lastID string) (string, error) {
	key, err := domain.ParseBucketKey(lastID, req.EntityRef)
	if err != nil {
		return "", fmt.Errorf("parse page identifier: %w", err)
	}
	next := req.Interval.BucketEnd(key.Start)
	if next.After(req.Interval.Floor(req.To)) {
		return "", nil
	}
	return pager.EncodeCursor(next), nil
}

// resolve reads each identifier from the live cache first and fetches the
// rest from the store in one call, preserving identifier order.
func (s *Service) resolve(ctx context.Context, ref string, ids []string) ([]*domain.CandleRecord, error) {
	found := make(map[string]*domain.CandleRecord, len(ids))
	missing := make([]string, 0, len(ids))

	for _, id := range ids {
		if s.live != nil {
			key, err := domain.ParseBucketKey(id, ref)
			if err != nil {
				return nil, fmt.Errorf("parse page identifier: %w", err)
			}
			if rec, ok := s.live.Snapshot(key); ok {
				found[id] = rec
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 && s.store != nil {
		stored, err := s.store.GetByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("load candles: %w", err)
		}
		for id, rec := range stored {
			found[id] = rec
		}
	}

	out := make([]*domain.CandleRecord, 0, len(found))
	for _, id := range ids {
		if rec, ok := found[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
