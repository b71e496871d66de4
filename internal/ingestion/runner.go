// Package ingestion applies ticks to the candle cache and keeps the store in
// step with it.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"candle-cache/internal/cache"
	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/logger"
	"candle-cache/internal/observability"
	"candle-cache/internal/storage"
)

const (
	shutdownFlushTimeout = 10 * time.Second
	restoreTimeout       = 5 * time.Second
)

var tracer = otel.Tracer("candle-cache/ingestion")

// TickSource produces ticks until ctx is cancelled, then closes the channel.
type TickSource interface {
	Stream(ctx context.Context) <-chan domain.Tick
}

// Runner owns one cache and serializes every access to it.
type Runner struct {
	mu    sync.Mutex
	cache *cache.Cache
	dirty map[domain.BucketKey]struct{}

	store          storage.CandleStore
	source         TickSource
	flushInterval  time.Duration
	retention      time.Duration // 0 keeps closed buckets in memory
	storeRetention time.Duration // 0 keeps persisted buckets
	clock          domain.Clock
	log            *logger.Logger
	metrics        *observability.Metrics
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Intervals      []interval.Interval
	Store          storage.CandleStore
	Source         TickSource    // optional; Apply can be used directly
	FlushInterval  time.Duration // Default: 5s
	Retention      time.Duration
	StoreRetention time.Duration
	Clock          domain.Clock
	Logger         *logger.Logger
	Metrics        *observability.Metrics
}

// NewRunner creates a runner with an empty cache.
func NewRunner(opts RunnerOptions) *Runner {
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	clock := opts.Clock
	if clock == nil {
		clock = domain.SystemClock
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewRegistryMetrics("")
	}

	return &Runner{
		cache:          cache.New(opts.Intervals, cache.WithClock(clock)),
		dirty:          make(map[domain.BucketKey]struct{}),
		store:          opts.Store,
		source:         opts.Source,
		flushInterval:  flushInterval,
		retention:      opts.Retention,
		storeRetention: opts.StoreRetention,
		clock:          clock,
		log:            log.Named("ingestion"),
		metrics:        metrics,
	}
}

// Intervals returns the intervals the cache tracks.
func (r *Runner) Intervals() []interval.Interval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Intervals()
}

// Apply fans tick out to every tracked interval. A tick landing in a closed
// bucket that is no longer cached is merged into the stored candle.
func (r *Runner) Apply(tick domain.Tick) {
	r.restoreClosed([]domain.Tick{tick})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(tick)
	r.metrics.SetCacheSize(r.cache.Len())
}

// ApplyBatch sorts ticks into deterministic order and applies them under a
// single lock acquisition.
func (r *Runner) ApplyBatch(ticks []domain.Tick) {
	SortTicks(ticks)
	r.restoreClosed(ticks)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tick := range ticks {
		r.applyLocked(tick)
	}
	r.metrics.SetCacheSize(r.cache.Len())
}

func (r *Runner) applyLocked(tick domain.Tick) {
	created, updated := 0, 0
	for _, iv := range r.cache.Intervals() {
		key := domain.NewBucketKey(tick.EntityRef, iv, tick.Time)
		if r.cache.Contains(key) {
			updated++
		} else {
			created++
		}
		r.dirty[key] = struct{}{}
	}

	r.cache.UpdateOrCreate(tick.Time, tick.EntityRef, tick.Metrics)
	r.metrics.RecordTick(tick.Time, created, updated)
}

// restoreClosed loads stored records for closed buckets the ticks touch but
// the cache no longer holds, so the next flush extends them instead of
// replacing them. A failed load is logged and the ticks seed fresh records.
func (r *Runner) restoreClosed(ticks []domain.Tick) {
	now := r.clock()

	r.mu.Lock()
	seen := make(map[domain.BucketKey]struct{})
	var ids []string
	for _, tick := range ticks {
		for _, iv := range r.cache.Intervals() {
			key := domain.NewBucketKey(tick.EntityRef, iv, tick.Time)
			if !key.Start.Before(iv.Floor(now)) || r.cache.Contains(key) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, key.ID())
		}
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	stored, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		r.log.Warn("restore closed buckets failed", zap.Error(err), zap.Int("ids", len(ids)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, rec := range stored {
		if !r.cache.Contains(rec.Key) {
			r.cache.InsertOrReplace(rec)
			restored++
		}
	}
	if restored > 0 {
		r.log.Debug("restored closed buckets", zap.Int("records", restored))
	}
}

// Snapshot returns a copy of the live record at key.
func (r *Runner) Snapshot(key domain.BucketKey) (*domain.CandleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// After returns copies of live records whose bucket starts at or after the
// floor of t in their own interval.
func (r *Runner) After(t time.Time) []*domain.CandleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, ok := r.cache.GetAfter(t)
	if !ok {
		return nil
	}
	out := make([]*domain.CandleRecord, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of live records.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// LastUpdate returns when the cache last applied a tick.
func (r *Runner) LastUpdate() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.LastUpdate()
}

// Pending returns how many records changed since the last successful flush.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dirty)
}

// Flush writes records changed since the previous flush to the store. On
// failure the records stay pending for the next attempt.
func (r *Runner) Flush(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ingestion.Flush")
	defer span.End()

	batch, keys := r.takeDirty()
	span.SetAttributes(attribute.Int("candles.records", len(batch)))
	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	err := r.store.Upsert(ctx, batch)
	r.metrics.RecordFlush(len(batch), time.Since(start), err)
	if err != nil {
		r.restoreDirty(keys)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return 0, fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	r.log.Debug("flushed", zap.Int("records", len(batch)), zap.Duration("took", time.Since(start)))
	return len(batch), nil
}

func (r *Runner) takeDirty() ([]*domain.CandleRecord, []domain.BucketKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make([]*domain.CandleRecord, 0, len(r.dirty))
	keys := make([]domain.BucketKey, 0, len(r.dirty))
	for key := range r.dirty {
		if rec, ok := r.cache.Get(key); ok {
			batch = append(batch, rec.Clone())
			keys = append(keys, key)
		}
	}
	clear(r.dirty)
	return batch, keys
}

func (r *Runner) restoreDirty(keys []domain.BucketKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		r.dirty[key] = struct{}{}
	}
}

// Evict drops closed buckets older than the retention horizon from the
// cache and, when store retention is set, from the store. The bucket that
// contains now is never evicted, and Infinity buckets are always kept.
func (r *Runner) Evict(ctx context.Context) (int, int64, error) {
	now := r.clock()
	intervals := r.Intervals()

	cacheRemoved := 0
	if r.retention > 0 {
		r.mu.Lock()
		for _, iv := range intervals {
			if iv == interval.Infinity {
				continue
			}
			cacheRemoved += r.cache.RemoveBefore(horizon(iv, now, r.retention), &iv)
		}
		for key := range r.dirty {
			if !r.cache.Contains(key) {
				delete(r.dirty, key)
			}
		}
		r.metrics.SetCacheSize(r.cache.Len())
		r.mu.Unlock()
		r.metrics.RecordEviction("cache", int64(cacheRemoved))
	}

	var storeRemoved int64
	if r.storeRetention > 0 {
		var errs []error
		for _, iv := range intervals {
			if iv == interval.Infinity {
				continue
			}
			n, err := r.store.DeleteBefore(ctx, iv, horizon(iv, now, r.storeRetention))
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %v buckets: %w", iv, err))
				continue
			}
			storeRemoved += n
		}
		r.metrics.RecordEviction("store", storeRemoved)
		if err := errors.Join(errs...); err != nil {
			return cacheRemoved, storeRemoved, err
		}
	}

	return cacheRemoved, storeRemoved, nil
}

// horizon returns the eviction instant for iv, clamped so that the bucket
// containing now survives.
func horizon(iv interval.Interval, now time.Time, retention time.Duration) time.Time {
	h := now.Add(-retention)
	open := iv.Floor(now)
	if !h.Before(open) {
		h = open.Add(-time.Second)
	}
	return h
}

// WarmStart loads the open bucket of every tracked interval for refs from
// the store so that later flushes extend persisted candles instead of
// replacing them. Records already live in the cache are left untouched.
// Closed buckets are restored on demand when a late tick reaches them.
func (r *Runner) WarmStart(ctx context.Context, refs []string) (int, error) {
	now := r.clock()
	loaded := 0

	for _, ref := range refs {
		for _, iv := range r.Intervals() {
			recs, err := r.store.GetByRange(ctx, ref, iv, now, now)
			if err != nil {
				return loaded, fmt.Errorf("warm start %s %v: %w", ref, iv, err)
			}

			r.mu.Lock()
			for _, rec := range recs {
				if !r.cache.Contains(rec.Key) {
					r.cache.InsertOrReplace(rec)
					loaded++
				}
			}
			r.mu.Unlock()
		}
	}

	r.metrics.SetCacheSize(r.Len())
	r.log.Info("warm start complete", zap.Int("records", loaded), zap.Strings("refs", refs))
	return loaded, nil
}

// Run consumes the source, flushing and evicting every flush interval.
// It blocks until ctx is cancelled and then performs a final flush.
func (r *Runner) Run(ctx context.Context) error {
	var ticks <-chan domain.Tick
	if r.source != nil {
		ticks = r.source.Stream(ctx)
	}

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	r.log.Info("runner started",
		zap.Stringers("intervals", r.Intervals()),
		zap.Duration("flush_interval", r.flushInterval),
		zap.Duration("retention", r.retention))

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx)

		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				if ctx.Err() == nil {
					r.log.Warn("tick source closed")
				}
				continue
			}
			r.Apply(tick)

		case <-ticker.C:
			r.maintain(ctx)
		}
	}
}

func (r *Runner) maintain(ctx context.Context) {
	if _, err := r.Flush(ctx); err != nil {
		// Evicting now could drop records the store never saw.
		r.log.Error("flush failed", zap.Error(err), zap.Int("pending", r.Pending()))
		return
	}

	cacheRemoved, storeRemoved, err := r.Evict(ctx)
	if err != nil {
		r.log.Error("store eviction failed", zap.Error(err))
	}
	if cacheRemoved > 0 || storeRemoved > 0 {
		r.log.Info("evicted", zap.Int("cache", cacheRemoved), zap.Int64("store", storeRemoved))
	}
}

func (r *Runner) shutdown(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()

	n, err := r.Flush(flushCtx)
	if err != nil {
		r.log.Error("final flush failed", zap.Error(err))
		return err
	}
	r.log.Info("runner stopped", zap.Int("flushed", n))
	return nil
}
