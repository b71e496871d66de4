// Package cache holds candle records for a fixed set of intervals and fans
// every point update out to one record per interval.
//
// A Cache is not safe for concurrent use. Callers sharing one across
// goroutines must serialize access.
package cache

import (
	"fmt"
	"sort"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

// Cache maps bucket keys to candle records.
type Cache struct {
	intervals  []interval.Interval
	records    map[domain.BucketKey]*domain.CandleRecord
	lastUpdate time.Time
	updated    bool
	clock      domain.Clock
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for update timestamps.
func WithClock(clock domain.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates an empty cache tracking the given intervals. Duplicates are
// dropped and the set is sorted by granularity. An empty set is legal and
// yields a cache that never stores anything through UpdateOrCreate.
func New(intervals []interval.Interval, opts ...Option) *Cache {
	c := &Cache{
		intervals: interval.Dedupe(intervals),
		records:   make(map[domain.BucketKey]*domain.CandleRecord),
		clock:     domain.SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Intervals returns the tracked intervals in granularity order.
func (c *Cache) Intervals() []interval.Interval {
	out := make([]interval.Interval, len(c.intervals))
	copy(out, c.intervals)
	return out
}

// InsertOrReplace stores rec under its key and returns the record it replaced.
// The record's interval is expected to be one of the tracked intervals.
func (c *Cache) InsertOrReplace(rec *domain.CandleRecord) (*domain.CandleRecord, bool) {
	prev, ok := c.records[rec.Key]
	c.records[rec.Key] = rec
	return prev, ok
}

// UpdateOrCreate applies metrics to the bucket containing t for every tracked
// interval, creating records that do not exist yet.
func (c *Cache) UpdateOrCreate(t time.Time, entityRef string, metrics domain.Metrics) {
	now := c.clock()

	for _, iv := range c.intervals {
		key := domain.NewBucketKey(entityRef, iv, t)
		if rec, ok := c.records[key]; ok {
			rec.Update(metrics, now)
			continue
		}
		c.records[key] = domain.NewCandleRecord(key, metrics, now)
	}

	c.lastUpdate = now
	c.updated = true
}

// GetAfter returns every record whose bucket starts at or after the floor of
// t in the record's own interval. It reports false when the cache is empty.
func (c *Cache) GetAfter(t time.Time) ([]*domain.CandleRecord, bool) {
	if len(c.records) == 0 {
		return nil, false
	}

	floors := interval.FloorAll(c.intervals, t)
	out := make([]*domain.CandleRecord, 0, len(c.records))
	for key, rec := range c.records {
		if !key.Start.Before(mustFloor(floors, key.Interval)) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, true
}

// RemoveBefore evicts records whose bucket starts at or before the floor of t
// and returns how many were removed. With a filter only records of that
// interval are considered; otherwise each record is compared against the
// floor of its own interval.
func (c *Cache) RemoveBefore(t time.Time, filter *interval.Interval) int {
	removed := 0

	if filter != nil {
		floor := filter.Floor(t)
		for key := range c.records {
			if key.Interval == *filter && !key.Start.After(floor) {
				delete(c.records, key)
				removed++
			}
		}
		return removed
	}

	floors := interval.FloorAll(c.intervals, t)
	for key := range c.records {
		if !key.Start.After(mustFloor(floors, key.Interval)) {
			delete(c.records, key)
			removed++
		}
	}
	return removed
}

// Get returns the record stored at key.
func (c *Cache) Get(key domain.BucketKey) (*domain.CandleRecord, bool) {
	rec, ok := c.records[key]
	return rec, ok
}

// Contains reports whether a record is stored at key.
func (c *Cache) Contains(key domain.BucketKey) bool {
	_, ok := c.records[key]
	return ok
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	return len(c.records)
}

// IsEmpty reports whether the cache holds no records.
func (c *Cache) IsEmpty() bool {
	return len(c.records) == 0
}

// LastUpdate returns the time of the most recent UpdateOrCreate call.
func (c *Cache) LastUpdate() (time.Time, bool) {
	return c.lastUpdate, c.updated
}

// All returns every stored record ordered by key.
func (c *Cache) All() []*domain.CandleRecord {
	out := make([]*domain.CandleRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func mustFloor(floors map[interval.Interval]time.Time, iv interval.Interval) time.Time {
	floor, ok := floors[iv]
	if !ok {
		panic(fmt.Sprintf("cache: no floor computed for interval %v", iv))
	}
	return floor
}

func sortRecords(recs []*domain.CandleRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key.Less(recs[j].Key)
	})
}
