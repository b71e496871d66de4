package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

var (
	day0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	now  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock(t time.Time) domain.Clock {
	return func() time.Time { return t }
}

func newTestCache(intervals ...interval.Interval) *Cache {
	return New(intervals, WithClock(fixedClock(now)))
}

func keys(recs []*domain.CandleRecord) []domain.BucketKey {
	out := make([]domain.BucketKey, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Key)
	}
	return out
}

func TestNew_DedupesAndSorts(t *testing.T) {
	c := New([]interval.Interval{interval.Month, interval.Minute, interval.Day, interval.Minute})

	assert.Equal(t, []interval.Interval{interval.Minute, interval.Day, interval.Month}, c.Intervals())
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, c.Len())

	_, ok := c.LastUpdate()
	assert.False(t, ok)
}

func TestUpdateOrCreate_FanOut(t *testing.T) {
	c := newTestCache(interval.Minute, interval.Hour, interval.Day)
	at := day0.Add(10*time.Minute + 15*time.Second)
	snap := domain.AccountSnapshot{Equity: 1000, Balance: 900, PnL: 100}

	c.UpdateOrCreate(at, "acc", snap.Metrics())

	require.Equal(t, 3, c.Len())
	for _, iv := range c.Intervals() {
		rec, ok := c.Get(domain.NewBucketKey("acc", iv, at))
		require.True(t, ok, "%v", iv)

		eq, _ := rec.Metric(domain.MetricEquity)
		assert.Equal(t, *domain.NewAggregate(1000, now), *eq, "%v", iv)
		assert.Len(t, rec.Aggregates, 3)
	}

	last, ok := c.LastUpdate()
	assert.True(t, ok)
	assert.Equal(t, now, last)
}

func TestUpdateOrCreate_MergesSameBucket(t *testing.T) {
	c := newTestCache(interval.Minute, interval.Hour)

	c.UpdateOrCreate(day0.Add(5*time.Second), "BTC", domain.Quote{Bid: 10, Ask: 11}.Metrics())
	c.UpdateOrCreate(day0.Add(40*time.Second), "BTC", domain.Quote{Bid: 12, Ask: 9}.Metrics())
	c.UpdateOrCreate(day0.Add(70*time.Second), "BTC", domain.Quote{Bid: 8, Ask: 10}.Metrics())

	// two minute buckets and one hour bucket
	assert.Equal(t, 3, c.Len())

	first, ok := c.Get(domain.NewBucketKey("BTC", interval.Minute, day0))
	require.True(t, ok)
	bid, _ := first.Metric(domain.MetricBid)
	assert.Equal(t, 10.0, bid.Open)
	assert.Equal(t, 12.0, bid.Close)
	assert.Equal(t, 12.0, bid.High)

	hour, ok := c.Get(domain.NewBucketKey("BTC", interval.Hour, day0))
	require.True(t, ok)
	bid, _ = hour.Metric(domain.MetricBid)
	assert.Equal(t, 10.0, bid.Open)
	assert.Equal(t, 8.0, bid.Close)
	assert.Equal(t, 8.0, bid.Low)
	assert.Equal(t, 8.0, bid.LowSinceHigh)
}

func TestUpdateOrCreate_SeparatesEntities(t *testing.T) {
	c := newTestCache(interval.Day)

	c.UpdateOrCreate(day0, "a", domain.Values(map[string]float64{"v": 1}))
	c.UpdateOrCreate(day0, "b", domain.Values(map[string]float64{"v": 2}))

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(domain.NewBucketKey("a", interval.Day, day0)))
	assert.True(t, c.Contains(domain.NewBucketKey("b", interval.Day, day0)))
}

func TestUpdateOrCreate_NoIntervals(t *testing.T) {
	c := newTestCache()

	c.UpdateOrCreate(day0, "a", domain.Values(map[string]float64{"v": 1}))

	assert.True(t, c.IsEmpty())
	_, ok := c.LastUpdate()
	assert.True(t, ok)
}

func TestInsertOrReplace(t *testing.T) {
	c := newTestCache(interval.Hour)
	key := domain.NewBucketKey("a", interval.Hour, day0)

	first := domain.NewCandleRecord(key, domain.Values(map[string]float64{"v": 1}), now)
	prev, ok := c.InsertOrReplace(first)
	assert.False(t, ok)
	assert.Nil(t, prev)

	second := domain.NewCandleRecord(key, domain.Values(map[string]float64{"v": 2}), now)
	prev, ok = c.InsertOrReplace(second)
	assert.True(t, ok)
	assert.Same(t, first, prev)

	got, _ := c.Get(key)
	assert.Same(t, second, got)
	assert.Equal(t, 1, c.Len())
}

func TestGetAfter_Empty(t *testing.T) {
	c := newTestCache(interval.Minute)

	recs, ok := c.GetAfter(day0)
	assert.False(t, ok)
	assert.Nil(t, recs)
}

// seedThreeIntervals writes points at 00:10 and 01:30 on day 1 and 00:05 on day 2.
func seedThreeIntervals(c *Cache) {
	m := domain.Values(map[string]float64{"v": 1})
	c.UpdateOrCreate(day0.Add(10*time.Minute), "a", m)
	c.UpdateOrCreate(day0.Add(90*time.Minute), "a", m)
	c.UpdateOrCreate(day0.Add(24*time.Hour+5*time.Minute), "a", m)
}

func TestGetAfter_UsesOwnIntervalFloor(t *testing.T) {
	c := newTestCache(interval.Minute, interval.Hour, interval.Day)
	seedThreeIntervals(c)
	require.Equal(t, 8, c.Len())

	recs, ok := c.GetAfter(day0.Add(105 * time.Minute)) // 01:45
	require.True(t, ok)

	want := []domain.BucketKey{
		domain.NewBucketKey("a", interval.Minute, day0.Add(24*time.Hour+5*time.Minute)),
		domain.NewBucketKey("a", interval.Hour, day0.Add(time.Hour)),
		domain.NewBucketKey("a", interval.Hour, day0.Add(24*time.Hour)),
		domain.NewBucketKey("a", interval.Day, day0),
		domain.NewBucketKey("a", interval.Day, day0.Add(24*time.Hour)),
	}
	assert.Equal(t, want, keys(recs))
}

func TestRemoveBefore_AllIntervals(t *testing.T) {
	c := newTestCache(interval.Minute, interval.Hour, interval.Day)
	seedThreeIntervals(c)

	removed := c.RemoveBefore(day0.Add(105*time.Minute), nil)

	assert.Equal(t, 5, removed)
	want := []domain.BucketKey{
		domain.NewBucketKey("a", interval.Minute, day0.Add(24*time.Hour+5*time.Minute)),
		domain.NewBucketKey("a", interval.Hour, day0.Add(24*time.Hour)),
		domain.NewBucketKey("a", interval.Day, day0.Add(24*time.Hour)),
	}
	assert.Equal(t, want, keys(c.All()))
}

func TestRemoveBefore_Filter(t *testing.T) {
	c := newTestCache(interval.Minute, interval.Hour, interval.Day)
	seedThreeIntervals(c)
	hour := interval.Hour

	removed := c.RemoveBefore(day0.Add(105*time.Minute), &hour)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 6, c.Len())
	assert.False(t, c.Contains(domain.NewBucketKey("a", interval.Hour, day0)))
	assert.False(t, c.Contains(domain.NewBucketKey("a", interval.Hour, day0.Add(time.Hour))))
	assert.True(t, c.Contains(domain.NewBucketKey("a", interval.Minute, day0.Add(10*time.Minute))))
}

func TestRemoveBefore_ComplementsGetAfter(t *testing.T) {
	instants := []time.Time{
		day0,
		day0.Add(10 * time.Minute),
		day0.Add(105 * time.Minute),
		day0.Add(24 * time.Hour),
		day0.Add(48 * time.Hour),
	}

	for _, d := range instants {
		c := newTestCache(interval.Minute, interval.Hour, interval.Day, interval.Month)
		seedThreeIntervals(c)

		before := map[domain.BucketKey]bool{}
		if recs, ok := c.GetAfter(d); ok {
			for _, r := range recs {
				before[r.Key] = true
			}
		}
		all := keys(c.All())

		c.RemoveBefore(d, nil)

		evicted := map[domain.BucketKey]bool{}
		for _, k := range all {
			if !c.Contains(k) {
				evicted[k] = true
			}
		}

		want := map[domain.BucketKey]bool{}
		for k := range before {
			if !evicted[k] {
				want[k] = true
			}
		}

		got := map[domain.BucketKey]bool{}
		if recs, ok := c.GetAfter(d); ok {
			for _, r := range recs {
				got[r.Key] = true
			}
		}
		assert.Equal(t, want, got, "instant %v", d)

		for _, r := range c.All() {
			assert.True(t, r.Key.Start.After(r.Key.Interval.Floor(d)), "survivor %v at %v", r.Key, d)
		}
	}
}

func TestGetAfter_PanicsOnUntrackedInterval(t *testing.T) {
	c := newTestCache(interval.Minute)
	key := domain.NewBucketKey("a", interval.Month, day0)
	c.InsertOrReplace(domain.NewCandleRecord(key, domain.Values(map[string]float64{"v": 1}), now))

	assert.Panics(t, func() { c.GetAfter(day0) })
	assert.Panics(t, func() { c.RemoveBefore(day0, nil) })
}

func TestAll_Sorted(t *testing.T) {
	c := newTestCache(interval.Day, interval.Minute)
	m := domain.Values(map[string]float64{"v": 1})
	c.UpdateOrCreate(day0, "b", m)
	c.UpdateOrCreate(day0, "a", m)

	got := keys(c.All())

	want := []domain.BucketKey{
		domain.NewBucketKey("a", interval.Minute, day0),
		domain.NewBucketKey("a", interval.Day, day0),
		domain.NewBucketKey("b", interval.Minute, day0),
		domain.NewBucketKey("b", interval.Day, day0),
	}
	assert.Equal(t, want, got)
}
