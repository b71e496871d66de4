package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-cache/internal/interval"
)

func TestNewCandleRecord_SeedsFromMetrics(t *testing.T) {
	key := NewBucketKey("BTCUSDT", interval.Minute, t0)
	q := Quote{Bid: 100, Ask: 101, BidVolume: 2, AskVolume: 3}

	r := NewCandleRecord(key, q.Metrics(), t0)

	require.Equal(t, []string{MetricAsk, MetricBid}, r.Names())
	bid, ok := r.Metric(MetricBid)
	require.True(t, ok)
	assert.Equal(t, 100.0, bid.Open)
	assert.Equal(t, 2.0, bid.Volume)

	ask, _ := r.Metric(MetricAsk)
	assert.Equal(t, 101.0, ask.High)
	assert.Equal(t, 3.0, ask.Volume)
	assert.Equal(t, "0BTCUSDT946684800", r.ID())
}

func TestCandleRecord_UpdateAllMetrics(t *testing.T) {
	key := NewBucketKey("acc", interval.Hour, t0)
	r := NewCandleRecord(key, AccountSnapshot{Equity: 1000, Balance: 900, PnL: 100}.Metrics(), t0)

	later := t0.Add(5 * time.Minute)
	r.Update(AccountSnapshot{Equity: 1200, Balance: 850, PnL: 350}.Metrics(), later)

	eq, _ := r.Metric(MetricEquity)
	bal, _ := r.Metric(MetricBalance)
	pnl, _ := r.Metric(MetricPnL)

	assert.Equal(t, 1000.0, eq.Open)
	assert.Equal(t, 1200.0, eq.Close)
	assert.Equal(t, 1200.0, eq.High)
	assert.Equal(t, 850.0, bal.Low)
	assert.Equal(t, 350.0, pnl.High)
	assert.Equal(t, later, r.LastUpdate())
}

func TestCandleRecord_UpdateAccumulatesVolume(t *testing.T) {
	key := NewBucketKey("BTC", interval.Minute, t0)
	r := NewCandleRecord(key, Quote{Bid: 10, Ask: 11, BidVolume: 1, AskVolume: 1}.Metrics(), t0)

	r.Update(Quote{Bid: 10.5, Ask: 11.5, BidVolume: 2, AskVolume: 4}.Metrics(), t0)

	bid, _ := r.Metric(MetricBid)
	ask, _ := r.Metric(MetricAsk)
	assert.Equal(t, 3.0, bid.Volume)
	assert.Equal(t, 5.0, ask.Volume)
}

func TestCandleRecord_UpdateCreatesNewMetric(t *testing.T) {
	r := NewCandleRecord(NewBucketKey("x", interval.Day, t0), Values(map[string]float64{"a": 1}), t0)

	r.Update(Values(map[string]float64{"a": 2, "b": 7}), t0)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	b, ok := r.Metric("b")
	require.True(t, ok)
	assert.Equal(t, 7.0, b.Open)

	_, ok = r.Metric("c")
	assert.False(t, ok)
}

func TestCandleRecord_Clone(t *testing.T) {
	r := NewCandleRecord(NewBucketKey("x", interval.Day, t0), Values(map[string]float64{"a": 1}), t0)

	cp := r.Clone()
	cp.Aggregates["a"].Close = 99

	a, _ := r.Metric("a")
	assert.Equal(t, 1.0, a.Close)
	assert.Equal(t, r.Key, cp.Key)

	var nilRec *CandleRecord
	assert.Nil(t, nilRec.Clone())
}
