package domain

import "time"

// Metric names produced by the payload shapes.
const (
	MetricEquity  = "equity"
	MetricBalance = "balance"
	MetricPnL     = "pnl"
	MetricBid     = "bid"
	MetricAsk     = "ask"
)

// Sample is one observation of a named metric. Volume is optional and
// accumulates per bucket.
type Sample struct {
	Value  float64
	Volume float64
}

// Metrics is a named set of samples applied to a candle record in one step.
type Metrics map[string]Sample

// Values builds Metrics from plain values with no volume.
func Values(values map[string]float64) Metrics {
	m := make(Metrics, len(values))
	for name, v := range values {
		m[name] = Sample{Value: v}
	}
	return m
}

// AccountSnapshot is a point-in-time account state.
type AccountSnapshot struct {
	Equity  float64
	Balance float64
	PnL     float64
}

// Metrics returns the equity, balance and pnl samples.
func (s AccountSnapshot) Metrics() Metrics {
	return Metrics{
		MetricEquity:  {Value: s.Equity},
		MetricBalance: {Value: s.Balance},
		MetricPnL:     {Value: s.PnL},
	}
}

// Quote is a top-of-book bid/ask observation.
type Quote struct {
	Bid       float64
	Ask       float64
	BidVolume float64
	AskVolume float64
}

// Metrics returns bid and ask samples carrying their side's volume.
func (q Quote) Metrics() Metrics {
	return Metrics{
		MetricBid: {Value: q.Bid, Volume: q.BidVolume},
		MetricAsk: {Value: q.Ask, Volume: q.AskVolume},
	}
}

// Tick is one timestamped update for one entity.
type Tick struct {
	EntityRef string
	Time      time.Time
	Metrics   Metrics
}
