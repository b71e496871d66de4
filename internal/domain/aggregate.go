package domain

import (
	"time"

	"candle-cache/internal/interval"
)

// Aggregate is an OHLC accumulator over one scalar metric within one bucket.
// LowSinceHigh is the lowest value observed since the current high was set.
//
// A price of exactly 0 is treated as "unset" by Update. A metric that
// legitimately sits at zero will have its open, high and low overwritten by
// the next non-zero value.
type Aggregate struct {
	Open         float64   `json:"open"`
	Close        float64   `json:"close"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	LowSinceHigh float64   `json:"low_since_high"`
	Volume       float64   `json:"volume"`
	LastUpdate   time.Time `json:"last_update"`
}

// NewAggregate seeds every price with value.
func NewAggregate(value float64, at time.Time) *Aggregate {
	return &Aggregate{
		Open:         value,
		Close:        value,
		High:         value,
		Low:          value,
		LowSinceHigh: value,
		LastUpdate:   at,
	}
}

// Update applies one observation.
func (a *Aggregate) Update(value float64, at time.Time) {
	a.Close = value
	a.LastUpdate = at

	if a.Open == 0 {
		a.Open = value
	}

	// a new high restarts the low-since-high window
	if value > a.High || a.High == 0 {
		a.High = value
		a.LowSinceHigh = value
	}

	if value < a.Low || a.Low == 0 {
		a.Low = value
	}

	if value < a.LowSinceHigh || a.LowSinceHigh == 0 {
		a.LowSinceHigh = value
	}
}

// AddVolume accumulates traded volume for the bucket.
func (a *Aggregate) AddVolume(v float64) {
	a.Volume += v
}

// BucketStart returns the start of the iv bucket the last update fell in.
func (a *Aggregate) BucketStart(iv interval.Interval) time.Time {
	return iv.Floor(a.LastUpdate)
}
