package domain

import (
	"sort"
	"time"
)

// CandleRecord holds one Aggregate per named metric for a single bucket.
type CandleRecord struct {
	Key        BucketKey
	Aggregates map[string]*Aggregate
}

// NewCandleRecord seeds one aggregate per metric.
func NewCandleRecord(key BucketKey, metrics Metrics, at time.Time) *CandleRecord {
	r := &CandleRecord{
		Key:        key,
		Aggregates: make(map[string]*Aggregate, len(metrics)),
	}
	for name, s := range metrics {
		r.Aggregates[name] = seed(s, at)
	}
	return r
}

func seed(s Sample, at time.Time) *Aggregate {
	a := NewAggregate(s.Value, at)
	a.Volume = s.Volume
	return a
}

// Update applies every sample in one step. Metrics the record has not seen
// before are created from their sample.
func (r *CandleRecord) Update(metrics Metrics, at time.Time) {
	if r.Aggregates == nil {
		r.Aggregates = make(map[string]*Aggregate, len(metrics))
	}
	for name, s := range metrics {
		a, ok := r.Aggregates[name]
		if !ok {
			r.Aggregates[name] = seed(s, at)
			continue
		}
		a.Update(s.Value, at)
		a.AddVolume(s.Volume)
	}
}

// ID returns the wire identifier of the record's bucket.
func (r *CandleRecord) ID() string {
	return r.Key.ID()
}

// Metric returns the aggregate for name.
func (r *CandleRecord) Metric(name string) (*Aggregate, bool) {
	a, ok := r.Aggregates[name]
	return a, ok
}

// Names returns the metric names in sorted order.
func (r *CandleRecord) Names() []string {
	names := make([]string, 0, len(r.Aggregates))
	for name := range r.Aggregates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastUpdate returns the latest update time across all aggregates.
func (r *CandleRecord) LastUpdate() time.Time {
	var last time.Time
	for _, a := range r.Aggregates {
		if a.LastUpdate.After(last) {
			last = a.LastUpdate
		}
	}
	return last
}

// Clone returns a deep copy.
func (r *CandleRecord) Clone() *CandleRecord {
	if r == nil {
		return nil
	}
	out := &CandleRecord{
		Key:        r.Key,
		Aggregates: make(map[string]*Aggregate, len(r.Aggregates)),
	}
	for name, a := range r.Aggregates {
		cp := *a
		out.Aggregates[name] = &cp
	}
	return out
}
