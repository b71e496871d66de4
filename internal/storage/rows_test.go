package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

var t0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFlattenAndAssemble(t *testing.T) {
	q := domain.NewCandleRecord(domain.NewBucketKey("BTC", interval.Minute, t0),
		domain.Quote{Bid: 10, Ask: 11, BidVolume: 1, AskVolume: 2}.Metrics(), t0)
	a := domain.NewCandleRecord(domain.NewBucketKey("acc", interval.Month, t0),
		domain.AccountSnapshot{Equity: 100, Balance: 90, PnL: 10}.Metrics(), t0)

	rows := FlattenRecords([]*domain.CandleRecord{q, a})

	require.Len(t, rows, 5)
	assert.Equal(t, "ask", rows[0].Metric)
	assert.Equal(t, "0BTC946684800", rows[0].ID)
	assert.Equal(t, 2.0, rows[0].Volume)
	assert.Equal(t, "balance", rows[2].Metric)

	back := AssembleRecords(rows)

	require.Len(t, back, 2)
	assert.Equal(t, q, back[0])
	assert.Equal(t, a, back[1])
}

func TestAssembleRecords_NormalizesTimes(t *testing.T) {
	loc := time.FixedZone("UTC+2", 7200)
	rows := []CandleRow{{
		ID:          "1x946684800",
		EntityRef:   "x",
		Interval:    interval.Hour,
		BucketStart: t0.In(loc),
		Metric:      "v",
		Open:        1,
		LastUpdate:  t0.In(loc),
	}}

	recs := AssembleRecords(rows)

	require.Len(t, recs, 1)
	assert.Equal(t, domain.NewBucketKey("x", interval.Hour, t0), recs[0].Key)
	assert.Equal(t, t0, recs[0].Aggregates["v"].LastUpdate)
}

func TestValidateRecords(t *testing.T) {
	good := domain.NewCandleRecord(domain.NewBucketKey("x", interval.Day, t0), domain.Values(map[string]float64{"v": 1}), t0)

	tests := []struct {
		name    string
		records []*domain.CandleRecord
		wantErr bool
	}{
		{"empty", nil, false},
		{"valid", []*domain.CandleRecord{good}, false},
		{"nil record", []*domain.CandleRecord{good, nil}, true},
		{"no entity", []*domain.CandleRecord{{Key: domain.BucketKey{Interval: interval.Day, Start: t0}, Aggregates: good.Aggregates}}, true},
		{"no metrics", []*domain.CandleRecord{{Key: good.Key}}, true},
		{"bad interval", []*domain.CandleRecord{{Key: domain.BucketKey{EntityRef: "x", Interval: 99}, Aggregates: good.Aggregates}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecords(tt.records)
			if tt.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
