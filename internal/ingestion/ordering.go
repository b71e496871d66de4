package ingestion

import (
	"errors"
	"sort"

	"candle-cache/internal/domain"
)

// ErrInvalidOrdering is returned when ticks are not in deterministic order.
var ErrInvalidOrdering = errors.New("ticks are not in deterministic order")

// SortTicks orders ticks by (time ASC, entity_ref ASC). Ticks that compare
// equal keep their arrival order, so the first of two simultaneous ticks
// still opens the bucket.
func SortTicks(ticks []domain.Tick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		return compareTicks(ticks[i], ticks[j]) < 0
	})
}

// ValidateTickOrdering checks that ticks are sorted.
func ValidateTickOrdering(ticks []domain.Tick) error {
	for i := 1; i < len(ticks); i++ {
		if compareTicks(ticks[i-1], ticks[i]) > 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareTicks returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareTicks(a, b domain.Tick) int {
	if c := a.Time.Compare(b.Time); c != 0 {
		return c
	}
	switch {
	case a.EntityRef < b.EntityRef:
		return -1
	case a.EntityRef > b.EntityRef:
		return 1
	}
	return 0
}
