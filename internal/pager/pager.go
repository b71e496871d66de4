// Package pager enumerates candle identifiers for one entity and interval
// over a date range, one page at a time.
//
// Counts and page boundaries are computed in closed form, so a pager over
// years of minute buckets costs the same as one over an hour.
package pager

import (
	"errors"
	"fmt"
	"time"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
)

// ErrInvalidRange is returned when the floored from is after the floored to.
var ErrInvalidRange = errors.New("invalid date range: from is after to")

// Pager is a stateful enumerator. It is not safe for concurrent use.
type Pager struct {
	ref     string
	iv      interval.Interval
	from    time.Time // next bucket to emit
	to      time.Time // last bucket start, inclusive
	end     time.Time // exclusive end of the last bucket
	cursor  *time.Time
	limit   int
	emitted int
}

// New builds a pager over [floor(from), floor(to)]. A non-nil cursor must
// be a decimal millisecond timestamp; it replaces from as the start of the
// page. A negative limit is treated as zero.
func New(ref string, iv interval.Interval, from, to time.Time, cursor *string, limit int) (*Pager, error) {
	if !iv.IsValid() {
		return nil, fmt.Errorf("%w: discriminant %d", interval.ErrUnknownInterval, iv.Discriminant())
	}

	from = iv.Floor(from)
	to = iv.Floor(to)
	if from.After(to) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	p := &Pager{
		ref:   ref,
		iv:    iv,
		from:  from,
		to:    to,
		end:   iv.BucketEnd(to),
		limit: max(limit, 0),
	}

	if cursor != nil {
		at, err := DecodeCursor(*cursor)
		if err != nil {
			return nil, err
		}
		at = iv.Floor(at)
		p.cursor = &at
	}

	return p, nil
}

// MustNew is like New but panics on error.
func MustNew(ref string, iv interval.Interval, from, to time.Time, cursor *string, limit int) *Pager {
	p, err := New(ref, iv, from, to, cursor, limit)
	if err != nil {
		panic(err)
	}
	return p
}

// EntityRef returns the entity the identifiers belong to.
func (p *Pager) EntityRef() string { return p.ref }

// Interval returns the bucket granularity.
func (p *Pager) Interval() interval.Interval { return p.iv }

// Limit returns the page size.
func (p *Pager) Limit() int { return p.limit }

// Emitted returns how many identifiers NextIdentifier has produced.
func (p *Pager) Emitted() int { return p.emitted }

// TotalBucketCount returns the number of buckets from the current position
// through the last bucket of the range.
func (p *Pager) TotalBucketCount() int {
	return p.iv.BucketCount(p.from, p.to)
}

// NextPageCursor returns the cursor of the page after the current one. It
// reports false when the whole range fits in one page or the next page
// would start past the range.
func (p *Pager) NextPageCursor() (string, bool) {
	next, ok := p.nextPageStart()
	if !ok {
		return "", false
	}
	return EncodeCursor(next), true
}

func (p *Pager) nextPageStart() (time.Time, bool) {
	if p.limit >= p.TotalBucketCount() {
		return time.Time{}, false
	}

	next := p.step(p.from, p.limit-p.emitted+1)
	if next.After(p.to) {
		return time.Time{}, false
	}
	return next, true
}

// step moves t forward by n buckets. Month steps by calendar month so the
// result stays bucket aligned.
func (p *Pager) step(t time.Time, n int) time.Time {
	switch p.iv {
	case interval.Month:
		return t.AddDate(0, n, 0)
	case interval.Infinity:
		return p.end
	}
	return t.Add(p.iv.Duration(t) * time.Duration(n))
}

// Advance moves the window to the next page and returns its cursor. The
// emitted count is left as is; a pending construction cursor is dropped.
func (p *Pager) Advance() (string, bool) {
	next, ok := p.nextPageStart()
	if !ok {
		return "", false
	}
	p.from = next
	p.cursor = nil
	return EncodeCursor(next), true
}

// NextIdentifier returns the identifier of the next bucket on the current
// page, or false once limit identifiers were emitted or the range is
// exhausted. A construction cursor takes precedence over the stored
// position on the first call.
func (p *Pager) NextIdentifier() (string, bool) {
	if p.emitted >= p.limit {
		return "", false
	}

	if p.cursor != nil {
		p.from = *p.cursor
		p.cursor = nil
	}

	if !p.from.Before(p.end) {
		return "", false
	}

	id := domain.FormatID(p.ref, p.iv, p.from)
	p.emitted++
	p.from = p.from.Add(p.iv.Duration(p.from))
	return id, true
}

// CurrentPageIdentifiers returns the identifiers NextIdentifier would yield
// for the rest of the current page, without moving the pager.
func (p *Pager) CurrentPageIdentifiers() []string {
	if p.emitted >= p.limit {
		return []string{}
	}

	from := p.from
	if p.cursor != nil {
		from = *p.cursor
	}

	n := p.limit - p.emitted
	if !from.Before(p.end) {
		n = 0
	} else if count := p.iv.BucketCount(from, p.to); count < n {
		n = count
	}

	ids := make([]string, 0, n)
	for i := 0; i < n && from.Before(p.end); i++ {
		ids = append(ids, domain.FormatID(p.ref, p.iv, from))
		from = from.Add(p.iv.Duration(from))
	}
	return ids
}
