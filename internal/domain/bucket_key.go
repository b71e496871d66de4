package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"candle-cache/internal/interval"
)

// ErrMalformedIdentifier is returned when a candle identifier cannot be split
// into discriminant, entity reference and bucket start.
var ErrMalformedIdentifier = errors.New("malformed candle identifier")

// BucketKey identifies one bucket of one entity at one interval. Start is
// always produced by Interval.Floor, so keys are safe to compare with ==.
type BucketKey struct {
	EntityRef string
	Interval  interval.Interval
	Start     time.Time
}

// NewBucketKey floors t into the bucket of iv.
func NewBucketKey(entityRef string, iv interval.Interval, t time.Time) BucketKey {
	return BucketKey{
		EntityRef: entityRef,
		Interval:  iv,
		Start:     iv.Floor(t),
	}
}

// ID returns the wire identifier "{discriminant}{entity_ref}{unix_seconds}".
// The format has no delimiter; splitting it requires the entity reference.
func (k BucketKey) ID() string {
	return FormatID(k.EntityRef, k.Interval, k.Start)
}

func (k BucketKey) String() string {
	return k.ID()
}

// Less orders keys by entity, then granularity, then bucket start.
func (k BucketKey) Less(other BucketKey) bool {
	if k.EntityRef != other.EntityRef {
		return k.EntityRef < other.EntityRef
	}
	if k.Interval != other.Interval {
		return k.Interval.Less(other.Interval)
	}
	return k.Start.Before(other.Start)
}

// FormatID renders the identifier of the bucket starting at start.
// start must already be bucket aligned.
func FormatID(entityRef string, iv interval.Interval, start time.Time) string {
	var b strings.Builder
	b.Grow(len(entityRef) + 14)
	b.WriteString(strconv.Itoa(iv.Discriminant()))
	b.WriteString(entityRef)
	b.WriteString(strconv.FormatInt(start.Unix(), 10))
	return b.String()
}

// ParseBucketKey splits id using the known entity reference. The timestamp
// must be a bucket start of the decoded interval.
func ParseBucketKey(id, entityRef string) (BucketKey, error) {
	if entityRef == "" {
		return BucketKey{}, fmt.Errorf("%w: empty entity reference", ErrMalformedIdentifier)
	}

	// discriminants are one or two digits
	for n := 1; n <= 2 && n < len(id); n++ {
		rest := id[n:]
		if !strings.HasPrefix(rest, entityRef) {
			continue
		}
		d, err := strconv.Atoi(id[:n])
		if err != nil {
			continue
		}
		iv, err := interval.FromDiscriminant(d)
		if err != nil {
			continue
		}
		secs, err := strconv.ParseInt(rest[len(entityRef):], 10, 64)
		if err != nil {
			continue
		}
		start := time.Unix(secs, 0).UTC()
		if !iv.Floor(start).Equal(start) {
			continue
		}
		return BucketKey{EntityRef: entityRef, Interval: iv, Start: iv.Floor(start)}, nil
	}
	return BucketKey{}, fmt.Errorf("%w: %q for %q", ErrMalformedIdentifier, id, entityRef)
}
