// Package interval implements bucket arithmetic for candle granularities.
//
// Fixed-length intervals (minutes through seven days) floor on unix seconds.
// Month is the only calendar interval: its buckets start on the first of a UTC
// month and last 28 to 31 days. Infinity is a single bucket anchored at the
// unix epoch with an unbounded duration.
package interval

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Interval is a candle granularity. The integer value is the discriminant
// used in serialized candle identifiers and must never change.
type Interval int

// Supported intervals. Discriminants are not in granularity order.
const (
	Minute         Interval = 0
	Hour           Interval = 1
	Day            Interval = 2
	Month          Interval = 3
	ThreeMinutes   Interval = 4
	FiveMinutes    Interval = 5
	FifteenMinutes Interval = 6
	ThirtyMinutes  Interval = 7
	TwoHours       Interval = 8
	FourHours      Interval = 9
	SixHours       Interval = 10
	EightHours     Interval = 11
	TwelveHours    Interval = 12
	ThreeDays      Interval = 13
	SevenDays      Interval = 14
	Infinity       Interval = 15
)

// ErrUnknownInterval is returned when a name or discriminant does not map to an Interval.
var ErrUnknownInterval = errors.New("unknown interval")

// Unbounded is the duration reported for Infinity.
const Unbounded = time.Duration(math.MaxInt64)

type variant struct {
	short   string
	long    string
	rank    int   // granularity order
	seconds int64 // 0 for calendar and unbounded variants
}

var variants = [...]variant{
	Minute:         {"1m", "Minute", 0, 60},
	Hour:           {"1h", "Hour", 5, 3600},
	Day:            {"1d", "Day", 11, 86400},
	Month:          {"1M", "Month", 14, 0},
	ThreeMinutes:   {"3m", "ThreeMinutes", 1, 180},
	FiveMinutes:    {"5m", "FiveMinutes", 2, 300},
	FifteenMinutes: {"15m", "FifteenMinutes", 3, 900},
	ThirtyMinutes:  {"30m", "ThirtyMinutes", 4, 1800},
	TwoHours:       {"2h", "TwoHours", 6, 7200},
	FourHours:      {"4h", "FourHours", 7, 14400},
	SixHours:       {"6h", "SixHours", 8, 21600},
	EightHours:     {"8h", "EightHours", 9, 28800},
	TwelveHours:    {"12h", "TwelveHours", 10, 43200},
	ThreeDays:      {"3d", "ThreeDays", 12, 259200},
	SevenDays:      {"7d", "SevenDays", 13, 604800},
	Infinity:       {"inf", "Infinity", 15, 0},
}

var epoch = time.Unix(0, 0).UTC()

// All returns every interval in granularity order.
func All() []Interval {
	out := make([]Interval, 0, len(variants))
	for i := range variants {
		out = append(out, Interval(i))
	}
	Sort(out)
	return out
}

// FromDiscriminant returns the interval with the given discriminant.
func FromDiscriminant(d int) (Interval, error) {
	iv := Interval(d)
	if !iv.IsValid() {
		return 0, fmt.Errorf("%w: discriminant %d", ErrUnknownInterval, d)
	}
	return iv, nil
}

// Parse accepts a short name ("1m", "4h", "1M"), a variant name
// ("FourHours", case-insensitive) or a decimal discriminant.
func Parse(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	for i, v := range variants {
		if s == v.short || strings.EqualFold(s, v.long) {
			return Interval(i), nil
		}
	}
	if d, err := strconv.Atoi(s); err == nil {
		return FromDiscriminant(d)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownInterval, s)
}

// IsValid reports whether iv is a known interval.
func (iv Interval) IsValid() bool {
	return iv >= 0 && int(iv) < len(variants)
}

// IsCalendar reports whether bucket length depends on the calendar.
func (iv Interval) IsCalendar() bool {
	return iv == Month
}

// Discriminant returns the stable integer used in identifiers.
func (iv Interval) Discriminant() int {
	return int(iv)
}

// String returns the short name.
func (iv Interval) String() string {
	if !iv.IsValid() {
		return "Interval(" + strconv.Itoa(int(iv)) + ")"
	}
	return variants[iv].short
}

// MarshalText implements encoding.TextMarshaler.
func (iv Interval) MarshalText() ([]byte, error) {
	if !iv.IsValid() {
		return nil, fmt.Errorf("%w: discriminant %d", ErrUnknownInterval, int(iv))
	}
	return []byte(iv.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (iv *Interval) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// Less orders intervals by granularity, finest first.
func (iv Interval) Less(other Interval) bool {
	return iv.rank() < other.rank()
}

func (iv Interval) rank() int {
	if !iv.IsValid() {
		return math.MaxInt
	}
	return variants[iv].rank
}

// Floor returns the start of the bucket containing t, in UTC.
func (iv Interval) Floor(t time.Time) time.Time {
	switch iv {
	case Month:
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Infinity:
		return epoch
	}

	step := iv.mustSeconds()
	ts := t.Unix()
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return time.Unix(ts-rem, 0).UTC()
}

// Duration returns the length of the bucket containing t.
func (iv Interval) Duration(t time.Time) time.Duration {
	switch iv {
	case Month:
		start := Month.Floor(t)
		return start.AddDate(0, 1, 0).Sub(start)
	case Infinity:
		return Unbounded
	}
	return time.Duration(iv.mustSeconds()) * time.Second
}

// BucketEnd returns the exclusive end of the bucket containing t.
func (iv Interval) BucketEnd(t time.Time) time.Time {
	return iv.Floor(t).Add(iv.Duration(t))
}

// BucketCount returns the number of buckets from the one containing from up
// to and including the one containing to, without walking them.
func (iv Interval) BucketCount(from, to time.Time) int {
	start := iv.Floor(from)
	end := iv.BucketEnd(to)

	switch iv {
	case Month:
		return 12*(end.Year()-start.Year()) + int(end.Month()) - int(start.Month())
	case Infinity:
		return 1
	}
	// Unix seconds rather than time.Sub, which saturates past ~292 years.
	return int((end.Unix() - start.Unix()) / iv.mustSeconds())
}

// Boundaries returns every bucket start from Floor(from) through Floor(to),
// ascending. The result always holds at least Floor(from).
func (iv Interval) Boundaries(from, to time.Time) []time.Time {
	first := iv.Floor(from)
	last := iv.Floor(to)

	out := []time.Time{first}
	for cur := first; cur.Before(last); {
		cur = iv.Floor(cur.Add(iv.Duration(cur)))
		out = append(out, cur)
	}
	return out
}

func (iv Interval) mustSeconds() int64 {
	if !iv.IsValid() || variants[iv].seconds == 0 {
		panic(fmt.Sprintf("interval: %v has no fixed length", iv))
	}
	return variants[iv].seconds
}

// FloorAll computes the bucket start of t for every interval.
func FloorAll(intervals []Interval, t time.Time) map[Interval]time.Time {
	floors := make(map[Interval]time.Time, len(intervals))
	for _, iv := range intervals {
		floors[iv] = iv.Floor(t)
	}
	return floors
}

// Sort orders intervals by granularity in place.
func Sort(intervals []Interval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].Less(intervals[j])
	})
}

// Dedupe returns the distinct intervals sorted by granularity.
func Dedupe(intervals []Interval) []Interval {
	seen := make(map[Interval]struct{}, len(intervals))
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if _, ok := seen[iv]; ok {
			continue
		}
		seen[iv] = struct{}{}
		out = append(out, iv)
	}
	Sort(out)
	return out
}
