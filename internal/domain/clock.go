package domain

import "time"

// Clock is an injectable time source.
type Clock func() time.Time

// SystemClock returns the current wall-clock time in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
