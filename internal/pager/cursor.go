package pager

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a page cursor is not a decimal
// millisecond timestamp.
var ErrInvalidCursor = errors.New("invalid page cursor")

// EncodeCursor renders t as milliseconds since the unix epoch.
func EncodeCursor(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return time.UnixMilli(ms).UTC(), nil
}
