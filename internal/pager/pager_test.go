package pager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-cache/internal/interval"
)

var (
	jan1 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC)
)

func ms(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func drain(p *Pager) []string {
	var ids []string
	for {
		id, ok := p.NextIdentifier()
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

func TestNextIdentifier_StopsAtLimit(t *testing.T) {
	p := MustNew("test", interval.Minute, jan1, jan2, nil, 2)

	id, ok := p.NextIdentifier()
	require.True(t, ok)
	assert.Equal(t, "0test946684800", id)
	assert.Equal(t, 1, p.Emitted())

	id, ok = p.NextIdentifier()
	require.True(t, ok)
	assert.Equal(t, "0test946684860", id)
	assert.Equal(t, 2, p.Emitted())

	_, ok = p.NextIdentifier()
	assert.False(t, ok)
}

func TestNextPageCursor_StableWhileEmitting(t *testing.T) {
	p := MustNew("test", interval.Minute, jan1, jan2, nil, 3)

	cursor, ok := p.NextPageCursor()
	require.True(t, ok)
	assert.Equal(t, "946685040000", cursor)

	p.NextIdentifier()
	cursor, _ = p.NextPageCursor()
	assert.Equal(t, "946685040000", cursor)

	p.NextIdentifier()
	p.NextIdentifier()
	cursor, _ = p.NextPageCursor()
	assert.Equal(t, "946685040000", cursor)
}

func TestCurrentPageIdentifiers_FullPage(t *testing.T) {
	p := MustNew("BTCUSDT", interval.Minute, jan1, jan2, nil, 5)

	ids := p.CurrentPageIdentifiers()

	assert.Len(t, ids, p.Limit())
	assert.Equal(t, "0BTCUSDT946684800", ids[0])
	assert.Equal(t, "0BTCUSDT946685040", ids[4])
	assert.Equal(t, 0, p.Emitted(), "batch form does not move the pager")
}

func TestCurrentPageIdentifiers_HourRangeSinglePage(t *testing.T) {
	p := MustNew("BTCUSDT", interval.Hour, ms(1696547451000), ms(1697627451000), nil, 1500)

	ids := p.CurrentPageIdentifiers()

	assert.Len(t, ids, 301)
	assert.Equal(t, 301, p.TotalBucketCount())
	_, ok := p.NextPageCursor()
	assert.False(t, ok)
}

func TestCurrentPageIdentifiers_SameFourHourBucket(t *testing.T) {
	p := MustNew("BTCUSDT", interval.FourHours, ms(1701275150000), ms(1701275486000), nil, 1500)

	ids := p.CurrentPageIdentifiers()

	require.Len(t, ids, 1)
	assert.Equal(t, "9BTCUSDT1701273600", ids[0])
}

func TestCurrentPageIdentifiers_Month(t *testing.T) {
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 12, 6, 0, 0, 0, 0, time.UTC)
	p := MustNew("BTCUSDT", interval.Month, from, to, nil, 10000)

	ids := p.CurrentPageIdentifiers()

	require.Len(t, ids, 12)
	assert.Equal(t, "3BTCUSDT1672531200", ids[0])
	assert.Equal(t, "3BTCUSDT1701388800", ids[11]) // 2023-12-01
}

func TestSingleStepMatchesBatch(t *testing.T) {
	end := ms(1702055569000)

	tests := []struct {
		name     string
		iv       interval.Interval
		from, to time.Time
		limit    int
	}{
		{"four hours", interval.FourHours, ms(1697564165000), ms(1701884165000), 10000},
		{"five minutes", interval.Minute, end.Add(-5 * time.Minute), end, 10000},
		{"sixty minutes", interval.Minute, end.Add(-60 * time.Minute), end, 10000},
		{"partial page", interval.Hour, jan1, jan2, 7},
		{"months", interval.Month, time.Date(2019, 11, 15, 0, 0, 0, 0, time.UTC), time.Date(2021, 2, 3, 0, 0, 0, 0, time.UTC), 50},
		{"infinity", interval.Infinity, jan1, jan2, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := MustNew("BTCUSDT", tt.iv, tt.from, tt.to, nil, tt.limit).CurrentPageIdentifiers()
			steps := drain(MustNew("BTCUSDT", tt.iv, tt.from, tt.to, nil, tt.limit))

			require.NotEmpty(t, batch)
			assert.Equal(t, batch, steps)
		})
	}
}

func TestSingleStepMatchesBatch_LastBucketIsTo(t *testing.T) {
	to := ms(1702055569000)
	p := MustNew("BTCUSDT", interval.Minute, to.Add(-60*time.Minute), to, nil, 10000)

	ids := drain(p)

	last := strings.TrimPrefix(ids[len(ids)-1], "0BTCUSDT")
	assert.Equal(t, "1702055520", last)
	assert.Len(t, ids, 61)
}

func TestTotalBucketCount_MatchesSinglePage(t *testing.T) {
	from := time.Date(2023, 10, 5, 23, 10, 51, 0, time.UTC)
	to := time.Date(2023, 12, 6, 17, 36, 5, 0, time.UTC)

	for _, iv := range interval.All() {
		if iv == interval.Minute {
			continue
		}
		p := MustNew("x", iv, from, to, nil, 1_000_000)
		assert.Len(t, p.CurrentPageIdentifiers(), p.TotalBucketCount(), "%v", iv)
	}
}

func TestNew_InvertedRange(t *testing.T) {
	_, err := New("x", interval.Day, jan2, jan1, nil, 10)
	assert.ErrorIs(t, err, ErrInvalidRange)

	assert.Panics(t, func() {
		MustNew("x", interval.Day, jan2, jan1, nil, 10)
	})
}

func TestNew_SameBucketAfterFlooring(t *testing.T) {
	p, err := New("x", interval.Minute, jan1.Add(50*time.Second), jan1.Add(10*time.Second), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x946684800"}, p.CurrentPageIdentifiers())
}

func TestNew_InvalidCursor(t *testing.T) {
	bad := "page-2"
	_, err := New("x", interval.Minute, jan1, jan2, &bad, 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestNew_UnknownInterval(t *testing.T) {
	_, err := New("x", interval.Interval(42), jan1, jan2, nil, 10)
	assert.ErrorIs(t, err, interval.ErrUnknownInterval)
}

func TestCursor_ResumesPage(t *testing.T) {
	cursor := "946685040000"

	batch := MustNew("test", interval.Minute, jan1, jan2, &cursor, 3).CurrentPageIdentifiers()
	steps := drain(MustNew("test", interval.Minute, jan1, jan2, &cursor, 3))

	want := []string{"0test946685040", "0test946685100", "0test946685160"}
	assert.Equal(t, want, batch)
	assert.Equal(t, want, steps)
}

func TestCursor_UnalignedIsFloored(t *testing.T) {
	cursor := "946685045123"

	ids := MustNew("test", interval.Minute, jan1, jan2, &cursor, 1).CurrentPageIdentifiers()

	assert.Equal(t, []string{"0test946685040"}, ids)
}

func TestAdvance(t *testing.T) {
	p := MustNew("test", interval.Minute, jan1, jan2, nil, 3)

	cursor, ok := p.Advance()
	require.True(t, ok)
	assert.Equal(t, "946685040000", cursor)

	ids := p.CurrentPageIdentifiers()
	assert.Equal(t, "0test946685040", ids[0])
}

func TestAdvance_SinglePage(t *testing.T) {
	p := MustNew("test", interval.Hour, jan1, jan2, nil, 100)

	_, ok := p.Advance()
	assert.False(t, ok)
	assert.Len(t, p.CurrentPageIdentifiers(), 25)
}

func TestNextPageCursor_MonthStaysAligned(t *testing.T) {
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 12, 6, 0, 0, 0, 0, time.UTC)
	p := MustNew("x", interval.Month, from, to, nil, 3)

	cursor, ok := p.NextPageCursor()
	require.True(t, ok)

	at, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC), at)
}

func TestNextPageCursor_PastRange(t *testing.T) {
	// five buckets, pages of four: the next page would start at bucket six
	p := MustNew("x", interval.Day, jan1, jan1.Add(4*24*time.Hour), nil, 4)

	_, ok := p.NextPageCursor()
	assert.False(t, ok)
}

func TestZeroLimit(t *testing.T) {
	p := MustNew("x", interval.Minute, jan1, jan2, nil, 0)

	assert.Empty(t, p.CurrentPageIdentifiers())
	_, ok := p.NextIdentifier()
	assert.False(t, ok)
}

func TestCursorCodec(t *testing.T) {
	at := time.Date(2023, 10, 5, 23, 0, 0, 0, time.UTC)

	got, err := DecodeCursor(EncodeCursor(at))
	require.NoError(t, err)
	assert.Equal(t, at, got)

	_, err = DecodeCursor("")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
