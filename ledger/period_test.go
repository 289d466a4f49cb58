package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendsweep/spendsweep/ledger"
)

func TestNewPeriod(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	p, err := ledger.NewPeriod(start, end)
	require.NoError(t, err)
	assert.Equal(t, start, p.Start)
	assert.Equal(t, end, p.End)

	// Start must precede end, and equal bounds are an empty interval
	_, err = ledger.NewPeriod(end, start)
	assert.Error(t, err)
	_, err = ledger.NewPeriod(start, start)
	assert.Error(t, err)
}

func TestNewPeriod_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	start := time.Date(2026, 7, 1, 2, 0, 0, 0, loc) // 00:00 UTC
	end := time.Date(2026, 8, 1, 2, 0, 0, 0, loc)

	p, err := ledger.NewPeriod(start, end)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, p.Start.Location())
	assert.Equal(t, time.UTC, p.End.Location())
	assert.True(t, p.Start.Equal(start))
}

func TestMonthOf(t *testing.T) {
	p := ledger.MonthOf(time.Date(2026, 7, 19, 13, 45, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), p.End)

	// December rolls over the year
	p = ledger.MonthOf(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), p.End)
}

func TestHalfMonthOf(t *testing.T) {
	// Day 15 still belongs to the first half (interval is half-open)
	first := ledger.HalfMonthOf(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Date(2026, 7, 16, 0, 0, 0, 0, time.UTC), first.End)

	second := ledger.HalfMonthOf(time.Date(2026, 7, 16, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 7, 16, 0, 0, 0, 0, time.UTC), second.Start)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), second.End)
}

func TestPeriod_Contains(t *testing.T) {
	p := ledger.MonthOf(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))

	assert.True(t, p.Contains(p.Start), "start is included")
	assert.True(t, p.Contains(time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, p.Contains(p.End), "end is excluded")
	assert.False(t, p.Contains(p.Start.Add(-time.Nanosecond)))
}

func TestPeriod_Key(t *testing.T) {
	p := ledger.MonthOf(time.Date(2026, 7, 19, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-07-01..2026-08-01", p.Key())
	assert.Equal(t, p.Key(), p.String())
}
