package caps

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	days []time.Time
	rate float64
}

func (f fakeHistory) SendDays(context.Context, string, time.Time) ([]time.Time, error) {
	return f.days, nil
}

func (f fakeHistory) RecentBounceRate(context.Context, string, int) (float64, error) {
	return f.rate, nil
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t.Add(14 * time.Hour)
}

func TestWarmupDayIndex(t *testing.T) {
	// 2026-10-12 is a Monday
	sends := []time.Time{
		day("2026-10-12"), day("2026-10-12").Add(time.Hour),
		day("2026-10-13"),
		day("2026-10-17"), // Saturday, ignored
		day("2026-10-19"),
	}
	assert.Equal(t, 2, WarmupDayIndex(sends, time.UTC))
	assert.Equal(t, 0, WarmupDayIndex(nil, time.UTC))
	assert.Equal(t, 0, WarmupDayIndex(sends[:1], time.UTC))
}

func TestWarmupDayIndexNonDecreasing(t *testing.T) {
	var sends []time.Time
	prev := 0
	start := day("2026-10-01")
	for i := 0; i < 30; i++ {
		sends = append(sends, start.AddDate(0, 0, i))
		idx := WarmupDayIndex(sends, time.UTC)
		assert.GreaterOrEqual(t, idx, prev)
		prev = idx
	}
}

func TestBaseTotal(t *testing.T) {
	ramp := []int{5, 8, 12, 20}
	assert.Equal(t, 5, BaseTotal(ramp, 40, 0))
	assert.Equal(t, 12, BaseTotal(ramp, 40, 2))
	assert.Equal(t, 20, BaseTotal(ramp, 40, 9))
	assert.Equal(t, 40, BaseTotal(nil, 40, 3))
}

func TestThrottle(t *testing.T) {
	tests := []struct {
		total int
		rate  float64
		want  int
	}{
		{10, 0.12, 3}, // round(2.5)
		{10, 0.10, 3},
		{10, 0.07, 5},
		{10, 0.05, 8}, // round(7.5)
		{10, 0.01, 10},
		{4, 0.20, 2}, // floored at min cap
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Throttle(tt.total, tt.rate, 2), "total=%d rate=%v", tt.total, tt.rate)
	}
}

func TestSplit(t *testing.T) {
	cold, friendly := Split(10, 0.4)
	assert.Equal(t, 6, cold)
	assert.Equal(t, 4, friendly)

	cold, friendly = Split(3, 0.5)
	assert.Equal(t, 1, cold)
	assert.Equal(t, 2, friendly)

	cold, friendly = Split(0, 0.4)
	assert.Zero(t, cold+friendly)
}

func TestResolveHighBounceRate(t *testing.T) {
	r := NewResolver(Config{}, fakeHistory{rate: 0.12}, time.UTC)
	res, err := r.Resolve(context.Background(), model.Sender{ID: "s1", DailyCap: 10, Active: true}, day("2026-10-19"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Cold+res.Friendly)
	assert.True(t, res.Paused, "12% bounce rate pauses the sender by default")
}

func TestResolveRampAndUsage(t *testing.T) {
	hist := fakeHistory{days: []time.Time{day("2026-10-14"), day("2026-10-15"), day("2026-10-16")}}
	cfg := Config{WarmupRamps: map[string][]int{"s1": {4, 6, 9, 14}}, PauseBounceRate: -1}
	r := NewResolver(cfg, hist, time.UTC)

	res, err := r.Resolve(context.Background(), model.Sender{ID: "s1", DailyCap: 50, Active: true, SentToday: 7, FriendlyBias: 0.3}, day("2026-10-19"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.DayIndex)
	assert.Equal(t, 9, res.Total)
	assert.Equal(t, 3, res.Friendly)
	assert.Equal(t, 6, res.Cold)
	assert.Equal(t, 2, res.Remaining)
	assert.True(t, res.Eligible())
}

func TestResolveExhaustedSender(t *testing.T) {
	r := NewResolver(Config{}, fakeHistory{}, time.UTC)
	res, err := r.Resolve(context.Background(), model.Sender{ID: "s1", DailyCap: 5, Active: true, SentToday: 5}, day("2026-10-19"))
	require.NoError(t, err)
	assert.Zero(t, res.Remaining)
	assert.False(t, res.Eligible())
}
