package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/models"
)

// All tests pin the clock to 2024-03-15 15:30:45 UTC.
var testNow = time.Date(2024, 3, 15, 15, 30, 45, 0, time.UTC)

func testPlanner() *Planner {
	return New().WithClock(func() time.Time { return testNow })
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestClampEndMs(t *testing.T) {
	p := testPlanner()
	yesterdayEnd := time.Date(2024, 3, 14, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name      string
		interval  models.Interval
		requested int64
		want      int64
	}{
		{"daily defaults to yesterday end", models.Interval1d, 0, ms(yesterdayEnd)},
		{"weekly uses the daily bound", models.Interval1w, 0, ms(yesterdayEnd)},
		{"monthly uses the daily bound", models.Interval1M, 0, ms(yesterdayEnd)},
		{"hourly stops at last complete bar", models.Interval1h, 0, ms(time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC))},
		{"five minute", models.Interval5m, 0, ms(time.Date(2024, 3, 15, 15, 25, 0, 0, time.UTC))},
		{"one minute", models.Interval1m, 0, ms(time.Date(2024, 3, 15, 15, 29, 0, 0, time.UTC))},
		{
			"requested end below bound is kept",
			models.Interval1d,
			ms(time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)),
			ms(time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)),
		},
		{
			"requested end beyond bound is clamped",
			models.Interval1h,
			ms(testNow.Add(240 * time.Hour)),
			ms(time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ClampEndMs(tt.interval, tt.requested))
		})
	}
}

func TestPlan_DefaultWindowForEmptySeries(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)

	segments := p.Plan(Request{Series: series})
	require.Len(t, segments, 1)

	seg := segments[0]
	end := time.Date(2024, 3, 14, 23, 59, 59, 0, time.UTC)
	start := end.Add(-365*24*time.Hour + time.Second)
	assert.Equal(t, ms(start), seg.StartMs)
	assert.Equal(t, ms(end), seg.EndMs)
	assert.Equal(t, 365, seg.ExpectedMax)
	assert.Equal(t, series, seg.Series)

	t.Run("days back override", func(t *testing.T) {
		segments := p.Plan(Request{Series: series, DaysBack: 30})
		require.Len(t, segments, 1)
		assert.Equal(t, 30, segments[0].ExpectedMax)
	})
}

func TestPlan_TilesLargeWindow(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("BTCUSDT", models.Interval1h)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3000 * time.Hour) // 3001 bars inclusive

	segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(end)})
	require.Len(t, segments, 3)

	assert.Equal(t, ms(start), segments[0].StartMs)
	assert.Equal(t, ms(start.Add(1499*time.Hour)), segments[0].EndMs)
	assert.Equal(t, 1500, segments[0].ExpectedMax)

	// Each segment starts one interval after the previous end.
	assert.Equal(t, ms(start.Add(1500*time.Hour)), segments[1].StartMs)
	assert.Equal(t, ms(start.Add(2999*time.Hour)), segments[1].EndMs)
	assert.Equal(t, 1500, segments[1].ExpectedMax)

	assert.Equal(t, ms(start.Add(3000*time.Hour)), segments[2].StartMs)
	assert.Equal(t, ms(end), segments[2].EndMs)
	assert.Equal(t, 1, segments[2].ExpectedMax)
}

func TestPlan_PageSizeOverride(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("ETHUSDT", models.Interval1h)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour) // 25 bars

	segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(end), PageSize: 10})
	require.Len(t, segments, 3)
	assert.Equal(t, 10, segments[0].ExpectedMax)
	assert.Equal(t, 10, segments[1].ExpectedMax)
	assert.Equal(t, 5, segments[2].ExpectedMax)

	t.Run("oversized page size falls back to the exchange cap", func(t *testing.T) {
		segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(end), PageSize: 9999})
		require.Len(t, segments, 1)
		assert.Equal(t, 25, segments[0].ExpectedMax)
	})
}

func TestPlan_ClipsAfterStoredTail(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("BTCUSDT", models.Interval1h)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	tail := start.Add(12 * time.Hour)

	t.Run("clip raises the start past the tail", func(t *testing.T) {
		segments := p.Plan(Request{
			Series:       series,
			StartMs:      ms(start),
			EndMs:        ms(end),
			LastStoredMs: ms(tail),
			HasStored:    true,
		})
		require.Len(t, segments, 1)
		assert.Equal(t, ms(tail.Add(time.Hour)), segments[0].StartMs)
		assert.Equal(t, 12, segments[0].ExpectedMax)
	})

	t.Run("update existing plans the full window", func(t *testing.T) {
		segments := p.Plan(Request{
			Series:         series,
			StartMs:        ms(start),
			EndMs:          ms(end),
			LastStoredMs:   ms(tail),
			HasStored:      true,
			UpdateExisting: true,
		})
		require.Len(t, segments, 1)
		assert.Equal(t, ms(start), segments[0].StartMs)
		assert.Equal(t, 25, segments[0].ExpectedMax)
	})

	t.Run("tail at the window end skips the plan", func(t *testing.T) {
		segments := p.Plan(Request{
			Series:       series,
			StartMs:      ms(start),
			EndMs:        ms(end),
			LastStoredMs: ms(end),
			HasStored:    true,
		})
		assert.Empty(t, segments)
	})

	t.Run("stored flag without rows behind it changes nothing", func(t *testing.T) {
		segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(end)})
		require.Len(t, segments, 1)
		assert.Equal(t, ms(start), segments[0].StartMs)
	})
}

func TestPlan_MonthlyClipStepsByCalendar(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("BTCUSDT", models.Interval1M)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	segments := p.Plan(Request{
		Series:       series,
		StartMs:      ms(jan),
		LastStoredMs: ms(jan),
		HasStored:    true,
	})
	require.Len(t, segments, 1)

	// One calendar month after Jan 1, not thirty days (which would land on Jan 31).
	assert.Equal(t, ms(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)), segments[0].StartMs)
	assert.Equal(t, ms(time.Date(2024, 3, 14, 23, 59, 59, 0, time.UTC)), segments[0].EndMs)
}

func TestPlan_DegenerateWindows(t *testing.T) {
	p := testPlanner()
	series := models.NewSeriesKey("BTCUSDT", models.Interval1h)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("inverted window is a no-op", func(t *testing.T) {
		segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(start.Add(-time.Hour))})
		assert.Empty(t, segments)
	})

	t.Run("single instant window plans one bar", func(t *testing.T) {
		segments := p.Plan(Request{Series: series, StartMs: ms(start), EndMs: ms(start)})
		require.Len(t, segments, 1)
		assert.Equal(t, 1, segments[0].ExpectedMax)
	})

	t.Run("unknown interval is a no-op", func(t *testing.T) {
		segments := p.Plan(Request{Series: models.SeriesKey{Symbol: "BTCUSDT", Interval: "7m"}})
		assert.Empty(t, segments)
	})
}

func TestPlanMissingOnly(t *testing.T) {
	p := testPlanner()
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	hasData := map[string]bool{"BBBUSDT": true}

	segments := p.PlanMissingOnly(models.Interval1d, symbols, hasData)
	require.Len(t, segments, 2)
	assert.Equal(t, "AAAUSDT", segments[0].Series.Symbol)
	assert.Equal(t, "CCCUSDT", segments[1].Series.Symbol)
	for _, seg := range segments {
		assert.Equal(t, models.Interval1d, seg.Series.Interval)
		assert.Equal(t, 365, seg.ExpectedMax)
	}

	t.Run("nothing missing plans nothing", func(t *testing.T) {
		all := map[string]bool{"AAAUSDT": true, "BBBUSDT": true, "CCCUSDT": true}
		assert.Empty(t, p.PlanMissingOnly(models.Interval1d, symbols, all))
	})
}
