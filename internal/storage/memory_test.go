package storage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/models"
)

func TestMemoryStore_UpsertAndQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	batch := []models.KlineRecord{
		dailyKline(2, 44100, 45000, 43500, 44800),
		dailyKline(0, 42000, 43000, 41000, 42500),
		dailyKline(1, 42500, 44000, 42000, 43800),
	}
	written, err := store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)
	assert.Equal(t, int64(3), written)

	// Rows come back sorted regardless of insertion order.
	resp, err := store.Query(ctx, QueryRequest{Series: series})
	require.NoError(t, err)
	require.Len(t, resp.Klines, 3)
	assert.Equal(t, day0Ms, resp.Klines[0].OpenTime)
	assert.Equal(t, day0Ms+2*dayMs, resp.Klines[2].OpenTime)

	t.Run("skip leaves collisions alone", func(t *testing.T) {
		revised := dailyKline(1, 42500, 49999, 42000, 49000)
		written, err := store.UpsertBatch(ctx, series, []models.KlineRecord{revised}, InsertSkip)
		require.NoError(t, err)
		assert.Equal(t, int64(0), written)
	})

	t.Run("overwrite replaces collisions", func(t *testing.T) {
		revised := dailyKline(1, 42500, 49999, 42000, 49000)
		written, err := store.UpsertBatch(ctx, series, []models.KlineRecord{revised}, InsertOverwrite)
		require.NoError(t, err)
		assert.Equal(t, int64(1), written)

		resp, err := store.Query(ctx, QueryRequest{Series: series, StartMs: day0Ms + dayMs, EndMs: day0Ms + dayMs})
		require.NoError(t, err)
		require.Len(t, resp.Klines, 1)
		assert.True(t, resp.Klines[0].High.Equal(decimal.NewFromInt(49999)))
	})

	t.Run("missing series is reported", func(t *testing.T) {
		_, err := store.UpsertBatch(ctx, dailySeries("MISSING"), batch, InsertSkip)
		assert.ErrorIs(t, err, ErrSeriesNotFound)
	})
}

func TestMemoryStore_SeededDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	// Model a legacy table holding three copies of day zero.
	store.SeedRows(series, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(1, 1, 2, 0.5, 1.5),
	})

	dups, err := store.DuplicateOpenTimes(ctx, series)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, int64(3), dups[day0Ms])

	stats, err := store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.RowCount)

	// Overwriting the duplicated bar collapses it back to a single row.
	written, err := store.UpsertBatch(ctx, series, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.8),
	}, InsertOverwrite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	dups, err = store.DuplicateOpenTimes(ctx, series)
	require.NoError(t, err)
	assert.Empty(t, dups)

	stats, err = store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RowCount)
}

func TestMemoryStore_LastOpenTimeAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	series := dailySeries("ETHUSDT")

	_, _, err := store.LastOpenTime(ctx, series)
	assert.ErrorIs(t, err, ErrSeriesNotFound)

	require.NoError(t, store.EnsureSeries(ctx, series))
	_, ok, err := store.LastOpenTime(ctx, series)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.UpsertBatch(ctx, series, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(1, 1, 2, 0.5, 1.5),
		dailyKline(2, 1, 2, 0.5, 1.5),
	}, InsertSkip)
	require.NoError(t, err)

	last, ok, err := store.LastOpenTime(ctx, series)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day0Ms+2*dayMs, last)

	deleted, err := store.DeleteRange(ctx, series, day0Ms+dayMs, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	last, ok, err = store.LastOpenTime(ctx, series)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day0Ms, last)
}

func TestMemoryStore_ListSeriesAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.EnsureSeries(ctx, models.NewSeriesKey("ETHUSDT", models.Interval1h)))
	require.NoError(t, store.EnsureSeries(ctx, models.NewSeriesKey("BTCUSDT", models.Interval1d)))

	series, err := store.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "BTCUSDT", series[0].Symbol)
	assert.Equal(t, "ETHUSDT", series[1].Symbol)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Driver)
	assert.Equal(t, 2, stats.TotalSeries)
}

func TestMemoryStore_SymbolRegistry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	result, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "ETHUSDT"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, result.Added)
	assert.Equal(t, 2, result.TotalExchange)
	assert.Equal(t, 2, result.TotalLocal)

	result, err = store.SyncSymbols(ctx, []string{"BTCUSDT"}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Equal(t, []string{"ETHUSDT"}, result.Delisted)

	info, err := store.GetSymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelisted, info.Status)

	// Delisted symbols reappearing in the listing come back as TRADING.
	result, err = store.SyncSymbols(ctx, []string{"BTCUSDT", "ETHUSDT"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, result.Updated)

	_, err = store.GetSymbol(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestMemoryStore_SymbolRegistryDryRunAndManualOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "ETHUSDT"}, false)
	require.NoError(t, err)

	preview, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "SOLUSDT"}, true)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, []string{"SOLUSDT"}, preview.Added)
	assert.Equal(t, []string{"ETHUSDT"}, preview.Delisted)
	assert.Equal(t, 3, preview.TotalLocal)

	_, err = store.GetSymbol(ctx, "SOLUSDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	info, err := store.GetSymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrading, info.Status)

	require.NoError(t, store.PutSymbol(ctx, "ADAUSDT", ""))
	require.NoError(t, store.UpdateSymbolStatus(ctx, "ADAUSDT", models.StatusBreak))
	info, err = store.GetSymbol(ctx, "ADAUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBreak, info.Status)

	assert.Error(t, store.PutSymbol(ctx, "ADAUSDT", models.SymbolStatus("HALTED")))
	assert.ErrorIs(t, store.UpdateSymbolStatus(ctx, "NOPE", models.StatusBreak), ErrSymbolNotFound)

	stats, err := store.SymbolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[models.StatusTrading])
	assert.Equal(t, 1, stats.ByStatus[models.StatusBreak])

	require.NoError(t, store.DeleteSymbol(ctx, "ADAUSDT"))
	assert.ErrorIs(t, store.DeleteSymbol(ctx, "ADAUSDT"), ErrSymbolNotFound)
}
