package storage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/config"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

// 2024-01-01 00:00:00 UTC
const day0Ms = int64(1704067200000)

const dayMs = int64(86400000)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:       "sqlite3",
		DSN:          ":memory:",
		BatchSize:    50,
		QueryTimeout: "5s",
	}
	store, err := NewSQLStore(cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func dailySeries(symbol string) models.SeriesKey {
	return models.NewSeriesKey(symbol, models.Interval1d)
}

// dailyKline builds a valid daily bar opening at day0Ms + day*dayMs.
func dailyKline(day int, open, high, low, close float64) models.KlineRecord {
	openMs := day0Ms + int64(day)*dayMs
	return models.KlineRecord{
		OpenTime:             openMs,
		CloseTime:            openMs + dayMs - 1,
		Open:                 decimal.NewFromFloat(open),
		High:                 decimal.NewFromFloat(high),
		Low:                  decimal.NewFromFloat(low),
		Close:                decimal.NewFromFloat(close),
		Volume:               decimal.NewFromInt(1000),
		QuoteVolume:          decimal.NewFromInt(42000000),
		ActiveBuyVolume:      decimal.NewFromInt(600),
		ActiveBuyQuoteVolume: decimal.NewFromInt(25000000),
		TradeCount:           5000,
	}
}

func TestSQLStore_EnsureSeriesIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")

	require.NoError(t, store.EnsureSeries(ctx, series))
	require.NoError(t, store.EnsureSeries(ctx, series))

	stats, err := store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.True(t, stats.Empty())
}

func TestSQLStore_UpsertSkipIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	batch := []models.KlineRecord{
		dailyKline(0, 42000, 43000, 41000, 42500),
		dailyKline(1, 42500, 44000, 42000, 43800),
		dailyKline(2, 43800, 45000, 43500, 44100),
	}

	written, err := store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)
	assert.Equal(t, int64(3), written)

	// Re-downloading the same window must not duplicate or change rows.
	written, err = store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)

	stats, err := store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RowCount)
	assert.Equal(t, day0Ms, stats.FirstOpenMs)
	assert.Equal(t, day0Ms+2*dayMs, stats.LastOpenMs)
}

func TestSQLStore_UpsertPolicies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("ETHUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	original := dailyKline(0, 2200, 2300, 2100, 2250)
	_, err := store.UpsertBatch(ctx, series, []models.KlineRecord{original}, InsertSkip)
	require.NoError(t, err)

	revised := dailyKline(0, 2200, 2400, 2100, 2350)

	t.Run("skip keeps stored row", func(t *testing.T) {
		written, err := store.UpsertBatch(ctx, series, []models.KlineRecord{revised}, InsertSkip)
		require.NoError(t, err)
		assert.Equal(t, int64(0), written)

		resp, err := store.Query(ctx, QueryRequest{Series: series})
		require.NoError(t, err)
		require.Len(t, resp.Klines, 1)
		assert.True(t, resp.Klines[0].Close.Equal(decimal.NewFromInt(2250)))
	})

	t.Run("overwrite replaces stored row", func(t *testing.T) {
		written, err := store.UpsertBatch(ctx, series, []models.KlineRecord{revised}, InsertOverwrite)
		require.NoError(t, err)
		assert.Equal(t, int64(1), written)

		resp, err := store.Query(ctx, QueryRequest{Series: series})
		require.NoError(t, err)
		require.Len(t, resp.Klines, 1)
		assert.True(t, resp.Klines[0].Close.Equal(decimal.NewFromInt(2350)))
		assert.True(t, resp.Klines[0].High.Equal(decimal.NewFromInt(2400)))
	})
}

func TestSQLStore_UpsertValidatesRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	bad := dailyKline(0, 42000, 41000, 43000, 42500) // high < low
	_, err := store.UpsertBatch(ctx, series, []models.KlineRecord{bad}, InsertSkip)
	require.Error(t, err)

	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestSQLStore_UpsertMissingTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("NOTABLE")

	_, err := store.UpsertBatch(ctx, series, []models.KlineRecord{dailyKline(0, 1, 2, 0.5, 1.5)}, InsertSkip)
	assert.ErrorIs(t, err, ErrSeriesNotFound)
}

func TestSQLStore_ChunkedBatches(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:       "sqlite3",
		DSN:          ":memory:",
		BatchSize:    10, // force several chunks
		QueryTimeout: "5s",
	}
	store, err := NewSQLStore(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	batch := make([]models.KlineRecord, 0, 35)
	for day := 0; day < 35; day++ {
		batch = append(batch, dailyKline(day, 40000, 41000, 39000, 40500))
	}

	written, err := store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)
	assert.Equal(t, int64(35), written)

	stats, err := store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(35), stats.RowCount)
}

func TestSQLStore_QueryPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	batch := make([]models.KlineRecord, 0, 10)
	for day := 0; day < 10; day++ {
		batch = append(batch, dailyKline(day, 40000, 41000, 39000, 40500))
	}
	_, err := store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)

	t.Run("ascending first page", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{Series: series, Limit: 4})
		require.NoError(t, err)
		assert.Equal(t, 10, resp.Total)
		require.Len(t, resp.Klines, 4)
		assert.Equal(t, day0Ms, resp.Klines[0].OpenTime)
		assert.True(t, resp.HasMore)
		assert.Equal(t, 4, resp.NextOffset)
	})

	t.Run("descending pages from the newest row", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{Series: series, Limit: 3, OrderBy: "open_time_desc"})
		require.NoError(t, err)
		require.Len(t, resp.Klines, 3)
		assert.Equal(t, day0Ms+9*dayMs, resp.Klines[0].OpenTime)
		assert.Equal(t, day0Ms+7*dayMs, resp.Klines[2].OpenTime)
	})

	t.Run("offset walks the pages", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{Series: series, Limit: 4, Offset: 8})
		require.NoError(t, err)
		require.Len(t, resp.Klines, 2)
		assert.False(t, resp.HasMore)
	})

	t.Run("time range bounds are inclusive", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{
			Series:  series,
			StartMs: day0Ms + 2*dayMs,
			EndMs:   day0Ms + 5*dayMs,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, resp.Total)
	})

	t.Run("missing table returns sentinel", func(t *testing.T) {
		_, err := store.Query(ctx, QueryRequest{Series: dailySeries("MISSING")})
		assert.ErrorIs(t, err, ErrSeriesNotFound)
	})
}

func TestSQLStore_LastOpenTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")

	_, _, err := store.LastOpenTime(ctx, series)
	assert.ErrorIs(t, err, ErrSeriesNotFound)

	require.NoError(t, store.EnsureSeries(ctx, series))
	_, ok, err := store.LastOpenTime(ctx, series)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.UpsertBatch(ctx, series, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(3, 1, 2, 0.5, 1.5),
	}, InsertSkip)
	require.NoError(t, err)

	last, ok, err := store.LastOpenTime(ctx, series)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day0Ms+3*dayMs, last)
}

func TestSQLStore_DeleteRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	batch := make([]models.KlineRecord, 0, 6)
	for day := 0; day < 6; day++ {
		batch = append(batch, dailyKline(day, 1, 2, 0.5, 1.5))
	}
	_, err := store.UpsertBatch(ctx, series, batch, InsertSkip)
	require.NoError(t, err)

	deleted, err := store.DeleteRange(ctx, series, day0Ms+dayMs, day0Ms+3*dayMs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	stats, err := store.SeriesStats(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RowCount)

	// Open-ended bounds clear the rest.
	deleted, err = store.DeleteRange(ctx, series, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestSQLStore_DropSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	require.NoError(t, store.DropSeries(ctx, series))
	_, err := store.SeriesStats(ctx, series)
	assert.ErrorIs(t, err, ErrSeriesNotFound)

	// Dropping an absent table is not an error.
	assert.NoError(t, store.DropSeries(ctx, series))
}

func TestSQLStore_ListSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		symbol   string
		interval models.Interval
	}{
		{"BTCUSDT", models.Interval1d},
		{"BTCUSDT", models.Interval1M},
		{"ETHUSDT", models.Interval15m},
	} {
		require.NoError(t, store.EnsureSeries(ctx, models.NewSeriesKey(spec.symbol, spec.interval)))
	}

	// A stray table with the prefix but no valid interval must be ignored.
	_, err := store.db.Exec(`CREATE TABLE "Keep_out" (id BIGINT)`)
	require.NoError(t, err)

	series, err := store.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, "BTCUSDT", series[0].Symbol)
	assert.Equal(t, models.Interval1M, series[1].Interval)
	assert.Equal(t, "ETHUSDT", series[2].Symbol)
}

func TestSQLStore_DuplicateOpenTimes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	_, err := store.UpsertBatch(ctx, series, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(1, 1, 2, 0.5, 1.5),
	}, InsertSkip)
	require.NoError(t, err)

	// Our own tables cannot hold duplicates.
	dups, err := store.DuplicateOpenTimes(ctx, series)
	require.NoError(t, err)
	assert.Empty(t, dups)

	// A legacy table built without the primary key can.
	legacy := models.NewSeriesKey("LEGACYUSDT", models.Interval1d)
	_, err = store.db.Exec(`CREATE TABLE "` + legacy.TableName() + `" (
		"open_time" BIGINT, "trade_date" VARCHAR, "open" DOUBLE PRECISION,
		"high" DOUBLE PRECISION, "low" DOUBLE PRECISION, "close" DOUBLE PRECISION,
		"volume" DOUBLE PRECISION, "close_time" BIGINT, "quote_volume" DOUBLE PRECISION,
		"trade_count" BIGINT, "active_buy_volume" DOUBLE PRECISION,
		"active_buy_quote_volume" DOUBLE PRECISION, "diff" DOUBLE PRECISION, "pct_chg" DOUBLE PRECISION
	)`)
	require.NoError(t, err)

	insert := `INSERT INTO "` + legacy.TableName() + `" VALUES (?, '2024-01-01 00:00:00', 1, 2, 0.5, 1.5, 10, ?, 100, 5, 6, 60, 0.5, 0.5)`
	for _, openMs := range []int64{day0Ms, day0Ms, day0Ms, day0Ms + dayMs} {
		_, err = store.db.Exec(insert, openMs, openMs+dayMs-1)
		require.NoError(t, err)
	}

	dups, err = store.DuplicateOpenTimes(ctx, legacy)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, int64(3), dups[day0Ms])
}

func TestSQLStore_SymbolRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("initial sync adds everything as trading", func(t *testing.T) {
		result, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, result.Added)
		assert.Empty(t, result.Updated)
		assert.Empty(t, result.Delisted)
		assert.Equal(t, 3, result.TotalExchange)
		assert.Equal(t, 3, result.TotalLocal)
		assert.False(t, result.DryRun)
	})

	t.Run("second sync reactivates and delists", func(t *testing.T) {
		// Take XRPUSDT off TRADING so the next sync has something to
		// reactivate.
		require.NoError(t, store.UpdateSymbolStatus(ctx, "XRPUSDT", models.StatusBreak))

		result, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "XRPUSDT", "SOLUSDT"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"SOLUSDT"}, result.Added)
		assert.Equal(t, []string{"XRPUSDT"}, result.Updated)
		assert.Equal(t, []string{"ETHUSDT"}, result.Delisted)
		assert.Equal(t, 3, result.TotalExchange)
		assert.Equal(t, 4, result.TotalLocal)

		info, err := store.GetSymbol(ctx, "XRPUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.StatusTrading, info.Status)
	})

	t.Run("dry run previews without writing", func(t *testing.T) {
		result, err := store.SyncSymbols(ctx, []string{"BTCUSDT", "ADAUSDT"}, true)
		require.NoError(t, err)
		assert.True(t, result.DryRun)
		assert.Equal(t, []string{"ADAUSDT"}, result.Added)
		assert.Empty(t, result.Updated)
		assert.Equal(t, []string{"SOLUSDT", "XRPUSDT"}, result.Delisted)
		assert.Equal(t, 5, result.TotalLocal)

		_, err = store.GetSymbol(ctx, "ADAUSDT")
		assert.ErrorIs(t, err, ErrSymbolNotFound)

		info, err := store.GetSymbol(ctx, "SOLUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.StatusTrading, info.Status)
	})

	t.Run("lookup and filters", func(t *testing.T) {
		info, err := store.GetSymbol(ctx, "ETHUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelisted, info.Status)
		assert.False(t, info.Tradable())

		trading, err := store.ListSymbols(ctx, models.StatusTrading)
		require.NoError(t, err)
		require.Len(t, trading, 3)
		assert.Equal(t, "BTCUSDT", trading[0].Symbol)

		all, err := store.ListSymbols(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		_, err = store.GetSymbol(ctx, "DOGEUSDT")
		assert.ErrorIs(t, err, ErrSymbolNotFound)
	})

	t.Run("manual add update delete", func(t *testing.T) {
		require.NoError(t, store.PutSymbol(ctx, "ADAUSDT", ""))
		info, err := store.GetSymbol(ctx, "ADAUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.StatusTrading, info.Status)

		require.NoError(t, store.PutSymbol(ctx, "ADAUSDT", models.StatusBreak))
		info, err = store.GetSymbol(ctx, "ADAUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.StatusBreak, info.Status)

		err = store.PutSymbol(ctx, "ADAUSDT", models.SymbolStatus("HALTED"))
		require.Error(t, err)
		assert.Equal(t, apperrors.TypeClientError, apperrors.TypeOf(err))

		err = store.UpdateSymbolStatus(ctx, "NOPEUSDT", models.StatusBreak)
		assert.ErrorIs(t, err, ErrSymbolNotFound)

		require.NoError(t, store.DeleteSymbol(ctx, "ADAUSDT"))
		_, err = store.GetSymbol(ctx, "ADAUSDT")
		assert.ErrorIs(t, err, ErrSymbolNotFound)
		assert.ErrorIs(t, store.DeleteSymbol(ctx, "ADAUSDT"), ErrSymbolNotFound)
	})

	t.Run("statistics", func(t *testing.T) {
		stats, err := store.SymbolStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 3, stats.ByStatus[models.StatusTrading])
		assert.Equal(t, 1, stats.ByStatus[models.StatusDelisted])
		assert.False(t, stats.LastSyncAt.IsZero())
	})
}

func TestSQLStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	daily := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, daily))
	_, err := store.UpsertBatch(ctx, daily, []models.KlineRecord{
		dailyKline(0, 1, 2, 0.5, 1.5),
		dailyKline(1, 1, 2, 0.5, 1.5),
	}, InsertSkip)
	require.NoError(t, err)

	hourly := models.NewSeriesKey("ETHUSDT", models.Interval1h)
	require.NoError(t, store.EnsureSeries(ctx, hourly))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", stats.Driver)
	assert.Equal(t, 2, stats.TotalSeries)
	assert.Equal(t, int64(2), stats.TotalRows)
	assert.Equal(t, int64(2), stats.RowsByInterval["1d"])
	assert.Equal(t, int64(0), stats.RowsByInterval["1h"])
}

func TestSQLStore_RejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLStore(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestSQLStore_RoundTripPrecision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := dailySeries("BTCUSDT")
	require.NoError(t, store.EnsureSeries(ctx, series))

	k := dailyKline(0, 42123.45, 43000.01, 41999.99, 42500.5)
	_, err := store.UpsertBatch(ctx, series, []models.KlineRecord{k}, InsertSkip)
	require.NoError(t, err)

	resp, err := store.Query(ctx, QueryRequest{Series: series})
	require.NoError(t, err)
	require.Len(t, resp.Klines, 1)

	got := resp.Klines[0]
	assert.Equal(t, "42123.45", got.Open.String())
	assert.Equal(t, "43000.01", got.High.String())
	assert.Equal(t, "41999.99", got.Low.String())
	assert.Equal(t, "42500.5", got.Close.String())
	assert.Equal(t, k.CloseTime, got.CloseTime)
	assert.Equal(t, k.TradeCount, got.TradeCount)
}
