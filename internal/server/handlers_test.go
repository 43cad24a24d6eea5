package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/config"
	"github.com/klinesync/klinesync/internal/downloader"
	"github.com/klinesync/klinesync/internal/integrity"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

// 2024-01-01 00:00:00 UTC.
const day0Ms int64 = 1704067200000

const dayMs = int64(24 * time.Hour / time.Millisecond)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dailyBar(openMs int64) models.KlineRecord {
	return models.KlineRecord{
		OpenTime:             openMs,
		Open:                 decimal.NewFromInt(100),
		High:                 decimal.NewFromInt(110),
		Low:                  decimal.NewFromInt(90),
		Close:                decimal.NewFromInt(105),
		Volume:               decimal.NewFromInt(12),
		CloseTime:            openMs + dayMs - 1,
		QuoteVolume:          decimal.NewFromInt(1230),
		TradeCount:           42,
		ActiveBuyVolume:      decimal.NewFromInt(6),
		ActiveBuyQuoteVolume: decimal.NewFromInt(615),
	}
}

func dailyBars(startMs int64, n int) []models.KlineRecord {
	out := make([]models.KlineRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, dailyBar(startMs+int64(i)*dayMs))
	}
	return out
}

// stubSource answers exchange calls with bar-aligned klines and a fixed
// trading listing.
type stubSource struct {
	mu      sync.Mutex
	fetches [][2]int64
	err     error
	listing []string
}

func (f *stubSource) FetchKlines(ctx context.Context, series models.SeriesKey, startMs, endMs int64, limit int) ([]models.KlineRecord, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, [2]int64{startMs, endMs})
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return alignedBars(series.Interval, startMs, endMs), nil
}

func (f *stubSource) TradingSymbols(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.listing...), nil
}

func (f *stubSource) SymbolStatuses(ctx context.Context) (map[string]models.SymbolStatus, error) {
	out := make(map[string]models.SymbolStatus, len(f.listing))
	for _, s := range f.listing {
		out[s] = models.StatusTrading
	}
	return out, nil
}

func (f *stubSource) HealthCheck(ctx context.Context) error { return nil }

func (f *stubSource) ServerTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }

// alignedBars generates one valid bar per interval step inside [startMs,
// endMs], snapped to the bar cadence.
func alignedBars(interval models.Interval, startMs, endMs int64) []models.KlineRecord {
	step := interval.Millis()
	cur := interval.Truncate(time.UnixMilli(startMs).UTC())
	if cur.UnixMilli() < startMs {
		cur = interval.Next(cur)
	}
	var out []models.KlineRecord
	for ; cur.UnixMilli() <= endMs; cur = interval.Next(cur) {
		bar := dailyBar(cur.UnixMilli())
		bar.CloseTime = cur.UnixMilli() + step - 1
		out = append(out, bar)
	}
	return out
}

type testEnv struct {
	store  *storage.MemoryStore
	source *stubSource
	svc    *downloader.Service
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	source := &stubSource{}
	m := metrics.New()
	svc := downloader.New(store, source, nil, m, config.DownloaderConfig{
		RequestDelay:      "0s",
		BatchSize:         30,
		BatchDelay:        "0s",
		MaxRetries:        1,
		RetryInitialDelay: "1ms",
		RetryMaxDelay:     "2ms",
		PageLimit:         1500,
		DaysBack:          3,
	}, discardLogger())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	checker := integrity.NewChecker(store, m, discardLogger())
	handler := NewHandler(Deps{
		Store:      store,
		Lister:     source,
		Downloader: svc,
		Checker:    checker,
		Reconciler: integrity.NewReconciler(store, source, discardLogger()),
		Healer:     integrity.NewHealer(checker, svc, discardLogger()),
		Metrics:    m,
		Logger:     discardLogger(),
	})
	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{store: store, source: source, svc: svc, ts: ts}
}

// do issues a JSON request against the test server and decodes the response
// body into out when out is non-nil.
func (env *testEnv) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (env *testEnv) waitTask(t *testing.T, id string) models.DownloadTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var task models.DownloadTask
		status := env.do(t, http.MethodGet, "/api/tasks/"+id, nil, &task)
		require.Equal(t, http.StatusOK, status)
		if task.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return models.DownloadTask{}
}

func TestHandler_DownloadLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var accepted taskAccepted
	status := env.do(t, http.MethodPost, "/api/download", map[string]any{
		"interval":   "1d",
		"symbol":     "btcusdt",
		"start_time": "2024-01-01",
		"end_time":   "2024-01-05",
	}, &accepted)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "download task accepted", accepted.Message)

	task := env.waitTask(t, accepted.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, models.TaskKindDownload, task.Kind)
	assert.EqualValues(t, 5, task.RecordsWritten)

	stats, err := env.store.SeriesStats(context.Background(), models.NewSeriesKey("BTCUSDT", models.Interval1d))
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.RowCount)
}

func TestHandler_DownloadValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown interval", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodPost, "/api/download", map[string]any{"interval": "7x"}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out["error"], "parse_interval")
	})

	t.Run("unreadable date", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodPost, "/api/download", map[string]any{
			"interval":   "1d",
			"symbol":     "BTCUSDT",
			"start_time": "01/02/2024",
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out["error"], "unrecognized date")
	})

	t.Run("bad pacing", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodPost, "/api/download", map[string]any{
			"interval":      "1d",
			"symbol":        "BTCUSDT",
			"request_delay": "fast",
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out["error"], "request_delay")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := env.ts.Client().Post(env.ts.URL+"/api/download", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandler_TaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]string
	status := env.do(t, http.MethodGet, "/api/tasks/no-such-task", nil, &out)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task not found", out["error"])
}

func TestHandler_AutoUpdateRefreshesExistingSeries(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	require.NoError(t, env.store.EnsureSeries(context.Background(), series))

	var accepted taskAccepted
	status := env.do(t, http.MethodPost, "/api/auto-update", map[string]any{"interval": "1d"}, &accepted)
	require.Equal(t, http.StatusAccepted, status)

	task := env.waitTask(t, accepted.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, models.TaskKindAutoUpdate, task.Kind)

	// An empty tracked series is backfilled for the configured lookback.
	stats, err := env.store.SeriesStats(context.Background(), series)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.RowCount)
}

func TestHandler_DataIntegrityAndReport(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	env.store.SeedRows(series, []models.KlineRecord{
		dailyBar(day0Ms),
		dailyBar(day0Ms + 1*dayMs),
		dailyBar(day0Ms + 3*dayMs),
		dailyBar(day0Ms + 4*dayMs),
	})

	var report models.IntegrityReport
	status := env.do(t, http.MethodPost, "/api/data-integrity", map[string]any{"interval": "1d"}, &report)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.Interval1d, report.Interval)
	assert.Equal(t, 1, report.CheckedSymbols)
	assert.Equal(t, []string{"BTCUSDT"}, report.SymbolsWithIssues)
	assert.Equal(t, 1, report.Summary.MissingTimestamps)

	// The report that came over the wire renders as-is.
	var rendered struct {
		Status string `json:"status"`
		Format string `json:"format"`
		Report string `json:"report"`
	}
	status = env.do(t, http.MethodPost, "/api/generate-integrity-report", map[string]any{
		"check_results": report,
		"format":        "text",
	}, &rendered)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", rendered.Status)
	assert.Equal(t, "text", rendered.Format)
	assert.Contains(t, rendered.Report, "DATA INTEGRITY REPORT")
	assert.Contains(t, rendered.Report, "BTCUSDT")

	t.Run("missing check_results", func(t *testing.T) {
		var out map[string]any
		status := env.do(t, http.MethodPost, "/api/generate-integrity-report", map[string]any{"format": "text"}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unknown format", func(t *testing.T) {
		var out map[string]any
		status := env.do(t, http.MethodPost, "/api/generate-integrity-report", map[string]any{
			"check_results": report,
			"format":        "yaml",
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestHandler_DownloadMissingData(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	env.store.SeedRows(series, []models.KlineRecord{
		dailyBar(day0Ms),
		dailyBar(day0Ms + 1*dayMs),
		dailyBar(day0Ms + 3*dayMs),
		dailyBar(day0Ms + 4*dayMs),
	})

	var out struct {
		Status string                  `json:"status"`
		Before *models.IntegrityReport `json:"check_results_before"`
		Stats  integrity.MissingStats  `json:"download_stats"`
		After  *models.IntegrityReport `json:"check_results_after"`
	}
	status := env.do(t, http.MethodPost, "/api/download-missing-data", map[string]any{"interval": "1d"}, &out)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "success", out.Status)
	require.NotNil(t, out.Before)
	assert.Equal(t, 1, out.Before.Summary.MissingTimestamps)
	assert.Equal(t, 1, out.Stats.RangesDownloaded)
	assert.Equal(t, []string{"BTCUSDT"}, out.Stats.Succeeded)
	require.NotNil(t, out.After)
	assert.Zero(t, out.After.Summary.MissingTimestamps)
	assert.Empty(t, out.After.SymbolsWithIssues)

	stats, err := env.store.SeriesStats(context.Background(), series)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.RowCount)
}

func TestHandler_RecheckProblematicSymbols(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	rows := dailyBars(day0Ms, 5)
	rows = append(rows, dailyBar(day0Ms)) // duplicated open time
	env.store.SeedRows(series, rows)

	var report models.IntegrityReport
	status := env.do(t, http.MethodPost, "/api/data-integrity", map[string]any{"interval": "1d"}, &report)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"BTCUSDT"}, report.SymbolsWithIssues)

	var out struct {
		Status  string                  `json:"status"`
		Results integrity.RecheckResult `json:"recheck_results"`
	}
	status = env.do(t, http.MethodPost, "/api/recheck-problematic-symbols", map[string]any{
		"check_results": report,
	}, &out)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "success", out.Status)
	assert.Equal(t, 1, out.Results.TotalRechecked)
	detail := out.Results.Details["BTCUSDT"]
	require.NotNil(t, detail)
	assert.Equal(t, 6, detail.Local.RecordCount)
	assert.Equal(t, 5, detail.Exchange.RecordCount)
	assert.Equal(t, "local data worse than exchange | redownload should fix it", detail.Conclusion)
	assert.Equal(t, []string{"BTCUSDT"}, out.Results.LocalDataIssues)
	assert.Equal(t, []string{"BTCUSDT"}, out.Results.FixedByRedownload)

	t.Run("missing check_results", func(t *testing.T) {
		var body map[string]any
		status := env.do(t, http.MethodPost, "/api/recheck-problematic-symbols", map[string]any{}, &body)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

type klinePage struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	Count      int    `json:"count"`
	TotalCount int    `json:"total_count"`
	Data       []struct {
		OpenTime  int64  `json:"open_time"`
		TradeDate string `json:"trade_date"`
	} `json:"data"`
}

func TestHandler_KlineTailPagination(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	env.store.SeedRows(series, dailyBars(day0Ms, 10))

	t.Run("default page covers all rows", func(t *testing.T) {
		var page klinePage
		status := env.do(t, http.MethodGet, "/api/kline/1d/btcusdt", nil, &page)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "BTCUSDT", page.Symbol)
		assert.Equal(t, 10, page.Count)
		assert.Equal(t, 10, page.TotalCount)
		assert.Equal(t, day0Ms, page.Data[0].OpenTime)
	})

	t.Run("limit slices from the tail ascending", func(t *testing.T) {
		var page klinePage
		status := env.do(t, http.MethodGet, "/api/kline/1d/BTCUSDT?limit=3", nil, &page)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 3, page.Count)
		assert.Equal(t, 10, page.TotalCount)
		assert.Equal(t, day0Ms+7*dayMs, page.Data[0].OpenTime)
		assert.Equal(t, day0Ms+9*dayMs, page.Data[2].OpenTime)
		assert.Equal(t, "2024-01-08 00:00:00", page.Data[0].TradeDate)
	})

	t.Run("offset pages further back", func(t *testing.T) {
		var page klinePage
		status := env.do(t, http.MethodGet, "/api/kline/1d/BTCUSDT?limit=3&offset=3", nil, &page)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 3, page.Count)
		assert.Equal(t, day0Ms+4*dayMs, page.Data[0].OpenTime)
		assert.Equal(t, day0Ms+6*dayMs, page.Data[2].OpenTime)
	})

	t.Run("date window clips the series", func(t *testing.T) {
		var page klinePage
		status := env.do(t, http.MethodGet, "/api/kline/1d/BTCUSDT?start_date=2024-01-03&end_date=2024-01-04", nil, &page)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 2, page.Count)
		assert.Equal(t, 2, page.TotalCount)
		assert.Equal(t, day0Ms+2*dayMs, page.Data[0].OpenTime)
	})
}

func TestHandler_KlineUnknownSeries(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]string
	status := env.do(t, http.MethodGet, "/api/kline/1d/NOPEUSDT", nil, &out)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, out["error"], "series not found")
}

func TestHandler_DeleteKlines(t *testing.T) {
	env := newTestEnv(t)
	series := models.NewSeriesKey("BTCUSDT", models.Interval1d)
	env.store.SeedRows(series, dailyBars(day0Ms, 5))

	t.Run("requires confirmation", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodDelete, "/api/kline-data", map[string]any{
			"interval": "1d",
			"symbol":   "BTCUSDT",
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out["error"], "confirm")
	})

	t.Run("deletes the requested window", func(t *testing.T) {
		var out struct {
			Status       string `json:"status"`
			DeletedCount int64  `json:"deleted_count"`
		}
		status := env.do(t, http.MethodDelete, "/api/kline-data", map[string]any{
			"interval":   "1d",
			"symbol":     "btcusdt",
			"start_date": "2024-01-02",
			"end_date":   "2024-01-03",
			"confirm":    true,
		}, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "success", out.Status)
		assert.EqualValues(t, 2, out.DeletedCount)

		stats, err := env.store.SeriesStats(context.Background(), series)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats.RowCount)
	})

	t.Run("symbol is required", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodDelete, "/api/kline-data", map[string]any{
			"interval": "1d",
			"confirm":  true,
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestHandler_ListSeries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.EnsureSeries(ctx, models.NewSeriesKey("BTCUSDT", models.Interval1d)))
	require.NoError(t, env.store.EnsureSeries(ctx, models.NewSeriesKey("ETHUSDT", models.Interval1d)))
	require.NoError(t, env.store.EnsureSeries(ctx, models.NewSeriesKey("BTCUSDT", models.Interval1h)))

	var out struct {
		Interval string   `json:"interval"`
		Count    int      `json:"count"`
		Symbols  []string `json:"symbols"`
	}
	status := env.do(t, http.MethodGet, "/api/symbols?interval=1d", nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, out.Symbols)

	status = env.do(t, http.MethodGet, "/api/symbols?interval=1h", nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"BTCUSDT"}, out.Symbols)
}

func TestHandler_SymbolManagement(t *testing.T) {
	env := newTestEnv(t)

	var created map[string]string
	status := env.do(t, http.MethodPost, "/api/symbols/manage/add", map[string]any{"symbol": "ethusdt"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "ETHUSDT", created["symbol"])

	info, err := env.store.GetSymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrading, info.Status)

	t.Run("rejects unknown status", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodPost, "/api/symbols/manage/add", map[string]any{
			"symbol": "BTCUSDT",
			"status": "SIDEWAYS",
		}, &out)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	var listed struct {
		Count   int                 `json:"count"`
		Symbols []models.SymbolInfo `json:"symbols"`
	}
	status = env.do(t, http.MethodGet, "/api/symbols/manage/all", nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "ETHUSDT", listed.Symbols[0].Symbol)

	status = env.do(t, http.MethodPut, "/api/symbols/manage/ethusdt/status", map[string]any{"status": "break"}, nil)
	require.Equal(t, http.StatusOK, status)

	status = env.do(t, http.MethodGet, "/api/symbols/manage/all?status=break", nil, &listed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, listed.Count)

	var stats models.SymbolStats
	status = env.do(t, http.MethodGet, "/api/symbols/manage/statistics", nil, &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.StatusBreak])

	status = env.do(t, http.MethodDelete, "/api/symbols/manage/ETHUSDT", nil, nil)
	require.Equal(t, http.StatusOK, status)

	t.Run("missing symbols are 404", func(t *testing.T) {
		var out map[string]string
		status := env.do(t, http.MethodDelete, "/api/symbols/manage/ETHUSDT", nil, &out)
		assert.Equal(t, http.StatusNotFound, status)

		status = env.do(t, http.MethodPut, "/api/symbols/manage/GONEUSDT/status", map[string]any{"status": "BREAK"}, &out)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestHandler_SymbolSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.PutSymbol(ctx, "KEEPUSDT", models.StatusTrading))
	require.NoError(t, env.store.PutSymbol(ctx, "OLDUSDT", models.StatusTrading))
	env.source.listing = []string{"KEEPUSDT", "NEWUSDT"}

	var result models.SymbolSyncResult
	status := env.do(t, http.MethodPost, "/api/symbols/manage/sync", map[string]any{"dry_run": true}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.DryRun)
	assert.Equal(t, []string{"NEWUSDT"}, result.Added)
	assert.Equal(t, []string{"OLDUSDT"}, result.Delisted)

	// Dry run leaves the registry untouched.
	_, err := env.store.GetSymbol(ctx, "NEWUSDT")
	require.ErrorIs(t, err, storage.ErrSymbolNotFound)

	status = env.do(t, http.MethodPost, "/api/symbols/manage/sync", map[string]any{}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, result.DryRun)

	added, err := env.store.GetSymbol(ctx, "NEWUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrading, added.Status)
	delisted, err := env.store.GetSymbol(ctx, "OLDUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelisted, delisted.Status)
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t)

	var out struct {
		Status   string           `json:"status"`
		Service  string           `json:"service"`
		Database string           `json:"database"`
		Counters metrics.Snapshot `json:"counters"`
	}
	status := env.do(t, http.MethodGet, "/api/health", nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "klinesync", out.Service)
	assert.Equal(t, "ok", out.Database)
	assert.NotEmpty(t, out.Counters.Uptime)
}

// brokenStore fails health checks while delegating everything else.
type brokenStore struct {
	*storage.MemoryStore
}

func (b *brokenStore) HealthCheck(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestHandler_HealthDegraded(t *testing.T) {
	handler := NewHandler(Deps{
		Store:  &brokenStore{MemoryStore: storage.NewMemoryStore()},
		Logger: discardLogger(),
	})
	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "degraded", out["status"])
	assert.Contains(t, out["database"], "connection refused")
}
