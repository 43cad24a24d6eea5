package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/klinesync/klinesync/internal/downloader"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/exchange"
	"github.com/klinesync/klinesync/internal/integrity"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

// Listing bounds for the kline read endpoint.
const (
	defaultKlineLimit = 100
	maxKlineLimit     = 1500
)

// defaultRequestDelay paces API-submitted downloads when the body names no
// request_delay.
const defaultRequestDelay = 100 * time.Millisecond

// Deps collects everything the handlers reach into.
type Deps struct {
	Store      storage.Store
	Lister     exchange.SymbolLister
	Downloader *downloader.Service
	Checker    *integrity.Checker
	Reconciler *integrity.Reconciler
	Healer     *integrity.Healer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Handler implements the /api surface.
type Handler struct {
	store      storage.Store
	lister     exchange.SymbolLister
	svc        *downloader.Service
	checker    *integrity.Checker
	reconciler *integrity.Reconciler
	healer     *integrity.Healer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	started    time.Time
}

// NewHandler wires the handlers. Nil Metrics gets a private collector so the
// health endpoint always has counters to report.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		store:      deps.Store,
		lister:     deps.Lister,
		svc:        deps.Downloader,
		checker:    deps.Checker,
		reconciler: deps.Reconciler,
		healer:     deps.Healer,
		metrics:    m,
		logger:     logger,
		started:    time.Now(),
	}
}

// Routes builds the /api router with logging and recovery middleware.
func (h *Handler) Routes() *mux.Router {
	root := mux.NewRouter().StrictSlash(true)
	api := root.PathPrefix("/api").Subrouter()
	api.Use(h.requestLogging, h.recovery)

	api.HandleFunc("/download", h.handleDownload).Methods(http.MethodPost)
	api.HandleFunc("/auto-update", h.handleAutoUpdate).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}", h.handleTask).Methods(http.MethodGet)

	api.HandleFunc("/data-integrity", h.handleDataIntegrity).Methods(http.MethodPost)
	api.HandleFunc("/generate-integrity-report", h.handleGenerateReport).Methods(http.MethodPost)
	api.HandleFunc("/download-missing-data", h.handleDownloadMissing).Methods(http.MethodPost)
	api.HandleFunc("/recheck-problematic-symbols", h.handleRecheck).Methods(http.MethodPost)

	api.HandleFunc("/symbols", h.handleListSeries).Methods(http.MethodGet)
	api.HandleFunc("/kline/{interval}/{symbol}", h.handleKlines).Methods(http.MethodGet)
	api.HandleFunc("/kline-data", h.handleDeleteKlines).Methods(http.MethodDelete)

	manage := api.PathPrefix("/symbols/manage").Subrouter()
	manage.HandleFunc("/all", h.handleManageList).Methods(http.MethodGet)
	manage.HandleFunc("/statistics", h.handleManageStats).Methods(http.MethodGet)
	manage.HandleFunc("/sync", h.handleManageSync).Methods(http.MethodPost)
	manage.HandleFunc("/add", h.handleManageAdd).Methods(http.MethodPost)
	manage.HandleFunc("/{symbol}/status", h.handleManageStatus).Methods(http.MethodPut)
	manage.HandleFunc("/{symbol}", h.handleManageDelete).Methods(http.MethodDelete)

	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	return root
}

// --- download lane ---

type downloadRequest struct {
	Interval       string `json:"interval"`
	Symbol         string `json:"symbol"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	DaysBack       int    `json:"days_back"`
	Limit          int    `json:"limit"`
	UpdateExisting bool   `json:"update_existing"`
	MissingOnly    bool   `json:"missing_only"`
	AutoSplit      bool   `json:"auto_split"` // always on; accepted for compatibility
	RequestDelay   string `json:"request_delay"`
	BatchSize      int    `json:"batch_size"`
	BatchDelay     string `json:"batch_delay"`
}

type taskAccepted struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	interval, err := parseIntervalParam(req.Interval)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	startMs, err := parseDateMs(req.StartTime, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endMs, err := parseDateMs(req.EndTime, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pacing, err := parsePacing(req.RequestDelay, req.BatchSize, req.BatchDelay)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	kind := models.TaskKindDownload
	if req.MissingOnly {
		kind = models.TaskKindMissingOnly
	}
	task, err := h.svc.Submit(downloader.Intent{
		Kind:           kind,
		Interval:       interval,
		Symbol:         req.Symbol,
		StartMs:        startMs,
		EndMs:          endMs,
		DaysBack:       req.DaysBack,
		PageLimit:      req.Limit,
		UpdateExisting: req.UpdateExisting,
		MissingOnly:    req.MissingOnly,
		Pacing:         pacing,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: task.ID, Message: "download task accepted"})
}

type autoUpdateRequest struct {
	Interval     string `json:"interval"`
	Limit        int    `json:"limit"`
	AutoSplit    bool   `json:"auto_split"`
	RequestDelay string `json:"request_delay"`
	BatchSize    int    `json:"batch_size"`
	BatchDelay   string `json:"batch_delay"`
}

func (h *Handler) handleAutoUpdate(w http.ResponseWriter, r *http.Request) {
	var req autoUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	interval, err := parseIntervalParam(req.Interval)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pacing, err := parsePacing(req.RequestDelay, req.BatchSize, req.BatchDelay)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.svc.Submit(downloader.Intent{
		Kind:      models.TaskKindAutoUpdate,
		Interval:  interval,
		PageLimit: req.Limit,
		Pacing:    pacing,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: task.ID, Message: "auto-update task accepted"})
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["task_id"]
	task, ok := h.svc.Task(id)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// --- integrity ---

type integrityRequest struct {
	Symbol          string `json:"symbol"`
	Interval        string `json:"interval"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	CheckDuplicates *bool  `json:"check_duplicates"`
	CheckMissing    *bool  `json:"check_missing_dates"`
	CheckQuality    *bool  `json:"check_data_quality"`
}

// checkRequest translates the wire form; absent check flags default to on.
func (r integrityRequest) checkRequest() (integrity.CheckRequest, error) {
	interval, err := parseIntervalParam(r.Interval)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	startMs, err := parseDateMs(r.StartDate, false)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	endMs, err := parseDateMs(r.EndDate, true)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	return integrity.CheckRequest{
		Symbol:          r.Symbol,
		Interval:        interval,
		StartMs:         startMs,
		EndMs:           endMs,
		CheckDuplicates: boolOr(r.CheckDuplicates, true),
		CheckMissing:    boolOr(r.CheckMissing, true),
		CheckQuality:    boolOr(r.CheckQuality, true),
	}, nil
}

func (h *Handler) handleDataIntegrity(w http.ResponseWriter, r *http.Request) {
	var req integrityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	check, err := req.checkRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.checker.Check(r.Context(), check)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type renderRequest struct {
	CheckResults    *models.IntegrityReport `json:"check_results"`
	Format          string                  `json:"format"`
	CheckDuplicates *bool                   `json:"check_duplicates"`
	CheckMissing    *bool                   `json:"check_missing_dates"`
	CheckQuality    *bool                   `json:"check_data_quality"`
}

func (h *Handler) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CheckResults == nil {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "render_report", "check_results is required"))
		return
	}
	format := req.Format
	if format == "" {
		format = string(integrity.FormatText)
	}
	parsed, err := integrity.ParseFormat(format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rendered, err := integrity.RenderReport(req.CheckResults, parsed, integrity.ReportOptions{
		CheckDuplicates: boolOr(req.CheckDuplicates, true),
		CheckMissing:    boolOr(req.CheckMissing, true),
		CheckQuality:    boolOr(req.CheckQuality, true),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"format": parsed,
		"report": rendered,
	})
}

func (h *Handler) handleDownloadMissing(w http.ResponseWriter, r *http.Request) {
	var req integrityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	check, err := req.checkRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.healer.DownloadMissing(r.Context(), check)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":               "success",
		"check_results_before": result.Before,
		"download_stats":       result.Stats,
		"check_results_after":  result.After,
	})
}

type recheckRequest struct {
	CheckResults *models.IntegrityReport `json:"check_results"`
	Interval     string                  `json:"interval"`
	StartDate    string                  `json:"start_date"`
	EndDate      string                  `json:"end_date"`
}

func (h *Handler) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CheckResults == nil {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "recheck", "check_results is required"))
		return
	}
	report := req.CheckResults
	if req.Interval != "" {
		interval, err := parseIntervalParam(req.Interval)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		report.Interval = interval
	}
	if !report.Interval.Valid() {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "recheck", "check_results carries no valid interval"))
		return
	}
	startMs, err := parseDateMs(req.StartDate, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endMs, err := parseDateMs(req.EndDate, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.reconciler.Recheck(r.Context(), report, startMs, endMs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"recheck_results": result,
	})
}

// --- kline data ---

func (h *Handler) handleListSeries(w http.ResponseWriter, r *http.Request) {
	interval, err := parseIntervalParam(queryOr(r, "interval", string(models.Interval1d)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	keys, err := h.store.ListSeries(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	symbols := make([]string, 0, len(keys))
	for _, key := range keys {
		if key.Interval == interval {
			symbols = append(symbols, key.Symbol)
		}
	}
	sort.Strings(symbols)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"interval": interval,
		"count":    len(symbols),
		"symbols":  symbols,
	})
}

// klineRow adds the display trade date to the stored record.
type klineRow struct {
	models.KlineRecord
	TradeDate string `json:"trade_date"`
}

func (h *Handler) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	interval, err := parseIntervalParam(vars["interval"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	series := models.NewSeriesKey(vars["symbol"], interval)

	startMs, err := parseDateMs(r.URL.Query().Get("start_date"), false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endMs, err := parseDateMs(r.URL.Query().Get("end_date"), true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultKlineLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = defaultKlineLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if offset < 0 {
		offset = 0
	}

	// Page from the tail: the newest rows are the interesting ones, but the
	// payload stays in ascending order.
	resp, err := h.store.Query(r.Context(), storage.QueryRequest{
		Series:  series,
		StartMs: startMs,
		EndMs:   endMs,
		Limit:   limit,
		Offset:  offset,
		OrderBy: "open_time_desc",
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rows := make([]klineRow, len(resp.Klines))
	for i := range resp.Klines {
		record := resp.Klines[len(resp.Klines)-1-i]
		rows[i] = klineRow{KlineRecord: record, TradeDate: record.TradeDate()}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      series.Symbol,
		"interval":    interval,
		"count":       len(rows),
		"total_count": resp.Total,
		"data":        rows,
	})
}

type deleteRequest struct {
	Interval  string `json:"interval"`
	Symbol    string `json:"symbol"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Confirm   bool   `json:"confirm"`
}

func (h *Handler) handleDeleteKlines(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Confirm {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "delete_klines", "confirm must be true"))
		return
	}
	interval, err := parseIntervalParam(req.Interval)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "delete_klines", "symbol is required"))
		return
	}
	startMs, err := parseDateMs(req.StartDate, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endMs, err := parseDateMs(req.EndDate, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	series := models.NewSeriesKey(req.Symbol, interval)
	deleted, err := h.store.DeleteRange(r.Context(), series, startMs, endMs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("klines deleted", "series", series, "deleted", deleted)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"series":        series.String(),
		"deleted_count": deleted,
	})
}

// --- symbol registry ---

func (h *Handler) handleManageList(w http.ResponseWriter, r *http.Request) {
	status := models.SymbolStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "list_symbols", "unknown status %q", status))
		return
	}
	infos, err := h.store.ListSymbols(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(infos),
		"symbols": infos,
	})
}

func (h *Handler) handleManageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.SymbolStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleManageSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	listing, err := h.lister.TradingSymbols(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.store.SyncSymbols(r.Context(), listing, req.DryRun)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleManageAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "add_symbol", "symbol is required"))
		return
	}
	status := models.SymbolStatus(strings.ToUpper(req.Status))
	if status != "" && !status.Valid() {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "add_symbol", "unknown status %q", req.Status))
		return
	}
	if err := h.store.PutSymbol(r.Context(), symbol, status); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"status": "created",
		"symbol": symbol,
	})
}

func (h *Handler) handleManageStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	status := models.SymbolStatus(strings.ToUpper(req.Status))
	if !status.Valid() {
		h.writeError(w, r, apperrors.Newf(apperrors.TypeClientError, "update_symbol", "unknown status %q", req.Status))
		return
	}
	if err := h.store.UpdateSymbolStatus(r.Context(), symbol, status); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "updated",
		"symbol": symbol,
	})
}

func (h *Handler) handleManageDelete(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if err := h.store.DeleteSymbol(r.Context(), symbol); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"symbol": symbol,
	})
}

// --- health ---

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"service":  "klinesync",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"database": "ok",
		"counters": h.metrics.Snapshot(),
	}
	status := http.StatusOK
	if err := h.store.HealthCheck(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// --- plumbing ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses and emits the
// standard error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrSeriesNotFound), errors.Is(err, storage.ErrSymbolNotFound):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrQueueFull), errors.Is(err, downloader.ErrNotRunning):
		status = http.StatusServiceUnavailable
	default:
		switch apperrors.TypeOf(err) {
		case apperrors.TypeClientError:
			status = http.StatusBadRequest
		case apperrors.TypeRateLimited:
			status = http.StatusTooManyRequests
		case apperrors.TypeStorageUnavailable:
			status = http.StatusServiceUnavailable
		case apperrors.TypeTransientNetwork:
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeJSON reads the request body into dst. An empty body is fine; every
// field then keeps its default.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.New(apperrors.TypeClientError, "decode_request", err)
}

func parseIntervalParam(s string) (models.Interval, error) {
	interval, err := models.ParseInterval(strings.TrimSpace(s))
	if err != nil {
		return "", apperrors.New(apperrors.TypeClientError, "parse_interval", err)
	}
	return interval, nil
}

// dateLayouts are the accepted request date forms, most specific first.
var dateLayouts = []string{models.TradeDateLayout, "2006-01-02 15:04", "2006-01-02"}

// parseDateMs parses a request date in UTC and returns Unix milliseconds.
// Empty means unset (0). Date-only end bounds extend to the day's last
// second so "2024-01-05" includes the whole day.
func parseDateMs(s string, endOfDay bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			continue
		}
		if endOfDay && layout == "2006-01-02" {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.UnixMilli(), nil
	}
	return 0, apperrors.Newf(apperrors.TypeClientError, "parse_date", "unrecognized date %q", s)
}

func parsePacing(requestDelay string, batchSize int, batchDelay string) (downloader.Pacing, error) {
	pacing := downloader.Pacing{RequestDelay: defaultRequestDelay}
	if requestDelay != "" {
		d, err := time.ParseDuration(requestDelay)
		if err != nil || d < 0 {
			return pacing, apperrors.Newf(apperrors.TypeClientError, "parse_pacing", "invalid request_delay %q", requestDelay)
		}
		pacing.RequestDelay = d
	}
	if batchDelay != "" {
		d, err := time.ParseDuration(batchDelay)
		if err != nil || d < 0 {
			return pacing, apperrors.Newf(apperrors.TypeClientError, "parse_pacing", "invalid batch_delay %q", batchDelay)
		}
		pacing.BatchDelay = d
	}
	if batchSize < 0 {
		return pacing, apperrors.Newf(apperrors.TypeClientError, "parse_pacing", "batch_size must not be negative")
	}
	pacing.BatchSize = batchSize
	return pacing, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func queryOr(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Newf(apperrors.TypeClientError, "parse_query", "%s must be an integer", key)
	}
	return n, nil
}
