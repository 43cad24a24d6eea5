package integrity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/exchange"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

// SideStats summarizes one side of a local-versus-exchange comparison.
type SideStats struct {
	RecordCount    int               `json:"record_count"`
	DateRange      *models.DateRange `json:"date_range,omitempty"`
	Duplicates     int               `json:"duplicates"`
	InvalidPrices  int               `json:"invalid_prices"`
	InvalidVolumes int               `json:"invalid_volumes"`
	Error          string            `json:"error,omitempty"`
}

func (s SideStats) dirty() bool {
	return s.Duplicates > 0 || s.InvalidPrices > 0 || s.InvalidVolumes > 0
}

// StatsDiff holds local minus exchange for each compared counter.
type StatsDiff struct {
	RecordCount    int `json:"record_count"`
	Duplicates     int `json:"duplicates"`
	InvalidPrices  int `json:"invalid_prices"`
	InvalidVolumes int `json:"invalid_volumes"`
}

// SymbolRecheck is the per-symbol outcome of a reconciliation pass.
type SymbolRecheck struct {
	Symbol     string     `json:"symbol"`
	Issues     []string   `json:"issues,omitempty"`
	Local      SideStats  `json:"local_data"`
	Exchange   SideStats  `json:"exchange_data"`
	Diff       *StatsDiff `json:"comparison,omitempty"`
	Conclusion string     `json:"conclusion"`
}

// RecheckResult classifies every flagged symbol by which side of the data is
// at fault. A symbol can appear in several lists: both-issues symbols are
// also listed under exchange and local issues.
type RecheckResult struct {
	Interval          models.Interval           `json:"interval"`
	TotalRechecked    int                       `json:"total_rechecked"`
	ExchangeAPIIssues []string                  `json:"exchange_api_issues"`
	LocalDataIssues   []string                  `json:"local_data_issues"`
	BothIssues        []string                  `json:"both_issues"`
	FixedByRedownload []string                  `json:"fixed_by_redownload"`
	Details           map[string]*SymbolRecheck `json:"details"`
	CheckedAt         time.Time                 `json:"checked_at"`
}

// Reconciler re-fetches flagged series from the exchange and decides whether
// the stored copy, the exchange, or both are at fault. Exchange calls go
// through the shared rate gate, so a reconciliation pass competes politely
// with running downloads.
type Reconciler struct {
	store  storage.Store
	source exchange.KlineFetcher
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the store and exchange fetcher.
func NewReconciler(store storage.Store, source exchange.KlineFetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, source: source, logger: logger}
}

// Recheck re-examines every symbol the report flagged. StartMs/EndMs window
// the comparison when nonzero; otherwise each symbol is compared over its
// stored extent. Cancellation aborts the pass; an exchange failure for one
// symbol is recorded as an exchange-side issue and the pass moves on.
func (r *Reconciler) Recheck(ctx context.Context, report *models.IntegrityReport, startMs, endMs int64) (*RecheckResult, error) {
	result := &RecheckResult{
		Interval:          report.Interval,
		ExchangeAPIIssues: []string{},
		LocalDataIssues:   []string{},
		BothIssues:        []string{},
		FixedByRedownload: []string{},
		Details:           make(map[string]*SymbolRecheck),
		CheckedAt:         time.Now().UTC(),
	}

	symbols := append([]string(nil), report.SymbolsWithIssues...)
	sort.Strings(symbols)
	result.TotalRechecked = len(symbols)

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.New(apperrors.TypeCanceled, "integrity_recheck", err)
		}
		detail, err := r.recheckSymbol(ctx, symbol, report, startMs, endMs)
		if err != nil {
			return nil, err
		}
		result.Details[symbol] = detail
		r.classify(result, detail)
	}

	r.logger.Info("recheck finished",
		"interval", report.Interval,
		"rechecked", result.TotalRechecked,
		"exchange_issues", len(result.ExchangeAPIIssues),
		"local_issues", len(result.LocalDataIssues),
		"fixable", len(result.FixedByRedownload),
	)
	return result, nil
}

func (r *Reconciler) recheckSymbol(ctx context.Context, symbol string, report *models.IntegrityReport, startMs, endMs int64) (*SymbolRecheck, error) {
	detail := &SymbolRecheck{Symbol: symbol}
	if finding, ok := report.Findings[symbol]; ok {
		detail.Issues = finding.Issues
	}

	series := models.NewSeriesKey(symbol, report.Interval)
	resp, err := r.store.Query(ctx, storage.QueryRequest{Series: series})
	if err != nil && !errors.Is(err, storage.ErrSeriesNotFound) {
		return nil, err
	}
	var local []models.KlineRecord
	if resp != nil {
		local = clipWindow(resp.Klines, startMs, endMs)
	}
	detail.Local = sideStats(report.Interval, local)
	if len(local) == 0 {
		detail.Local.Error = "no local data"
		detail.Conclusion = "no local data to compare"
		return detail, nil
	}

	fetchStart := startMs
	if fetchStart <= 0 {
		fetchStart = local[0].OpenTime
	}
	fetchEnd := endMs
	if fetchEnd <= 0 {
		fetchEnd = local[len(local)-1].OpenTime
	}

	remote, err := r.source.FetchKlines(ctx, series, fetchStart, fetchEnd, 0)
	if err != nil {
		if apperrors.IsCanceled(err) {
			return nil, err
		}
		detail.Exchange = sideStats(report.Interval, remote)
		detail.Exchange.Error = err.Error()
		detail.Conclusion = "exchange fetch failed"
		r.logger.Warn("recheck fetch failed", "symbol", symbol, "error", err)
		return detail, nil
	}
	detail.Exchange = sideStats(report.Interval, remote)
	if len(remote) == 0 {
		detail.Conclusion = "exchange returned no data"
		return detail, nil
	}

	detail.Diff = &StatsDiff{
		RecordCount:    detail.Local.RecordCount - detail.Exchange.RecordCount,
		Duplicates:     detail.Local.Duplicates - detail.Exchange.Duplicates,
		InvalidPrices:  detail.Local.InvalidPrices - detail.Exchange.InvalidPrices,
		InvalidVolumes: detail.Local.InvalidVolumes - detail.Exchange.InvalidVolumes,
	}
	detail.Conclusion = conclude(detail)
	return detail, nil
}

// conclude derives the verdict for one compared symbol. Only symbols where
// both sides were inspected reach here.
func conclude(detail *SymbolRecheck) string {
	var parts []string
	if detail.Exchange.dirty() {
		parts = append(parts, "exchange data shows anomalies")
	}
	if localWorse(detail) {
		parts = append(parts, "local data worse than exchange")
		if !detail.Exchange.dirty() {
			parts = append(parts, "redownload should fix it")
		}
	}
	if len(parts) == 0 {
		return "data looks normal"
	}
	return strings.Join(parts, " | ")
}

// classify files the symbol into the result buckets its detail implies.
func (r *Reconciler) classify(result *RecheckResult, detail *SymbolRecheck) {
	exchangeIssue := detail.Exchange.Error != "" ||
		detail.Conclusion == "exchange returned no data" ||
		detail.Exchange.dirty()
	localIssue := detail.Diff != nil && localWorse(detail)

	if exchangeIssue {
		result.ExchangeAPIIssues = append(result.ExchangeAPIIssues, detail.Symbol)
	}
	if localIssue {
		result.LocalDataIssues = append(result.LocalDataIssues, detail.Symbol)
	}
	if exchangeIssue && localIssue {
		result.BothIssues = append(result.BothIssues, detail.Symbol)
	}
	if localIssue && !detail.Exchange.dirty() && detail.Exchange.Error == "" {
		result.FixedByRedownload = append(result.FixedByRedownload, detail.Symbol)
	}
}

func localWorse(detail *SymbolRecheck) bool {
	return detail.Local.Duplicates > detail.Exchange.Duplicates ||
		detail.Local.InvalidPrices > detail.Exchange.InvalidPrices ||
		detail.Local.InvalidVolumes > detail.Exchange.InvalidVolumes
}

// sideStats summarizes one row slice for comparison. Duplicates count surplus
// rows per repeated open time, so both sides are judged by the same rule the
// integrity checker applies to stored data.
func sideStats(interval models.Interval, rows []models.KlineRecord) SideStats {
	stats := SideStats{RecordCount: len(rows)}
	if len(rows) == 0 {
		return stats
	}
	stats.DateRange = observedRange(interval, rows)

	seen := make(map[int64]int, len(rows))
	for i := range rows {
		row := &rows[i]
		seen[row.OpenTime]++
		if row.Open.Sign() <= 0 || row.High.Sign() <= 0 || row.Low.Sign() <= 0 || row.Close.Sign() <= 0 {
			stats.InvalidPrices++
		}
		if row.Volume.Sign() < 0 {
			stats.InvalidVolumes++
		}
	}
	for _, count := range seen {
		if count > 1 {
			stats.Duplicates += count - 1
		}
	}
	return stats
}
