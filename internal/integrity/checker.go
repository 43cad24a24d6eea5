// Package integrity audits stored kline series for duplicates, gaps in the
// bar cadence, and OHLC sanity violations, and drives the two remediation
// paths: targeted re-downloads of missing ranges and a reconciliation pass
// that re-fetches flagged series from the exchange to decide which side is
// wrong.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

// maxMissingDates caps the formatted sample of missing open times kept per
// series. The full timestamp list is retained for gap-fill downloads; the
// formatted dates are display only.
const maxMissingDates = 10

// CheckRequest selects what to scan and which checks to run. Symbol narrows
// the scan to one series; empty means every stored series of the interval.
// StartMs/EndMs window the scan when nonzero; duplicates, missing bars, and
// quality are then judged only inside [StartMs, EndMs].
type CheckRequest struct {
	Symbol          string
	Interval        models.Interval
	StartMs         int64
	EndMs           int64
	CheckDuplicates bool
	CheckMissing    bool
	CheckQuality    bool
}

// EnabledChecks returns the human names of the active checks, for logs and
// report headers.
func (r CheckRequest) EnabledChecks() []string {
	var checks []string
	if r.CheckDuplicates {
		checks = append(checks, "duplicates")
	}
	if r.CheckMissing {
		checks = append(checks, "missing")
	}
	if r.CheckQuality {
		checks = append(checks, "quality")
	}
	return checks
}

// Checker scans stored series and produces integrity reports.
type Checker struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewChecker creates a checker over the store. Nil metrics gets a private
// collector.
func NewChecker(store storage.Store, m *metrics.Metrics, logger *slog.Logger) *Checker {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: store, metrics: m, logger: logger}
}

// Check runs the requested scans and returns the aggregated report. Series
// are scanned in alphabetical order; a storage failure aborts the run, while
// per-series findings (including empty or missing series) are folded into
// the report.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*models.IntegrityReport, error) {
	if !req.Interval.Valid() {
		return nil, apperrors.Newf(apperrors.TypeClientError, "integrity_check", "unsupported interval %q", req.Interval)
	}

	symbols, err := c.resolveSymbols(ctx, req)
	if err != nil {
		return nil, err
	}

	report := models.NewIntegrityReport(req.Interval)
	report.TotalSymbols = len(symbols)
	if req.StartMs > 0 {
		report.WindowStart = time.UnixMilli(req.StartMs).UTC().Format(models.TradeDateLayout)
	}
	if req.EndMs > 0 {
		report.WindowEnd = time.UnixMilli(req.EndMs).UTC().Format(models.TradeDateLayout)
	}

	started := time.Now()
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.New(apperrors.TypeCanceled, "integrity_check", err)
		}
		finding, err := c.checkSeries(ctx, models.NewSeriesKey(symbol, req.Interval), req)
		if err != nil {
			return nil, err
		}
		report.AddFinding(finding)
	}

	issues := report.TotalIssues()
	c.metrics.IntegrityCheck()
	c.metrics.IntegrityIssues(int64(issues))
	c.logger.Info("integrity check finished",
		"interval", req.Interval,
		"checks", req.EnabledChecks(),
		"symbols", report.CheckedSymbols,
		"with_issues", len(report.SymbolsWithIssues),
		"empty", len(report.EmptySeries),
		"issues", issues,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return report, nil
}

// resolveSymbols expands the request into the symbol list to scan.
func (c *Checker) resolveSymbols(ctx context.Context, req CheckRequest) ([]string, error) {
	if symbol := strings.ToUpper(strings.TrimSpace(req.Symbol)); symbol != "" {
		return []string{symbol}, nil
	}
	keys, err := c.store.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, key := range keys {
		if key.Interval == req.Interval {
			symbols = append(symbols, key.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// checkSeries produces the finding for one series. Storage errors other than
// an absent series abort the scan.
func (c *Checker) checkSeries(ctx context.Context, series models.SeriesKey, req CheckRequest) (*models.SeriesFinding, error) {
	finding := &models.SeriesFinding{
		Symbol:    series.Symbol,
		TableName: series.TableName(),
	}

	resp, err := c.store.Query(ctx, storage.QueryRequest{Series: series})
	if errors.Is(err, storage.ErrSeriesNotFound) {
		finding.Empty = true
		finding.Issues = append(finding.Issues, "series not found")
		return finding, nil
	}
	if err != nil {
		return nil, err
	}

	rows := resp.Klines
	finding.RecordCount = len(rows)
	if len(rows) == 0 {
		finding.Empty = true
		finding.Issues = append(finding.Issues, "no records stored")
		return finding, nil
	}
	finding.DateRange = observedRange(series.Interval, rows)

	window := clipWindow(rows, req.StartMs, req.EndMs)
	if req.CheckDuplicates {
		if err := c.checkDuplicates(ctx, series, finding, req); err != nil {
			return nil, err
		}
	}
	if req.CheckMissing {
		checkMissing(series.Interval, finding, window, req)
	}
	if req.CheckQuality {
		checkQuality(finding, window)
	}
	return finding, nil
}

// checkDuplicates counts surplus rows per duplicated open time. The store
// does the grouping; the request window filters which open times count.
func (c *Checker) checkDuplicates(ctx context.Context, series models.SeriesKey, finding *models.SeriesFinding, req CheckRequest) error {
	groups, err := c.store.DuplicateOpenTimes(ctx, series)
	if err != nil {
		return err
	}
	for openTime, count := range groups {
		if req.StartMs > 0 && openTime < req.StartMs {
			continue
		}
		if req.EndMs > 0 && openTime > req.EndMs {
			continue
		}
		finding.DuplicateCount += int(count - 1)
	}
	if finding.DuplicateCount > 0 {
		finding.Issues = append(finding.Issues, fmt.Sprintf("%d duplicate rows", finding.DuplicateCount))
	}
	return nil
}

// checkMissing walks the expected bar cadence over the scan window and
// records every open time with no stored row. The window defaults to the
// observed extent, so a series with no interior gaps reports clean even when
// the exchange listed the symbol mid-window.
func checkMissing(interval models.Interval, finding *models.SeriesFinding, window []models.KlineRecord, req CheckRequest) {
	if len(window) == 0 {
		return
	}
	startMs := req.StartMs
	if startMs <= 0 {
		startMs = window[0].OpenTime
	}
	endMs := req.EndMs
	if endMs <= 0 {
		endMs = window[len(window)-1].OpenTime
	}
	if endMs < startMs {
		return
	}

	present := make(map[int64]struct{}, len(window))
	for i := range window {
		present[window[i].OpenTime] = struct{}{}
	}

	cur := interval.Truncate(time.UnixMilli(startMs).UTC())
	if cur.UnixMilli() < startMs {
		cur = interval.Next(cur)
	}
	for ; cur.UnixMilli() <= endMs; cur = interval.Next(cur) {
		openMs := cur.UnixMilli()
		if _, ok := present[openMs]; ok {
			continue
		}
		finding.MissingTimestamps = append(finding.MissingTimestamps, openMs)
		if len(finding.MissingDates) < maxMissingDates {
			finding.MissingDates = append(finding.MissingDates, cur.Format(models.TradeDateLayout))
		}
	}
	if n := len(finding.MissingTimestamps); n > 0 {
		finding.Issues = append(finding.Issues, fmt.Sprintf("%d missing timestamps", n))
	}
}

// checkQuality records every violated OHLC sanity rule per bar.
func checkQuality(finding *models.SeriesFinding, window []models.KlineRecord) {
	for i := range window {
		row := &window[i]
		for _, rule := range row.QualityViolations() {
			finding.QualityIssues = append(finding.QualityIssues, models.QualityIssue{
				OpenTime:  row.OpenTime,
				TradeDate: row.TradeDate(),
				Rule:      rule,
			})
		}
	}
	if n := len(finding.QualityIssues); n > 0 {
		finding.Issues = append(finding.Issues, fmt.Sprintf("%d quality violations", n))
	}
}

// observedRange summarizes the stored extent of an ascending row slice.
func observedRange(interval models.Interval, rows []models.KlineRecord) *models.DateRange {
	first := time.UnixMilli(rows[0].OpenTime).UTC()
	last := time.UnixMilli(rows[len(rows)-1].OpenTime).UTC()
	days := int(last.Truncate(24*time.Hour).Sub(first.Truncate(24*time.Hour))/(24*time.Hour)) + 1
	layout := models.TradeDateLayout
	if interval.IsDailyOrAbove() {
		layout = "2006-01-02"
	}
	return &models.DateRange{
		Start: first.Format(layout),
		End:   last.Format(layout),
		Days:  days,
	}
}

// clipWindow narrows ascending rows to [startMs, endMs]; zero bounds are
// open-ended.
func clipWindow(rows []models.KlineRecord, startMs, endMs int64) []models.KlineRecord {
	lo := 0
	if startMs > 0 {
		lo = sort.Search(len(rows), func(i int) bool { return rows[i].OpenTime >= startMs })
	}
	hi := len(rows)
	if endMs > 0 {
		hi = sort.Search(len(rows), func(i int) bool { return rows[i].OpenTime > endMs })
	}
	if lo >= hi {
		return nil
	}
	return rows[lo:hi]
}
