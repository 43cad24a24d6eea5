package models

import (
	"sort"
	"time"
)

// QualityIssue pins one violated OHLC sanity rule to the bar it occurred in.
type QualityIssue struct {
	OpenTime  int64  `json:"open_time"`
	TradeDate string `json:"trade_date"`
	Rule      string `json:"rule"`
}

// DateRange describes the observed extent of a stored series.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

// SeriesFinding is the per-series result of an integrity scan.
type SeriesFinding struct {
	Symbol            string         `json:"symbol"`
	TableName         string         `json:"table_name"`
	RecordCount       int            `json:"record_count"`
	DateRange         *DateRange     `json:"date_range,omitempty"`
	Issues            []string       `json:"issues,omitempty"`
	DuplicateCount    int            `json:"duplicate_count"`
	MissingTimestamps []int64        `json:"missing_timestamps,omitempty"`
	MissingDates      []string       `json:"missing_dates,omitempty"`
	QualityIssues     []QualityIssue `json:"quality_issues,omitempty"`
	Empty             bool           `json:"empty"`
}

// HasIssues reports whether the finding carries anything actionable. Empty
// series are tracked separately since they need a full initial download, not
// a targeted gap-fill.
func (f *SeriesFinding) HasIssues() bool {
	return f.DuplicateCount > 0 || len(f.MissingTimestamps) > 0 || len(f.QualityIssues) > 0
}

// ReportSummary aggregates issue counts across every checked series. The
// JSON field names are part of the dashboard contract.
type ReportSummary struct {
	Duplicates        int `json:"duplicates"`
	MissingTimestamps int `json:"missing_dates"`
	QualityIssues     int `json:"data_quality_issues"`
	EmptySeries       int `json:"empty_tables"`
}

// IntegrityReport is the cross-series outcome of one integrity check run.
type IntegrityReport struct {
	Interval          Interval                  `json:"interval"`
	TotalSymbols      int                       `json:"total_symbols"`
	CheckedSymbols    int                       `json:"checked_symbols"`
	SymbolsWithIssues []string                  `json:"symbols_with_issues"`
	EmptySeries       []string                  `json:"empty_series"`
	Summary           ReportSummary             `json:"summary"`
	Findings          map[string]*SeriesFinding `json:"details"`
	WindowStart       string                    `json:"window_start,omitempty"`
	WindowEnd         string                    `json:"window_end,omitempty"`
	CheckedAt         time.Time                 `json:"checked_at"`
}

// NewIntegrityReport creates an empty report for the interval.
func NewIntegrityReport(interval Interval) *IntegrityReport {
	return &IntegrityReport{
		Interval:          interval,
		SymbolsWithIssues: []string{},
		EmptySeries:       []string{},
		Findings:          make(map[string]*SeriesFinding),
		CheckedAt:         time.Now().UTC(),
	}
}

// AddFinding folds one series result into the report, updating the summary
// counters and classification lists.
func (r *IntegrityReport) AddFinding(f *SeriesFinding) {
	r.CheckedSymbols++
	r.Findings[f.Symbol] = f

	if f.Empty {
		r.EmptySeries = append(r.EmptySeries, f.Symbol)
		r.Summary.EmptySeries++
		return
	}
	r.Summary.Duplicates += f.DuplicateCount
	r.Summary.MissingTimestamps += len(f.MissingTimestamps)
	r.Summary.QualityIssues += len(f.QualityIssues)
	if f.HasIssues() {
		r.SymbolsWithIssues = append(r.SymbolsWithIssues, f.Symbol)
	}
}

// TotalIssues returns the combined issue count across every category.
func (r *IntegrityReport) TotalIssues() int {
	return r.Summary.Duplicates + r.Summary.MissingTimestamps + r.Summary.QualityIssues + r.Summary.EmptySeries
}

// TotalRecords sums the record counts of every checked series.
func (r *IntegrityReport) TotalRecords() int {
	total := 0
	for _, f := range r.Findings {
		total += f.RecordCount
	}
	return total
}

// SortedSymbols returns the checked symbols in stable alphabetical order for
// deterministic rendering.
func (r *IntegrityReport) SortedSymbols() []string {
	symbols := make([]string, 0, len(r.Findings))
	for symbol := range r.Findings {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
