package integrity

import (
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"

	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

// ReportFormat selects the rendering of an integrity report.
type ReportFormat string

const (
	FormatText     ReportFormat = "text"
	FormatJSON     ReportFormat = "json"
	FormatHTML     ReportFormat = "html"
	FormatMarkdown ReportFormat = "markdown"
)

// ParseFormat validates a report format name.
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatHTML, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", apperrors.Newf(apperrors.TypeClientError, "render_report", "unsupported report format %q", s)
	}
}

// ReportOptions echoes the check configuration into the rendered header so a
// reader knows which checks a clean report actually ran.
type ReportOptions struct {
	CheckDuplicates bool
	CheckMissing    bool
	CheckQuality    bool
}

// Listing caps keep the text report readable for wide scans; the JSON detail
// map always carries everything.
const (
	maxEmptyListed   = 20
	maxSymbolsListed = 10
	maxSampleDates   = 5
	maxHealthyListed = 20
)

// QualityScore grades the dataset from the issue rate: issues per hundred
// records, ten score points per issue-rate point. Empty series are excluded;
// they have no records to rate. The second return is false when nothing was
// stored at all.
func QualityScore(report *models.IntegrityReport) (float64, bool) {
	records := report.TotalRecords()
	if records == 0 {
		return 0, false
	}
	issues := report.Summary.Duplicates + report.Summary.MissingTimestamps + report.Summary.QualityIssues
	rate := float64(issues) / float64(records) * 100
	score := 100 - rate*10
	if score < 0 {
		score = 0
	}
	return score, true
}

// Grade maps a quality score to its band.
func Grade(score float64) string {
	switch {
	case score >= 95:
		return "excellent"
	case score >= 85:
		return "good"
	case score >= 70:
		return "fair"
	case score >= 60:
		return "poor"
	default:
		return "critical"
	}
}

// RenderReport renders the report in the requested format.
func RenderReport(report *models.IntegrityReport, format ReportFormat, opts ReportOptions) (string, error) {
	switch format {
	case FormatText:
		return renderText(report, opts), nil
	case FormatJSON:
		return renderJSON(report, opts)
	case FormatHTML:
		return renderHTML(report, opts)
	case FormatMarkdown:
		return renderMarkdown(report, opts), nil
	default:
		return "", apperrors.Newf(apperrors.TypeClientError, "render_report", "unsupported report format %q", format)
	}
}

func enabledChecks(opts ReportOptions) string {
	checks := CheckRequest{
		CheckDuplicates: opts.CheckDuplicates,
		CheckMissing:    opts.CheckMissing,
		CheckQuality:    opts.CheckQuality,
	}.EnabledChecks()
	if len(checks) == 0 {
		return "none"
	}
	return strings.Join(checks, ", ")
}

func renderText(report *models.IntegrityReport, opts ReportOptions) string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)

	b.WriteString(rule + "\n")
	b.WriteString(center("DATA INTEGRITY REPORT", 80) + "\n")
	b.WriteString(rule + "\n\n")

	fmt.Fprintf(&b, "Generated: %s\n", report.CheckedAt.Format(models.TradeDateLayout))
	fmt.Fprintf(&b, "Interval:  %s\n", report.Interval)
	if report.WindowStart != "" || report.WindowEnd != "" {
		fmt.Fprintf(&b, "Window:    %s .. %s\n", orAll(report.WindowStart), orAll(report.WindowEnd))
	}
	fmt.Fprintf(&b, "Checks:    %s\n", enabledChecks(opts))

	writeSection(&b, "OVERALL STATISTICS")
	fmt.Fprintf(&b, "Symbols in scope:    %d\n", report.TotalSymbols)
	fmt.Fprintf(&b, "Symbols checked:     %d\n", report.CheckedSymbols)
	fmt.Fprintf(&b, "Symbols with issues: %d\n", len(report.SymbolsWithIssues))
	fmt.Fprintf(&b, "Empty series:        %d\n", len(report.EmptySeries))
	fmt.Fprintf(&b, "Records scanned:     %d\n", report.TotalRecords())

	writeSection(&b, "ISSUE SUMMARY")
	fmt.Fprintf(&b, "Duplicate rows:      %d\n", report.Summary.Duplicates)
	fmt.Fprintf(&b, "Missing timestamps:  %d\n", report.Summary.MissingTimestamps)
	fmt.Fprintf(&b, "Quality violations:  %d\n", report.Summary.QualityIssues)
	fmt.Fprintf(&b, "Empty series:        %d\n", report.Summary.EmptySeries)
	fmt.Fprintf(&b, "Total issues:        %d\n", report.TotalIssues())

	if score, ok := QualityScore(report); ok {
		writeSection(&b, "QUALITY SCORE")
		fmt.Fprintf(&b, "Score: %.1f / 100 (%s)\n", score, Grade(score))
	}

	writeProblemDetails(&b, report)
	writeHealthySymbols(&b, report)
	writeRecommendations(&b, report)

	b.WriteString("\n" + rule + "\n")
	return b.String()
}

func writeProblemDetails(b *strings.Builder, report *models.IntegrityReport) {
	if len(report.EmptySeries) > 0 {
		writeSection(b, "EMPTY SERIES")
		for i, symbol := range report.EmptySeries {
			if i == maxEmptyListed {
				fmt.Fprintf(b, "... and %d more\n", len(report.EmptySeries)-maxEmptyListed)
				break
			}
			fmt.Fprintf(b, "- %s\n", symbol)
		}
	}

	duplicated := symbolsWhere(report, func(f *models.SeriesFinding) bool { return f.DuplicateCount > 0 })
	if len(duplicated) > 0 {
		writeSection(b, "DUPLICATES")
		for i, symbol := range duplicated {
			if i == maxSymbolsListed {
				fmt.Fprintf(b, "... and %d more symbols\n", len(duplicated)-maxSymbolsListed)
				break
			}
			fmt.Fprintf(b, "- %s: %d duplicate rows\n", symbol, report.Findings[symbol].DuplicateCount)
		}
	}

	gapped := symbolsWhere(report, func(f *models.SeriesFinding) bool { return len(f.MissingTimestamps) > 0 })
	if len(gapped) > 0 {
		writeSection(b, "MISSING TIMESTAMPS")
		for i, symbol := range gapped {
			if i == maxSymbolsListed {
				fmt.Fprintf(b, "... and %d more symbols\n", len(gapped)-maxSymbolsListed)
				break
			}
			f := report.Findings[symbol]
			sample := f.MissingDates
			if len(sample) > maxSampleDates {
				sample = sample[:maxSampleDates]
			}
			fmt.Fprintf(b, "- %s: %d missing", symbol, len(f.MissingTimestamps))
			if len(sample) > 0 {
				fmt.Fprintf(b, " (%s", strings.Join(sample, ", "))
				if rest := len(f.MissingTimestamps) - len(sample); rest > 0 {
					fmt.Fprintf(b, ", +%d more", rest)
				}
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}

	flawed := symbolsWhere(report, func(f *models.SeriesFinding) bool { return len(f.QualityIssues) > 0 })
	if len(flawed) > 0 {
		writeSection(b, "QUALITY VIOLATIONS")
		for i, symbol := range flawed {
			if i == maxSymbolsListed {
				fmt.Fprintf(b, "... and %d more symbols\n", len(flawed)-maxSymbolsListed)
				break
			}
			f := report.Findings[symbol]
			fmt.Fprintf(b, "- %s: %d violations\n", symbol, len(f.QualityIssues))
			for j, issue := range f.QualityIssues {
				if j == 3 {
					fmt.Fprintf(b, "    ... and %d more\n", len(f.QualityIssues)-3)
					break
				}
				fmt.Fprintf(b, "    %s: %s\n", issue.TradeDate, issue.Rule)
			}
		}
	}
}

func writeHealthySymbols(b *strings.Builder, report *models.IntegrityReport) {
	var healthy []string
	for _, symbol := range report.SortedSymbols() {
		f := report.Findings[symbol]
		if !f.Empty && !f.HasIssues() {
			healthy = append(healthy, symbol)
		}
	}
	if len(healthy) == 0 {
		return
	}
	writeSection(b, "HEALTHY SYMBOLS")
	listed := healthy
	if len(listed) > maxHealthyListed {
		listed = listed[:maxHealthyListed]
	}
	fmt.Fprintf(b, "%s\n", strings.Join(listed, ", "))
	if rest := len(healthy) - len(listed); rest > 0 {
		fmt.Fprintf(b, "... and %d more\n", rest)
	}
}

func writeRecommendations(b *strings.Builder, report *models.IntegrityReport) {
	var recs []string
	if report.Summary.EmptySeries > 0 {
		recs = append(recs, "run a full download for the empty series")
	}
	if report.Summary.MissingTimestamps > 0 {
		recs = append(recs, "run the missing-data download to fill the gaps")
	}
	if report.Summary.Duplicates > 0 {
		recs = append(recs, "re-download the duplicated series with overwrite enabled")
	}
	if report.Summary.QualityIssues > 0 {
		recs = append(recs, "recheck the flagged symbols against the exchange")
	}
	if len(recs) == 0 {
		recs = append(recs, "no action needed")
	}
	writeSection(b, "RECOMMENDATIONS")
	for i, rec := range recs {
		fmt.Fprintf(b, "%d. %s\n", i+1, rec)
	}
}

func symbolsWhere(report *models.IntegrityReport, pred func(*models.SeriesFinding) bool) []string {
	var out []string
	for symbol, f := range report.Findings {
		if pred(f) {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString("\n" + strings.Repeat("-", 80) + "\n")
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("-", 80) + "\n")
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	pad := (width - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

func orAll(s string) string {
	if s == "" {
		return "(open)"
	}
	return s
}

type reportConfig struct {
	Interval        models.Interval `json:"interval"`
	WindowStart     string          `json:"window_start,omitempty"`
	WindowEnd       string          `json:"window_end,omitempty"`
	CheckDuplicates bool            `json:"check_duplicates"`
	CheckMissing    bool            `json:"check_missing"`
	CheckQuality    bool            `json:"check_quality"`
}

type reportStatistics struct {
	TotalSymbols      int      `json:"total_symbols"`
	CheckedSymbols    int      `json:"checked_symbols"`
	SymbolsWithIssues int      `json:"symbols_with_issues"`
	EmptySeries       int      `json:"empty_series"`
	TotalRecords      int      `json:"total_records"`
	TotalIssues       int      `json:"total_issues"`
	QualityScore      *float64 `json:"quality_score,omitempty"`
	QualityLevel      string   `json:"quality_level,omitempty"`
}

type jsonReport struct {
	ReportTime string                           `json:"report_time"`
	Config     reportConfig                     `json:"config"`
	Summary    models.ReportSummary             `json:"summary"`
	Statistics reportStatistics                 `json:"statistics"`
	Details    map[string]*models.SeriesFinding `json:"details"`
	TextReport string                           `json:"text_report"`
}

func buildStatistics(report *models.IntegrityReport) reportStatistics {
	stats := reportStatistics{
		TotalSymbols:      report.TotalSymbols,
		CheckedSymbols:    report.CheckedSymbols,
		SymbolsWithIssues: len(report.SymbolsWithIssues),
		EmptySeries:       len(report.EmptySeries),
		TotalRecords:      report.TotalRecords(),
		TotalIssues:       report.TotalIssues(),
	}
	if score, ok := QualityScore(report); ok {
		stats.QualityScore = &score
		stats.QualityLevel = Grade(score)
	}
	return stats
}

func renderJSON(report *models.IntegrityReport, opts ReportOptions) (string, error) {
	doc := jsonReport{
		ReportTime: report.CheckedAt.Format(models.TradeDateLayout),
		Config: reportConfig{
			Interval:        report.Interval,
			WindowStart:     report.WindowStart,
			WindowEnd:       report.WindowEnd,
			CheckDuplicates: opts.CheckDuplicates,
			CheckMissing:    opts.CheckMissing,
			CheckQuality:    opts.CheckQuality,
		},
		Summary:    report.Summary,
		Statistics: buildStatistics(report),
		Details:    report.Findings,
		TextReport: renderText(report, opts),
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var htmlReportTemplate = template.Must(template.New("integrity-report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Data Integrity Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem auto; max-width: 960px; color: #1f2430; }
h1 { border-bottom: 2px solid #3a5fcd; padding-bottom: .4rem; }
.meta { color: #5c6370; margin-bottom: 1.5rem; }
.cards { display: flex; gap: 1rem; flex-wrap: wrap; margin-bottom: 1.5rem; }
.card { border: 1px solid #d8dce4; border-radius: 8px; padding: .8rem 1.2rem; min-width: 9rem; }
.card .num { font-size: 1.6rem; font-weight: 600; }
.score-excellent { color: #1a7f37; }
.score-good { color: #4f8f2f; }
.score-fair { color: #b58a00; }
.score-poor { color: #c4641d; }
.score-critical { color: #b3261e; }
pre { background: #f6f8fa; border: 1px solid #d8dce4; border-radius: 8px; padding: 1rem; overflow-x: auto; font-size: .85rem; }
</style>
</head>
<body>
<h1>Data Integrity Report</h1>
<p class="meta">Generated {{.GeneratedAt}} · interval {{.Interval}} · checks: {{.Checks}}</p>
<div class="cards">
<div class="card"><div class="num">{{.Stats.CheckedSymbols}}</div>symbols checked</div>
<div class="card"><div class="num">{{.Stats.SymbolsWithIssues}}</div>with issues</div>
<div class="card"><div class="num">{{.Stats.EmptySeries}}</div>empty series</div>
<div class="card"><div class="num">{{.Stats.TotalIssues}}</div>total issues</div>
{{if .Score}}<div class="card"><div class="num score-{{.Grade}}">{{.Score}}</div>quality ({{.Grade}})</div>{{end}}
</div>
<pre>{{.Text}}</pre>
</body>
</html>
`))

func renderHTML(report *models.IntegrityReport, opts ReportOptions) (string, error) {
	data := struct {
		GeneratedAt string
		Interval    models.Interval
		Checks      string
		Stats       reportStatistics
		Score       string
		Grade       string
		Text        string
	}{
		GeneratedAt: report.CheckedAt.Format(models.TradeDateLayout),
		Interval:    report.Interval,
		Checks:      enabledChecks(opts),
		Stats:       buildStatistics(report),
		Text:        renderText(report, opts),
	}
	if score, ok := QualityScore(report); ok {
		data.Score = fmt.Sprintf("%.1f", score)
		data.Grade = Grade(score)
	}
	var b strings.Builder
	if err := htmlReportTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderMarkdown(report *models.IntegrityReport, opts ReportOptions) string {
	var b strings.Builder
	b.WriteString("# Data Integrity Report\n\n")
	fmt.Fprintf(&b, "- **Generated:** %s\n", report.CheckedAt.Format(models.TradeDateLayout))
	fmt.Fprintf(&b, "- **Interval:** %s\n", report.Interval)
	if report.WindowStart != "" || report.WindowEnd != "" {
		fmt.Fprintf(&b, "- **Window:** %s .. %s\n", orAll(report.WindowStart), orAll(report.WindowEnd))
	}
	fmt.Fprintf(&b, "- **Checks:** %s\n", enabledChecks(opts))
	if score, ok := QualityScore(report); ok {
		fmt.Fprintf(&b, "- **Quality score:** %.1f / 100 (%s)\n", score, Grade(score))
	}

	b.WriteString("\n## Summary\n\n")
	b.WriteString("| Metric | Count |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Symbols checked | %d |\n", report.CheckedSymbols)
	fmt.Fprintf(&b, "| Symbols with issues | %d |\n", len(report.SymbolsWithIssues))
	fmt.Fprintf(&b, "| Duplicate rows | %d |\n", report.Summary.Duplicates)
	fmt.Fprintf(&b, "| Missing timestamps | %d |\n", report.Summary.MissingTimestamps)
	fmt.Fprintf(&b, "| Quality violations | %d |\n", report.Summary.QualityIssues)
	fmt.Fprintf(&b, "| Empty series | %d |\n", report.Summary.EmptySeries)
	fmt.Fprintf(&b, "| Records scanned | %d |\n", report.TotalRecords())

	if len(report.SymbolsWithIssues) > 0 {
		b.WriteString("\n## Findings\n\n")
		b.WriteString("| Symbol | Records | Duplicates | Missing | Quality |\n|---|---:|---:|---:|---:|\n")
		for _, symbol := range report.SortedSymbols() {
			f := report.Findings[symbol]
			if !f.HasIssues() {
				continue
			}
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d |\n",
				symbol, f.RecordCount, f.DuplicateCount, len(f.MissingTimestamps), len(f.QualityIssues))
		}
	}

	if len(report.EmptySeries) > 0 {
		b.WriteString("\n## Empty series\n\n")
		for _, symbol := range report.EmptySeries {
			fmt.Fprintf(&b, "- %s\n", symbol)
		}
	}
	return b.String()
}
