// Package planner expands download intents into bounded fetch segments.
//
// A segment is sized so the exchange can answer it in one page, the union of
// a plan's segments exactly tiles the requested window, and consecutive
// segments abut one interval apart. The planner also owns the end-of-window
// clamp that keeps the still-forming bar out of every download.
package planner

import (
	"time"

	"github.com/klinesync/klinesync/internal/models"
)

const (
	// MaxPageSize is the exchange's cap on klines per request.
	MaxPageSize = 1500

	// DefaultDaysBack is the lookback for a series with no stored data.
	DefaultDaysBack = 365
)

// Request describes one series' download intent.
type Request struct {
	Series models.SeriesKey

	// StartMs/EndMs bound the window, inclusive, in epoch milliseconds.
	// Zero start derives a DaysBack lookback; zero end means "up to the
	// latest complete bar". A non-zero end is still clamped.
	StartMs int64
	EndMs   int64

	// LastStoredMs is the series' most recent stored open time; HasStored
	// says whether the series holds any rows at all.
	LastStoredMs int64
	HasStored    bool

	// UpdateExisting plans over already-stored rows instead of clipping the
	// window to start after them.
	UpdateExisting bool

	// PageSize and DaysBack override the planner defaults when positive.
	PageSize int
	DaysBack int
}

// Planner turns requests into segment plans. The zero value is not usable;
// call New.
type Planner struct {
	pageSize int
	daysBack int
	now      func() time.Time
}

// New returns a planner with the default page size and lookback.
func New() *Planner {
	return &Planner{
		pageSize: MaxPageSize,
		daysBack: DefaultDaysBack,
		now:      time.Now,
	}
}

// WithClock replaces the planner's clock. Tests pin it to a fixed instant.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// ClampEndMs bounds an end timestamp so the still-open bar is excluded. For
// daily and larger intervals the bound is yesterday 23:59:59 UTC; for
// sub-daily it is the open of the latest complete bar. A requested end below
// the bound is kept as is.
func (p *Planner) ClampEndMs(interval models.Interval, requestedMs int64) int64 {
	now := p.now().UTC()

	var bound int64
	if interval.IsDailyOrAbove() {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		bound = today.UnixMilli() - 1000
	} else {
		secs := interval.Seconds()
		bound = (now.Unix()/secs - 1) * secs * 1000
	}

	if requestedMs > 0 && requestedMs < bound {
		return requestedMs
	}
	return bound
}

// Plan expands one request into an ascending segment list. Zero-length and
// inverted windows yield an empty plan, as does a stored tail that already
// reaches the window end; neither is an error.
func (p *Planner) Plan(req Request) []models.FetchSegment {
	interval := req.Series.Interval
	ivMs := interval.Millis()
	if ivMs == 0 {
		return nil
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = p.pageSize
	}

	end := p.ClampEndMs(interval, req.EndMs)

	start := req.StartMs
	if start == 0 {
		daysBack := req.DaysBack
		if daysBack <= 0 {
			daysBack = p.daysBack
		}
		start = end - int64(daysBack)*86400000 + 1000
	}

	if !req.UpdateExisting && req.HasStored {
		if next := interval.NextOpenMs(req.LastStoredMs); next > start {
			start = next
		}
	}

	if start > end {
		return nil
	}

	spanMs := int64(pageSize-1) * ivMs
	var segments []models.FetchSegment
	for cur := start; cur <= end; cur += spanMs + ivMs {
		segEnd := cur + spanMs
		if segEnd > end {
			segEnd = end
		}
		segments = append(segments, models.FetchSegment{
			Series:      req.Series,
			StartMs:     cur,
			EndMs:       segEnd,
			ExpectedMax: int((segEnd-cur)/ivMs + 1),
		})
	}
	return segments
}

// PlanMissingOnly plans full default windows for the symbols that hold no
// data yet, preserving the caller's symbol order. Symbols already present in
// hasData are skipped entirely.
func (p *Planner) PlanMissingOnly(interval models.Interval, symbols []string, hasData map[string]bool) []models.FetchSegment {
	var segments []models.FetchSegment
	for _, symbol := range symbols {
		if hasData[symbol] {
			continue
		}
		segments = append(segments, p.Plan(Request{
			Series: models.NewSeriesKey(symbol, interval),
		})...)
	}
	return segments
}
