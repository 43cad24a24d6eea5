package models

import (
	"fmt"
	"time"
)

// FetchSegment is one planned unit of download work: a bounded time window of
// a single series, sized so the exchange can serve it in one page. Segments
// are created by the planner, consumed exactly once by the download lane, and
// discarded afterwards; a segment that exhausts its retry budget is reported
// failed, never requeued.
type FetchSegment struct {
	Series      SeriesKey `json:"series"`
	StartMs     int64     `json:"start_ms"`
	EndMs       int64     `json:"end_ms"`
	ExpectedMax int       `json:"expected_max"`
}

// ExpectedCount returns how many bars the window should contain at the
// series' cadence, counting both endpoints.
func (s FetchSegment) ExpectedCount() int64 {
	ivMs := s.Series.Interval.Millis()
	if ivMs == 0 || s.EndMs < s.StartMs {
		return 0
	}
	return (s.EndMs-s.StartMs)/ivMs + 1
}

// Window returns the segment bounds as UTC times.
func (s FetchSegment) Window() (time.Time, time.Time) {
	return time.UnixMilli(s.StartMs).UTC(), time.UnixMilli(s.EndMs).UTC()
}

// String implements fmt.Stringer.
func (s FetchSegment) String() string {
	start, end := s.Window()
	return fmt.Sprintf("Segment{%s %s..%s}", s.Series, start.Format(TradeDateLayout), end.Format(TradeDateLayout))
}
