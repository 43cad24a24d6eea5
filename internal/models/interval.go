// Package models provides data structures and validation for kline market data.
// This package contains the core data models shared by every other component:
// kline records, series identity, fetch segments, download tasks, and
// integrity report structures.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval identifies the bar duration of a kline series using the exchange's
// own interval codes.
type Interval string

// Supported kline intervals, matching the exchange API codes exactly.
const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// intervalSeconds maps each interval to its nominal duration in seconds.
// The month entry is a 30-day planning estimate; calendar-aware code paths
// must use Next/Truncate instead of this value.
var intervalSeconds = map[Interval]int64{
	Interval1m:  60,
	Interval3m:  180,
	Interval5m:  300,
	Interval15m: 900,
	Interval30m: 1800,
	Interval1h:  3600,
	Interval2h:  7200,
	Interval4h:  14400,
	Interval6h:  21600,
	Interval8h:  28800,
	Interval12h: 43200,
	Interval1d:  86400,
	Interval3d:  259200,
	Interval1w:  604800,
	Interval1M:  2592000,
}

// mondayOffsetMs is the distance from the Unix epoch (a Thursday) to the
// first Monday after it, in milliseconds. Weekly bars open on Mondays
// 00:00 UTC, so weekly alignment is computed relative to this anchor.
const mondayOffsetMs = 4 * 86400 * 1000

// SupportedIntervals returns all valid intervals in ascending duration order.
func SupportedIntervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
		Interval1d, Interval3d, Interval1w, Interval1M,
	}
}

// ParseInterval validates a raw interval code and returns the typed value.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Valid reports whether the interval is one of the supported codes.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

// Seconds returns the nominal bar duration in seconds. Months use a 30-day
// estimate suitable only for segment sizing.
func (i Interval) Seconds() int64 {
	return intervalSeconds[i]
}

// Millis returns the nominal bar duration in milliseconds.
func (i Interval) Millis() int64 {
	return intervalSeconds[i] * 1000
}

// Duration returns the nominal bar duration as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(intervalSeconds[i]) * time.Second
}

// IsDailyOrAbove reports whether bars span at least one full day. Daily and
// larger intervals use midnight-based window clamping.
func (i Interval) IsDailyOrAbove() bool {
	return intervalSeconds[i] >= 86400
}

// Truncate aligns an instant down to the open of the bar containing it.
// Minute through 3-day intervals align on Unix epoch boundaries, weeks align
// on Mondays 00:00 UTC, and months align on the first of the month 00:00 UTC.
func (i Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case Interval1M:
		y, m, _ := t.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Interval1w:
		ms := t.UnixMilli() - mondayOffsetMs
		ms -= ms % (604800 * 1000)
		return time.UnixMilli(ms + mondayOffsetMs).UTC()
	default:
		ms := t.UnixMilli()
		ms -= ms % i.Millis()
		return time.UnixMilli(ms).UTC()
	}
}

// Next returns the open time of the bar following the one containing t.
// All intervals step by a fixed duration except months, which advance by one
// calendar month anchored at month start. Fixed 30-day month arithmetic would
// drift across 28/29/31-day months and report phantom gaps.
func (i Interval) Next(t time.Time) time.Time {
	if i == Interval1M {
		y, m, _ := t.UTC().Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return i.Truncate(t).Add(i.Duration())
}

// NextOpenMs is the millisecond variant of Next, used where records carry raw
// exchange timestamps.
func (i Interval) NextOpenMs(openMs int64) int64 {
	return i.Next(time.UnixMilli(openMs)).UnixMilli()
}

// SeriesKey identifies one logical kline series: a trading symbol observed at
// a fixed interval. It maps one-to-one onto a physical storage table.
type SeriesKey struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

// NewSeriesKey builds a SeriesKey, normalizing the symbol to upper case.
func NewSeriesKey(symbol string, interval Interval) SeriesKey {
	return SeriesKey{Symbol: strings.ToUpper(symbol), Interval: interval}
}

// Validate checks that both parts of the key are usable.
func (k SeriesKey) Validate() error {
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !k.Interval.Valid() {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", k.Interval)}
	}
	return nil
}

// TableName returns the storage unit name for the series. The "K" prefix plus
// interval code plus symbol (e.g. K1dBTCUSDT) is an external contract that
// dashboard tooling depends on and must be preserved byte for byte.
func (k SeriesKey) TableName() string {
	return "K" + string(k.Interval) + k.Symbol
}

// String implements fmt.Stringer.
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Interval)
}

// ParseTableName recovers a SeriesKey from a storage unit name produced by
// TableName. Interval codes are matched longest-first so that K15mXXX is not
// read as interval "1m" with a symbol starting in "5m".
func ParseTableName(name string) (SeriesKey, bool) {
	if !strings.HasPrefix(name, "K") {
		return SeriesKey{}, false
	}
	rest := name[1:]
	codes := SupportedIntervals()
	sort.Slice(codes, func(a, b int) bool { return len(codes[a]) > len(codes[b]) })
	for _, iv := range codes {
		if strings.HasPrefix(rest, string(iv)) {
			symbol := rest[len(iv):]
			if symbol == "" {
				return SeriesKey{}, false
			}
			return SeriesKey{Symbol: symbol, Interval: iv}, true
		}
	}
	return SeriesKey{}, false
}
