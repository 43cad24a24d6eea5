package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeDateLayout is the display form of a bar's open time, stored alongside
// the raw millisecond timestamp for dashboard consumers.
const TradeDateLayout = "2006-01-02 15:04:05"

// KlineRecord represents one OHLCV observation for a (symbol, interval) pair
// at a specific open time. Times are Unix milliseconds as delivered by the
// exchange; prices and volumes are exact decimals.
type KlineRecord struct {
	OpenTime             int64           `json:"open_time" db:"open_time"`
	Open                 decimal.Decimal `json:"open" db:"open"`
	High                 decimal.Decimal `json:"high" db:"high"`
	Low                  decimal.Decimal `json:"low" db:"low"`
	Close                decimal.Decimal `json:"close" db:"close"`
	Volume               decimal.Decimal `json:"volume" db:"volume"`
	CloseTime            int64           `json:"close_time" db:"close_time"`
	QuoteVolume          decimal.Decimal `json:"quote_volume" db:"quote_volume"`
	TradeCount           int64           `json:"trade_count" db:"trade_count"`
	ActiveBuyVolume      decimal.Decimal `json:"active_buy_volume" db:"active_buy_volume"`
	ActiveBuyQuoteVolume decimal.Decimal `json:"active_buy_quote_volume" db:"active_buy_quote_volume"`
}

// ValidationError represents a record validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks structural soundness of the record: a usable open time,
// positive prices, non-negative volumes, and consistent OHLC ordering.
// It returns the first violation found as a ValidationError. Scanning code
// that needs every violation at once should use QualityViolations instead.
func (r *KlineRecord) Validate() error {
	if r.OpenTime <= 0 {
		return &ValidationError{Field: "open_time", Message: "open_time must be positive"}
	}
	if r.CloseTime > 0 && r.CloseTime < r.OpenTime {
		return &ValidationError{Field: "close_time", Message: "close_time cannot precede open_time"}
	}
	zero := decimal.Zero
	if r.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if r.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if r.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if r.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if r.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if r.High.LessThan(decimal.Max(r.Open, r.Close)) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close)", r.High),
		}
	}
	if r.Low.GreaterThan(decimal.Min(r.Open, r.Close)) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close)", r.Low),
		}
	}
	return nil
}

// QualityViolations evaluates every OHLC sanity rule against the record and
// returns one human-readable description per violated rule. An empty slice
// means the record is value-sane. Unlike Validate, this never stops at the
// first problem: integrity reports need the complete picture per bar.
func (r *KlineRecord) QualityViolations() []string {
	var issues []string
	zero := decimal.Zero

	if r.High.LessThan(r.Low) {
		issues = append(issues, fmt.Sprintf("high(%s) < low(%s)", r.High, r.Low))
	}
	if r.Open.GreaterThan(r.High) {
		issues = append(issues, fmt.Sprintf("open(%s) > high(%s)", r.Open, r.High))
	}
	if r.Open.LessThan(r.Low) {
		issues = append(issues, fmt.Sprintf("open(%s) < low(%s)", r.Open, r.Low))
	}
	if r.Close.GreaterThan(r.High) {
		issues = append(issues, fmt.Sprintf("close(%s) > high(%s)", r.Close, r.High))
	}
	if r.Close.LessThan(r.Low) {
		issues = append(issues, fmt.Sprintf("close(%s) < low(%s)", r.Close, r.Low))
	}
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", r.Open}, {"high", r.High}, {"low", r.Low}, {"close", r.Close},
	} {
		if p.value.LessThanOrEqual(zero) {
			issues = append(issues, fmt.Sprintf("%s(%s) <= 0", p.name, p.value))
		}
	}
	if r.Volume.LessThan(zero) {
		issues = append(issues, fmt.Sprintf("volume(%s) < 0", r.Volume))
	}
	return issues
}

// OpenTimeUTC returns the open time as a UTC time.Time.
func (r *KlineRecord) OpenTimeUTC() time.Time {
	return time.UnixMilli(r.OpenTime).UTC()
}

// TradeDate formats the open time for the trade_date display column.
func (r *KlineRecord) TradeDate() string {
	return r.OpenTimeUTC().Format(TradeDateLayout)
}

// Diff returns the absolute price change over the bar (close minus open).
func (r *KlineRecord) Diff() decimal.Decimal {
	return r.Close.Sub(r.Open)
}

// PctChg returns the fractional price change over the bar, or zero when the
// open price is zero and the ratio is undefined.
func (r *KlineRecord) PctChg() decimal.Decimal {
	if r.Open.IsZero() {
		return decimal.Zero
	}
	return r.Diff().Div(r.Open)
}

// String returns a compact human-readable representation of the record.
func (r *KlineRecord) String() string {
	return fmt.Sprintf("Kline{%s O: %s, H: %s, L: %s, C: %s, V: %s}",
		r.TradeDate(), r.Open, r.High, r.Low, r.Close, r.Volume)
}
