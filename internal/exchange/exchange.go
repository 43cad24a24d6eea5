// Package exchange provides the Binance USDT-margined futures client used for
// kline downloads.
//
// The interfaces are small and composable so the downloader, the integrity
// reconciler, and the symbol registry can each depend on just the capability
// they use. All implementations must route their calls through one shared rate
// gate; the exchange budgets request weight per IP, not per component.
package exchange

import (
	"context"
	"time"

	"github.com/klinesync/klinesync/internal/models"
)

// KlineFetcher retrieves kline data for one series over a closed time window.
type KlineFetcher interface {
	// FetchKlines returns every kline of the series whose open time falls in
	// [startMs, endMs], in ascending order. The window is translated into as
	// many exchange calls as needed; limit caps the rows requested per call
	// (0 or anything above the exchange maximum means the exchange maximum).
	//
	// On failure the records normalized before the error are returned with
	// it, so callers can persist the partial page before deciding on a retry.
	FetchKlines(ctx context.Context, series models.SeriesKey, startMs, endMs int64, limit int) ([]models.KlineRecord, error)
}

// SymbolLister provides the tradable symbol universe.
type SymbolLister interface {
	// TradingSymbols returns the USDT-quoted symbols currently in TRADING
	// status, sorted ascending.
	TradingSymbols(ctx context.Context) ([]string, error)

	// SymbolStatuses returns every USDT-quoted symbol with its exchange
	// status, including symbols that are halted or delivering. The symbol
	// registry uses this to detect listings and delistings.
	SymbolStatuses(ctx context.Context) (map[string]models.SymbolStatus, error)
}

// HealthChecker verifies exchange connectivity.
type HealthChecker interface {
	// HealthCheck performs a lightweight reachability probe.
	HealthCheck(ctx context.Context) error

	// ServerTime returns the exchange's clock, for drift diagnostics.
	ServerTime(ctx context.Context) (time.Time, error)
}

// KlineSource combines every exchange capability the system needs.
type KlineSource interface {
	KlineFetcher
	SymbolLister
	HealthChecker
}
