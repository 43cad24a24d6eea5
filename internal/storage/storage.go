// Package storage defines the storage layer for kline persistence. Each
// symbol and interval pair lives in its own table so series can be created,
// rebuilt, and dropped independently; the interfaces here abstract over the
// SQL backends (SQLite, DuckDB, PostgreSQL) and the in-memory test double.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/klinesync/klinesync/internal/models"
)

// UpsertPolicy decides what happens when an incoming row collides with a
// stored row on open_time.
type UpsertPolicy int

const (
	// InsertSkip keeps the stored row and drops the incoming one.
	InsertSkip UpsertPolicy = iota
	// InsertOverwrite replaces the stored row with the incoming one.
	InsertOverwrite
)

// String returns the policy name used in logs and task summaries.
func (p UpsertPolicy) String() string {
	if p == InsertOverwrite {
		return "overwrite"
	}
	return "skip"
}

// Sentinel errors surfaced by storage implementations. Infrastructure
// failures are wrapped into the classified error taxonomy instead.
var (
	// ErrSeriesNotFound means the table for a series does not exist yet.
	ErrSeriesNotFound = errors.New("storage: series table not found")
	// ErrSymbolNotFound means the symbol registry has no such row.
	ErrSymbolNotFound = errors.New("storage: symbol not found")
)

// KlineWriter handles series creation and row persistence.
type KlineWriter interface {
	// EnsureSeries creates the table for a series if it does not exist.
	// Safe to call repeatedly.
	EnsureSeries(ctx context.Context, series models.SeriesKey) error

	// UpsertBatch writes klines into the series table, resolving open_time
	// collisions per the policy. Returns the number of rows written.
	UpsertBatch(ctx context.Context, series models.SeriesKey, klines []models.KlineRecord, policy UpsertPolicy) (int64, error)

	// DeleteRange removes rows with open_time in [startMs, endMs]. A zero
	// bound leaves that side open. Returns the number of rows removed.
	DeleteRange(ctx context.Context, series models.SeriesKey, startMs, endMs int64) (int64, error)

	// DropSeries removes the series table entirely.
	DropSeries(ctx context.Context, series models.SeriesKey) error
}

// KlineReader handles queries against stored series.
type KlineReader interface {
	// Query retrieves klines per the request parameters with pagination.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// LastOpenTime returns the greatest stored open_time for the series.
	// The boolean is false when the table exists but holds no rows.
	LastOpenTime(ctx context.Context, series models.SeriesKey) (int64, bool, error)

	// SeriesStats returns row count and open_time extent for the series.
	SeriesStats(ctx context.Context, series models.SeriesKey) (*SeriesStats, error)

	// DuplicateOpenTimes returns open_time values that appear more than
	// once, mapped to their occurrence count. Tables created by this
	// package cannot contain duplicates; externally built tables can.
	DuplicateOpenTimes(ctx context.Context, series models.SeriesKey) (map[int64]int64, error)

	// ListSeries enumerates every series table present in the database.
	ListSeries(ctx context.Context) ([]models.SeriesKey, error)
}

// SymbolRegistry tracks which exchange symbols are known locally and their
// lifecycle status.
type SymbolRegistry interface {
	// SyncSymbols reconciles the registry against the exchange's trading
	// listing. New symbols are inserted TRADING, known non-TRADING symbols
	// reappearing in the listing are reactivated, and TRADING symbols
	// absent from it are marked delisted, never deleted. With dryRun set
	// the result describes what would change but nothing is written.
	SyncSymbols(ctx context.Context, exchangeSymbols []string, dryRun bool) (*models.SymbolSyncResult, error)

	// ListSymbols returns registry rows, optionally filtered by status.
	ListSymbols(ctx context.Context, status models.SymbolStatus) ([]models.SymbolInfo, error)

	// GetSymbol returns a single registry row or ErrSymbolNotFound.
	GetSymbol(ctx context.Context, symbol string) (*models.SymbolInfo, error)

	// PutSymbol inserts a registry row, or resets the status of an
	// existing one.
	PutSymbol(ctx context.Context, symbol string, status models.SymbolStatus) error

	// UpdateSymbolStatus changes the status of an existing row. Returns
	// ErrSymbolNotFound when the symbol is not registered.
	UpdateSymbolStatus(ctx context.Context, symbol string, status models.SymbolStatus) error

	// DeleteSymbol removes a registry row. Stored klines are untouched.
	DeleteSymbol(ctx context.Context, symbol string) error

	// SymbolStats aggregates row counts per status plus the most recent
	// sync time.
	SymbolStats(ctx context.Context) (*models.SymbolStats, error)
}

// HealthChecker verifies that the backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StoreManager handles lifecycle and operational concerns.
type StoreManager interface {
	// Initialize prepares the backend: connectivity check plus the symbol
	// registry table. Series tables are created lazily by EnsureSeries.
	Initialize(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error

	// Stats aggregates row counts across every series table.
	Stats(ctx context.Context) (*StoreStats, error)

	HealthChecker
}

// Store combines all storage capabilities. This is the interface the
// downloader, integrity checker, and HTTP server are wired against.
type Store interface {
	KlineWriter
	KlineReader
	SymbolRegistry
	StoreManager
}

// QueryRequest defines parameters for querying stored klines.
type QueryRequest struct {
	// Series selects the table to read.
	Series models.SeriesKey

	// StartMs is the earliest open_time to include, inclusive. Zero leaves
	// the lower bound open.
	StartMs int64

	// EndMs is the latest open_time to include, inclusive. Zero leaves the
	// upper bound open.
	EndMs int64

	// Limit caps the number of rows returned (0 = no limit).
	Limit int

	// Offset skips rows for pagination.
	Offset int

	// OrderBy is "open_time_asc" (default) or "open_time_desc". Descending
	// order pages backward from the newest row.
	OrderBy string
}

// QueryResponse contains the results of a kline query.
type QueryResponse struct {
	// Klines contains the page of results.
	Klines []models.KlineRecord

	// Total is the number of matches before limit and offset.
	Total int

	// HasMore indicates more rows exist beyond this page.
	HasMore bool

	// NextOffset is the offset for the next page.
	NextOffset int

	// QueryTime is the duration taken to execute the query.
	QueryTime time.Duration
}

// SeriesStats describes the stored extent of one series.
type SeriesStats struct {
	Series      models.SeriesKey
	RowCount    int64
	FirstOpenMs int64
	LastOpenMs  int64
}

// Empty reports whether the series table holds no rows.
func (s *SeriesStats) Empty() bool {
	return s.RowCount == 0
}

// StoreStats aggregates operational metrics across the whole database.
type StoreStats struct {
	Driver         string           `json:"driver"`
	TotalSeries    int              `json:"total_series"`
	TotalRows      int64            `json:"total_rows"`
	RowsByInterval map[string]int64 `json:"rows_by_interval,omitempty"`
}
