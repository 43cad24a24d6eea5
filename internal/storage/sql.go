package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klinesync/klinesync/internal/config"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

// SQLStore implements Store on top of database/sql. The same statement shapes
// run against SQLite, DuckDB, and PostgreSQL; the only per-driver differences
// are placeholder style, catalog queries, and connection settings.
type SQLStore struct {
	db           *sql.DB
	driver       string
	batchSize    int
	queryTimeout time.Duration
	logger       *slog.Logger
}

// seriesColumns is the column list shared by DDL, upserts, and selects.
// Identifiers are quoted so PostgreSQL preserves the mixed-case table names.
const seriesColumns = `"open_time", "trade_date", "open", "high", "low", "close", "volume", ` +
	`"close_time", "quote_volume", "trade_count", "active_buy_volume", "active_buy_quote_volume", ` +
	`"diff", "pct_chg"`

const columnsPerRow = 14

// NewSQLStore opens a database handle for the configured driver. The schema
// is not touched until Initialize is called.
func NewSQLStore(cfg config.DatabaseConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.DSN
	switch cfg.Driver {
	case "sqlite3":
		dsn = sqliteDSN(dsn)
	case "duckdb", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := ensureDBDir(cfg.Driver, cfg.DSN); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "open", err)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "open", err)
	}

	switch cfg.Driver {
	case "sqlite3", "duckdb":
		// Single writer; embedded engines do not benefit from more.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "postgres":
		maxConns := cfg.MaxConns
		if maxConns <= 0 {
			maxConns = 4
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &SQLStore{
		db:           db,
		driver:       cfg.Driver,
		batchSize:    batchSize,
		queryTimeout: cfg.QueryTimeoutDuration(),
		logger:       logger,
	}, nil
}

// sqliteDSN appends the WAL and busy-timeout settings used for concurrent
// reads while the downloader writes.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
}

// ensureDBDir creates the parent directory for file-backed databases.
func ensureDBDir(driver, dsn string) error {
	if driver == "postgres" || dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") {
		return nil
	}
	path := dsn
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimPrefix(path, "file:")
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// Initialize implements StoreManager.Initialize. It verifies connectivity and
// creates the symbol registry table; series tables are created lazily.
func (s *SQLStore) Initialize(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "initialize", err)
	}

	if err := s.createSymbolsTable(ctx); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "initialize", err)
	}

	s.logger.Info("storage initialized", "driver", s.driver)
	return nil
}

// Close implements StoreManager.Close.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck implements HealthChecker.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "health_check", err)
	}
	return nil
}

// opCtx bounds an operation with the configured query timeout.
func (s *SQLStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// rebind converts ? placeholders to the $N style PostgreSQL requires.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// quoteIdent quotes an identifier so mixed-case table names survive on
// PostgreSQL. Table names only ever contain interval and symbol characters.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// isMissingTable reports whether err means the target table does not exist.
func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01" // undefined_table
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

// EnsureSeries implements KlineWriter.EnsureSeries.
func (s *SQLStore) EnsureSeries(ctx context.Context, series models.SeriesKey) error {
	if err := series.Validate(); err != nil {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `CREATE TABLE IF NOT EXISTS ` + quoteIdent(series.TableName()) + ` (
		"open_time" BIGINT PRIMARY KEY,
		"trade_date" VARCHAR NOT NULL,
		"open" DOUBLE PRECISION NOT NULL,
		"high" DOUBLE PRECISION NOT NULL,
		"low" DOUBLE PRECISION NOT NULL,
		"close" DOUBLE PRECISION NOT NULL,
		"volume" DOUBLE PRECISION NOT NULL,
		"close_time" BIGINT NOT NULL,
		"quote_volume" DOUBLE PRECISION NOT NULL,
		"trade_count" BIGINT NOT NULL,
		"active_buy_volume" DOUBLE PRECISION NOT NULL,
		"active_buy_quote_volume" DOUBLE PRECISION NOT NULL,
		"diff" DOUBLE PRECISION,
		"pct_chg" DOUBLE PRECISION
	)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "ensure_series", err)
	}

	s.logger.Debug("series table ready", "table", series.TableName())
	return nil
}

// UpsertBatch implements KlineWriter.UpsertBatch. Rows are written in chunks
// so the placeholder count stays under the SQLite limit.
func (s *SQLStore) UpsertBatch(ctx context.Context, series models.SeriesKey, klines []models.KlineRecord, policy UpsertPolicy) (int64, error) {
	if len(klines) == 0 {
		return 0, nil
	}

	for i := range klines {
		if err := klines[i].Validate(); err != nil {
			return 0, fmt.Errorf("invalid kline at index %d: %w", i, err)
		}
	}

	table := series.TableName()
	var written int64
	for start := 0; start < len(klines); start += s.batchSize {
		end := start + s.batchSize
		if end > len(klines) {
			end = len(klines)
		}
		n, err := s.upsertChunk(ctx, table, klines[start:end], policy)
		if err != nil {
			return written, err
		}
		written += n
	}

	s.logger.Debug("batch written",
		"table", table,
		"rows", len(klines),
		"written", written,
		"policy", policy.String())
	return written, nil
}

func (s *SQLStore) upsertChunk(ctx context.Context, table string, klines []models.KlineRecord, policy UpsertPolicy) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnsPerRow), ", ") + ")"
	values := make([]string, len(klines))
	args := make([]any, 0, len(klines)*columnsPerRow)
	for i, k := range klines {
		values[i] = placeholder
		args = append(args,
			k.OpenTime,
			k.TradeDate(),
			k.Open.InexactFloat64(),
			k.High.InexactFloat64(),
			k.Low.InexactFloat64(),
			k.Close.InexactFloat64(),
			k.Volume.InexactFloat64(),
			k.CloseTime,
			k.QuoteVolume.InexactFloat64(),
			k.TradeCount,
			k.ActiveBuyVolume.InexactFloat64(),
			k.ActiveBuyQuoteVolume.InexactFloat64(),
			k.Diff().InexactFloat64(),
			k.PctChg().InexactFloat64(),
		)
	}

	query := `INSERT INTO ` + quoteIdent(table) + ` (` + seriesColumns + `) VALUES ` +
		strings.Join(values, ", ")
	if policy == InsertOverwrite {
		query += ` ON CONFLICT ("open_time") DO UPDATE SET
			"trade_date" = excluded."trade_date",
			"open" = excluded."open",
			"high" = excluded."high",
			"low" = excluded."low",
			"close" = excluded."close",
			"volume" = excluded."volume",
			"close_time" = excluded."close_time",
			"quote_volume" = excluded."quote_volume",
			"trade_count" = excluded."trade_count",
			"active_buy_volume" = excluded."active_buy_volume",
			"active_buy_quote_volume" = excluded."active_buy_quote_volume",
			"diff" = excluded."diff",
			"pct_chg" = excluded."pct_chg"`
	} else {
		query += ` ON CONFLICT ("open_time") DO NOTHING`
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		if isMissingTable(err) {
			return 0, ErrSeriesNotFound
		}
		return 0, apperrors.New(apperrors.TypeStorageUnavailable, "upsert", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		// Driver cannot report it; count the attempt.
		return int64(len(klines)), nil
	}
	return affected, nil
}

// DeleteRange implements KlineWriter.DeleteRange.
func (s *SQLStore) DeleteRange(ctx context.Context, series models.SeriesKey, startMs, endMs int64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if startMs > 0 {
		conditions = append(conditions, `"open_time" >= ?`)
		args = append(args, startMs)
	}
	if endMs > 0 {
		conditions = append(conditions, `"open_time" <= ?`)
		args = append(args, endMs)
	}

	query := `DELETE FROM ` + quoteIdent(series.TableName())
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		if isMissingTable(err) {
			return 0, ErrSeriesNotFound
		}
		return 0, apperrors.New(apperrors.TypeStorageUnavailable, "delete_range", err)
	}

	affected, _ := result.RowsAffected()
	s.logger.Info("rows deleted",
		"table", series.TableName(),
		"rows", affected,
		"start_ms", startMs,
		"end_ms", endMs)
	return affected, nil
}

// DropSeries implements KlineWriter.DropSeries.
func (s *SQLStore) DropSeries(ctx context.Context, series models.SeriesKey) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `DROP TABLE IF EXISTS ` + quoteIdent(series.TableName())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "drop_series", err)
	}

	s.logger.Info("series table dropped", "table", series.TableName())
	return nil
}

// Query implements KlineReader.Query.
func (s *SQLStore) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	table := req.Series.TableName()
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if req.StartMs > 0 {
		conditions = append(conditions, `"open_time" >= ?`)
		args = append(args, req.StartMs)
	}
	if req.EndMs > 0 {
		conditions = append(conditions, `"open_time" <= ?`)
		args = append(args, req.EndMs)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM ` + quoteIdent(table) + where
	if err := s.db.QueryRowContext(ctx, s.rebind(countQuery), args...).Scan(&total); err != nil {
		if isMissingTable(err) {
			return nil, ErrSeriesNotFound
		}
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "query", err)
	}

	order := ` ORDER BY "open_time" ASC`
	if req.OrderBy == "open_time_desc" {
		order = ` ORDER BY "open_time" DESC`
	}

	query := `SELECT ` + seriesColumns + ` FROM ` + quoteIdent(table) + where + order
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
		if req.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, req.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "query", err)
	}
	defer rows.Close()

	klines := make([]models.KlineRecord, 0, req.Limit)
	for rows.Next() {
		k, err := scanKline(rows)
		if err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "query", err)
		}
		klines = append(klines, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "query", err)
	}

	consumed := req.Offset + len(klines)
	hasMore := req.Limit > 0 && consumed < total
	nextOffset := req.Offset
	if hasMore {
		nextOffset = consumed
	}

	return &QueryResponse{
		Klines:     klines,
		Total:      total,
		HasMore:    hasMore,
		NextOffset: nextOffset,
		QueryTime:  time.Since(start),
	}, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

// scanKline maps one stored row back into a KlineRecord. Prices travel as
// floats in the database; the shortest decimal representation round-trips
// the original exchange strings for the precision they carry.
func scanKline(sc scanner) (models.KlineRecord, error) {
	var (
		openTime, closeTime, tradeCount           int64
		tradeDate                                 string
		open, high, low, close_, volume           float64
		quoteVolume, activeBuyVol, activeBuyQuote float64
		diff, pctChg                              sql.NullFloat64
	)
	err := sc.Scan(&openTime, &tradeDate, &open, &high, &low, &close_, &volume,
		&closeTime, &quoteVolume, &tradeCount, &activeBuyVol, &activeBuyQuote,
		&diff, &pctChg)
	if err != nil {
		return models.KlineRecord{}, err
	}

	return models.KlineRecord{
		OpenTime:             openTime,
		CloseTime:            closeTime,
		Open:                 decimal.NewFromFloat(open),
		High:                 decimal.NewFromFloat(high),
		Low:                  decimal.NewFromFloat(low),
		Close:                decimal.NewFromFloat(close_),
		Volume:               decimal.NewFromFloat(volume),
		QuoteVolume:          decimal.NewFromFloat(quoteVolume),
		ActiveBuyVolume:      decimal.NewFromFloat(activeBuyVol),
		ActiveBuyQuoteVolume: decimal.NewFromFloat(activeBuyQuote),
		TradeCount:           tradeCount,
	}, nil
}

// LastOpenTime implements KlineReader.LastOpenTime.
func (s *SQLStore) LastOpenTime(ctx context.Context, series models.SeriesKey) (int64, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT MAX("open_time") FROM ` + quoteIdent(series.TableName())
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		if isMissingTable(err) {
			return 0, false, ErrSeriesNotFound
		}
		return 0, false, apperrors.New(apperrors.TypeStorageUnavailable, "last_open_time", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return last.Int64, true, nil
}

// SeriesStats implements KlineReader.SeriesStats.
func (s *SQLStore) SeriesStats(ctx context.Context, series models.SeriesKey) (*SeriesStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT COUNT(*), MIN("open_time"), MAX("open_time") FROM ` + quoteIdent(series.TableName())
	var (
		count      int64
		first, last sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count, &first, &last); err != nil {
		if isMissingTable(err) {
			return nil, ErrSeriesNotFound
		}
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "series_stats", err)
	}

	return &SeriesStats{
		Series:      series,
		RowCount:    count,
		FirstOpenMs: first.Int64,
		LastOpenMs:  last.Int64,
	}, nil
}

// DuplicateOpenTimes implements KlineReader.DuplicateOpenTimes.
func (s *SQLStore) DuplicateOpenTimes(ctx context.Context, series models.SeriesKey) (map[int64]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT "open_time", COUNT(*) FROM ` + quoteIdent(series.TableName()) +
		` GROUP BY "open_time" HAVING COUNT(*) > 1`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return nil, ErrSeriesNotFound
		}
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "duplicate_open_times", err)
	}
	defer rows.Close()

	duplicates := make(map[int64]int64)
	for rows.Next() {
		var openTime, count int64
		if err := rows.Scan(&openTime, &count); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "duplicate_open_times", err)
		}
		duplicates[openTime] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "duplicate_open_times", err)
	}
	return duplicates, nil
}

// ListSeries implements KlineReader.ListSeries. Table names that carry the
// series prefix but do not parse back into a symbol and interval are ignored.
func (s *SQLStore) ListSeries(ctx context.Context) ([]models.SeriesKey, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var query string
	switch s.driver {
	case "sqlite3":
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'K%'`
	case "postgres":
		query = `SELECT tablename FROM pg_tables WHERE schemaname = current_schema() AND tablename LIKE 'K%'`
	case "duckdb":
		query = `SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' AND table_name LIKE 'K%'`
	default:
		return nil, fmt.Errorf("unsupported database driver %q", s.driver)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_series", err)
	}
	defer rows.Close()

	var series []models.SeriesKey
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_series", err)
		}
		key, ok := models.ParseTableName(name)
		if !ok {
			continue
		}
		series = append(series, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_series", err)
	}

	sort.Slice(series, func(i, j int) bool {
		if series[i].Symbol != series[j].Symbol {
			return series[i].Symbol < series[j].Symbol
		}
		return series[i].Interval < series[j].Interval
	})
	return series, nil
}

// Stats implements StoreManager.Stats.
func (s *SQLStore) Stats(ctx context.Context) (*StoreStats, error) {
	series, err := s.ListSeries(ctx)
	if err != nil {
		return nil, err
	}

	stats := &StoreStats{
		Driver:         s.driver,
		TotalSeries:    len(series),
		RowsByInterval: make(map[string]int64),
	}
	for _, key := range series {
		seriesStats, err := s.SeriesStats(ctx, key)
		if err != nil {
			if errors.Is(err, ErrSeriesNotFound) {
				continue
			}
			return nil, err
		}
		stats.TotalRows += seriesStats.RowCount
		stats.RowsByInterval[string(key.Interval)] += seriesStats.RowCount
	}
	return stats, nil
}
