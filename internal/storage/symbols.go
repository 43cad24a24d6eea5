package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

// createSymbolsTable creates the symbol registry. Timestamps are stored as
// epoch milliseconds so the DDL stays portable across drivers.
func (s *SQLStore) createSymbolsTable(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS symbols (
		"symbol" VARCHAR PRIMARY KEY,
		"status" VARCHAR NOT NULL DEFAULT 'TRADING',
		"created_at" BIGINT NOT NULL,
		"updated_at" BIGINT NOT NULL,
		"last_sync_at" BIGINT NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// SyncSymbols implements SymbolRegistry.SyncSymbols. The diff is computed
// first so a dry run reports the exact classification a real sync would
// apply; real syncs then run every write in one transaction so a
// half-applied reconciliation never becomes visible.
func (s *SQLStore) SyncSymbols(ctx context.Context, exchangeSymbols []string, dryRun bool) (*models.SymbolSyncResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	existing, err := s.loadSymbolStatuses(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
	}

	listed := make(map[string]struct{}, len(exchangeSymbols))
	result := &models.SymbolSyncResult{
		TotalExchange: len(exchangeSymbols),
		DryRun:        dryRun,
	}
	for _, symbol := range exchangeSymbols {
		if _, dup := listed[symbol]; dup {
			continue
		}
		listed[symbol] = struct{}{}
		current, known := existing[symbol]
		switch {
		case !known:
			result.Added = append(result.Added, symbol)
		case current != models.StatusTrading:
			result.Updated = append(result.Updated, symbol)
		}
	}
	// Symbols that vanished from the trading listing are marked delisted,
	// never deleted; their kline tables remain queryable.
	for symbol, status := range existing {
		if _, ok := listed[symbol]; ok || status != models.StatusTrading {
			continue
		}
		result.Delisted = append(result.Delisted, symbol)
	}
	sort.Strings(result.Added)
	sort.Strings(result.Updated)
	sort.Strings(result.Delisted)
	result.TotalLocal = len(existing) + len(result.Added)

	if dryRun {
		s.logger.Info("symbol sync preview",
			"exchange", result.TotalExchange,
			"added", len(result.Added),
			"updated", len(result.Updated),
			"delisted", len(result.Delisted))
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
	}
	defer tx.Rollback()

	nowMs := time.Now().UTC().UnixMilli()
	insertQuery := s.rebind(`INSERT INTO symbols ("symbol", "status", "created_at", "updated_at", "last_sync_at") VALUES (?, ?, ?, ?, ?)`)
	updateQuery := s.rebind(`UPDATE symbols SET "status" = ?, "updated_at" = ?, "last_sync_at" = ? WHERE "symbol" = ?`)
	touchQuery := s.rebind(`UPDATE symbols SET "last_sync_at" = ? WHERE "symbol" = ?`)

	for _, symbol := range result.Added {
		if _, err := tx.ExecContext(ctx, insertQuery, symbol, string(models.StatusTrading), nowMs, nowMs, nowMs); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
		}
	}
	for _, symbol := range result.Updated {
		if _, err := tx.ExecContext(ctx, updateQuery, string(models.StatusTrading), nowMs, nowMs, symbol); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
		}
	}
	for _, symbol := range result.Delisted {
		if _, err := tx.ExecContext(ctx, updateQuery, string(models.StatusDelisted), nowMs, nowMs, symbol); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
		}
	}
	for symbol := range listed {
		if existing[symbol] != models.StatusTrading {
			continue
		}
		if _, err := tx.ExecContext(ctx, touchQuery, nowMs, symbol); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "sync_symbols", err)
	}

	s.logger.Info("symbol registry synced",
		"exchange", result.TotalExchange,
		"local", result.TotalLocal,
		"added", len(result.Added),
		"updated", len(result.Updated),
		"delisted", len(result.Delisted))
	return result, nil
}

func (s *SQLStore) loadSymbolStatuses(ctx context.Context) (map[string]models.SymbolStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "symbol", "status" FROM symbols`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]models.SymbolStatus)
	for rows.Next() {
		var symbol, status string
		if err := rows.Scan(&symbol, &status); err != nil {
			return nil, err
		}
		existing[symbol] = models.SymbolStatus(status)
	}
	return existing, rows.Err()
}

// ListSymbols implements SymbolRegistry.ListSymbols. An empty status returns
// every row.
func (s *SQLStore) ListSymbols(ctx context.Context, status models.SymbolStatus) ([]models.SymbolInfo, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT "symbol", "status", "created_at", "updated_at", "last_sync_at" FROM symbols`
	args := []any{}
	if status != "" {
		query += ` WHERE "status" = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY "symbol" ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_symbols", err)
	}
	defer rows.Close()

	var symbols []models.SymbolInfo
	for rows.Next() {
		info, err := scanSymbol(rows)
		if err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_symbols", err)
		}
		symbols = append(symbols, info)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "list_symbols", err)
	}
	return symbols, nil
}

// GetSymbol implements SymbolRegistry.GetSymbol.
func (s *SQLStore) GetSymbol(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.rebind(`SELECT "symbol", "status", "created_at", "updated_at", "last_sync_at" FROM symbols WHERE "symbol" = ?`)
	info, err := scanSymbol(s.db.QueryRowContext(ctx, query, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSymbolNotFound
		}
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "get_symbol", err)
	}
	return &info, nil
}

// PutSymbol implements SymbolRegistry.PutSymbol. An empty status defaults to
// TRADING; re-adding an existing symbol resets its status.
func (s *SQLStore) PutSymbol(ctx context.Context, symbol string, status models.SymbolStatus) error {
	if status == "" {
		status = models.StatusTrading
	}
	if !status.Valid() {
		return apperrors.New(apperrors.TypeClientError, "put_symbol",
			fmt.Errorf("unknown symbol status %q", status))
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	query := s.rebind(`INSERT INTO symbols ("symbol", "status", "created_at", "updated_at", "last_sync_at") VALUES (?, ?, ?, ?, ?)
		ON CONFLICT ("symbol") DO UPDATE SET "status" = EXCLUDED."status", "updated_at" = EXCLUDED."updated_at"`)
	if _, err := s.db.ExecContext(ctx, query, symbol, string(status), nowMs, nowMs, nowMs); err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "put_symbol", err)
	}
	return nil
}

// UpdateSymbolStatus implements SymbolRegistry.UpdateSymbolStatus.
func (s *SQLStore) UpdateSymbolStatus(ctx context.Context, symbol string, status models.SymbolStatus) error {
	if !status.Valid() {
		return apperrors.New(apperrors.TypeClientError, "update_symbol_status",
			fmt.Errorf("unknown symbol status %q", status))
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	nowMs := time.Now().UTC().UnixMilli()
	query := s.rebind(`UPDATE symbols SET "status" = ?, "updated_at" = ? WHERE "symbol" = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), nowMs, symbol)
	if err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "update_symbol_status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "update_symbol_status", err)
	}
	if affected == 0 {
		return ErrSymbolNotFound
	}
	return nil
}

// DeleteSymbol implements SymbolRegistry.DeleteSymbol. Kline tables for the
// symbol are left in place.
func (s *SQLStore) DeleteSymbol(ctx context.Context, symbol string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM symbols WHERE "symbol" = ?`), symbol)
	if err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "delete_symbol", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.New(apperrors.TypeStorageUnavailable, "delete_symbol", err)
	}
	if affected == 0 {
		return ErrSymbolNotFound
	}
	return nil
}

// SymbolStats implements SymbolRegistry.SymbolStats.
func (s *SQLStore) SymbolStats(ctx context.Context) (*models.SymbolStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	stats := &models.SymbolStats{ByStatus: make(map[models.SymbolStatus]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT "status", COUNT(*) FROM symbols GROUP BY "status"`)
	if err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "symbol_stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.New(apperrors.TypeStorageUnavailable, "symbol_stats", err)
		}
		stats.ByStatus[models.SymbolStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "symbol_stats", err)
	}

	var lastSyncMs sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX("last_sync_at") FROM symbols`).Scan(&lastSyncMs); err != nil {
		return nil, apperrors.New(apperrors.TypeStorageUnavailable, "symbol_stats", err)
	}
	if lastSyncMs.Valid {
		stats.LastSyncAt = time.UnixMilli(lastSyncMs.Int64).UTC()
	}
	return stats, nil
}

func scanSymbol(sc scanner) (models.SymbolInfo, error) {
	var (
		symbol, status                   string
		createdMs, updatedMs, lastSyncMs int64
	)
	if err := sc.Scan(&symbol, &status, &createdMs, &updatedMs, &lastSyncMs); err != nil {
		return models.SymbolInfo{}, err
	}
	return models.SymbolInfo{
		Symbol:     symbol,
		Status:     models.SymbolStatus(status),
		CreatedAt:  time.UnixMilli(createdMs).UTC(),
		UpdatedAt:  time.UnixMilli(updatedMs).UTC(),
		LastSyncAt: time.UnixMilli(lastSyncMs).UTC(),
	}, nil
}
