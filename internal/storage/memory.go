package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klinesync/klinesync/internal/models"
)

// MemoryStore is an in-memory Store used by tests and offline tooling. It
// mirrors the SQL implementation's semantics, including ErrSeriesNotFound on
// writes to absent tables. Unlike the SQL backends it can be seeded with
// duplicate open_time rows to model externally built tables.
type MemoryStore struct {
	mu      sync.RWMutex
	series  map[string][]models.KlineRecord
	symbols map[string]models.SymbolInfo
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:  make(map[string][]models.KlineRecord),
		symbols: make(map[string]models.SymbolInfo),
	}
}

// Initialize implements StoreManager.Initialize.
func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close implements StoreManager.Close.
func (m *MemoryStore) Close() error { return nil }

// HealthCheck implements HealthChecker.
func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// EnsureSeries implements KlineWriter.EnsureSeries.
func (m *MemoryStore) EnsureSeries(ctx context.Context, series models.SeriesKey) error {
	if err := series.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[series.TableName()]; !ok {
		m.series[series.TableName()] = nil
	}
	return nil
}

// SeedRows inserts rows directly, bypassing validation and collision
// handling. Tests use it to model legacy tables with duplicates or rows that
// violate the quality rules. The table is created if absent.
func (m *MemoryStore) SeedRows(series models.SeriesKey, rows []models.KlineRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := series.TableName()
	m.series[table] = append(m.series[table], rows...)
	sort.SliceStable(m.series[table], func(i, j int) bool {
		return m.series[table][i].OpenTime < m.series[table][j].OpenTime
	})
}

// UpsertBatch implements KlineWriter.UpsertBatch. Overwriting a duplicated
// open_time collapses every colliding row into the incoming one.
func (m *MemoryStore) UpsertBatch(ctx context.Context, series models.SeriesKey, klines []models.KlineRecord, policy UpsertPolicy) (int64, error) {
	for i := range klines {
		if err := klines[i].Validate(); err != nil {
			return 0, fmt.Errorf("invalid kline at index %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table := series.TableName()
	rows, ok := m.series[table]
	if !ok {
		return 0, ErrSeriesNotFound
	}

	var written int64
	for _, k := range klines {
		exists := false
		for _, row := range rows {
			if row.OpenTime == k.OpenTime {
				exists = true
				break
			}
		}
		switch {
		case !exists:
			rows = append(rows, k)
			written++
		case policy == InsertOverwrite:
			kept := rows[:0]
			for _, row := range rows {
				if row.OpenTime != k.OpenTime {
					kept = append(kept, row)
				}
			}
			rows = append(kept, k)
			written++
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].OpenTime < rows[j].OpenTime })
	m.series[table] = rows
	return written, nil
}

// DeleteRange implements KlineWriter.DeleteRange.
func (m *MemoryStore) DeleteRange(ctx context.Context, series models.SeriesKey, startMs, endMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := series.TableName()
	rows, ok := m.series[table]
	if !ok {
		return 0, ErrSeriesNotFound
	}

	kept := rows[:0]
	var deleted int64
	for _, row := range rows {
		if (startMs == 0 || row.OpenTime >= startMs) && (endMs == 0 || row.OpenTime <= endMs) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.series[table] = kept
	return deleted, nil
}

// DropSeries implements KlineWriter.DropSeries.
func (m *MemoryStore) DropSeries(ctx context.Context, series models.SeriesKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, series.TableName())
	return nil
}

// Query implements KlineReader.Query.
func (m *MemoryStore) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	m.mu.RLock()
	rows, ok := m.series[req.Series.TableName()]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrSeriesNotFound
	}

	matched := make([]models.KlineRecord, 0, len(rows))
	for _, row := range rows {
		if req.StartMs > 0 && row.OpenTime < req.StartMs {
			continue
		}
		if req.EndMs > 0 && row.OpenTime > req.EndMs {
			continue
		}
		matched = append(matched, row)
	}
	m.mu.RUnlock()

	if req.OrderBy == "open_time_desc" {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].OpenTime > matched[j].OpenTime })
	} else {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].OpenTime < matched[j].OpenTime })
	}

	total := len(matched)
	if req.Offset > 0 {
		if req.Offset >= total {
			matched = nil
		} else {
			matched = matched[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	consumed := req.Offset + len(matched)
	hasMore := req.Limit > 0 && consumed < total
	nextOffset := req.Offset
	if hasMore {
		nextOffset = consumed
	}

	return &QueryResponse{
		Klines:     matched,
		Total:      total,
		HasMore:    hasMore,
		NextOffset: nextOffset,
		QueryTime:  time.Since(start),
	}, nil
}

// LastOpenTime implements KlineReader.LastOpenTime.
func (m *MemoryStore) LastOpenTime(ctx context.Context, series models.SeriesKey) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.series[series.TableName()]
	if !ok {
		return 0, false, ErrSeriesNotFound
	}
	if len(rows) == 0 {
		return 0, false, nil
	}

	last := rows[0].OpenTime
	for _, row := range rows[1:] {
		if row.OpenTime > last {
			last = row.OpenTime
		}
	}
	return last, true, nil
}

// SeriesStats implements KlineReader.SeriesStats.
func (m *MemoryStore) SeriesStats(ctx context.Context, series models.SeriesKey) (*SeriesStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.series[series.TableName()]
	if !ok {
		return nil, ErrSeriesNotFound
	}

	stats := &SeriesStats{Series: series, RowCount: int64(len(rows))}
	for i, row := range rows {
		if i == 0 || row.OpenTime < stats.FirstOpenMs {
			stats.FirstOpenMs = row.OpenTime
		}
		if row.OpenTime > stats.LastOpenMs {
			stats.LastOpenMs = row.OpenTime
		}
	}
	return stats, nil
}

// DuplicateOpenTimes implements KlineReader.DuplicateOpenTimes.
func (m *MemoryStore) DuplicateOpenTimes(ctx context.Context, series models.SeriesKey) (map[int64]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.series[series.TableName()]
	if !ok {
		return nil, ErrSeriesNotFound
	}

	counts := make(map[int64]int64)
	for _, row := range rows {
		counts[row.OpenTime]++
	}
	duplicates := make(map[int64]int64)
	for openTime, count := range counts {
		if count > 1 {
			duplicates[openTime] = count
		}
	}
	return duplicates, nil
}

// ListSeries implements KlineReader.ListSeries.
func (m *MemoryStore) ListSeries(ctx context.Context) ([]models.SeriesKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var series []models.SeriesKey
	for table := range m.series {
		key, ok := models.ParseTableName(table)
		if !ok {
			continue
		}
		series = append(series, key)
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
func (m *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StoreStats{Driver: "memory", RowsByInterval: make(map[string]int64)}
	for table, rows := range m.series {
		key, ok := models.ParseTableName(table)
		if !ok {
			continue
		}
		stats.TotalSeries++
		stats.TotalRows += int64(len(rows))
		stats.RowsByInterval[string(key.Interval)] += int64(len(rows))
	}
	return stats, nil
}

// SyncSymbols implements SymbolRegistry.SyncSymbols.
func (m *MemoryStore) SyncSymbols(ctx context.Context, exchangeSymbols []string, dryRun bool) (*models.SymbolSyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
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
		current, known := m.symbols[symbol]
		switch {
		case !known:
			result.Added = append(result.Added, symbol)
			if !dryRun {
				m.symbols[symbol] = models.SymbolInfo{
					Symbol: symbol, Status: models.StatusTrading,
					CreatedAt: now, UpdatedAt: now, LastSyncAt: now,
				}
			}
		case current.Status != models.StatusTrading:
			result.Updated = append(result.Updated, symbol)
			if !dryRun {
				current.Status = models.StatusTrading
				current.UpdatedAt = now
				current.LastSyncAt = now
				m.symbols[symbol] = current
			}
		default:
			if !dryRun {
				current.LastSyncAt = now
				m.symbols[symbol] = current
			}
		}
	}

	for symbol, info := range m.symbols {
		if _, ok := listed[symbol]; ok || info.Status != models.StatusTrading {
			continue
		}
		result.Delisted = append(result.Delisted, symbol)
		if !dryRun {
			info.Status = models.StatusDelisted
			info.UpdatedAt = now
			m.symbols[symbol] = info
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Updated)
	sort.Strings(result.Delisted)
	result.TotalLocal = len(m.symbols)
	if dryRun {
		result.TotalLocal += len(result.Added)
	}
	return result, nil
}

// ListSymbols implements SymbolRegistry.ListSymbols.
func (m *MemoryStore) ListSymbols(ctx context.Context, status models.SymbolStatus) ([]models.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var symbols []models.SymbolInfo
	for _, info := range m.symbols {
		if status != "" && info.Status != status {
			continue
		}
		symbols = append(symbols, info)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Symbol < symbols[j].Symbol })
	return symbols, nil
}

// GetSymbol implements SymbolRegistry.GetSymbol.
func (m *MemoryStore) GetSymbol(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.symbols[symbol]
	if !ok {
		return nil, ErrSymbolNotFound
	}
	return &info, nil
}

// PutSymbol implements SymbolRegistry.PutSymbol.
func (m *MemoryStore) PutSymbol(ctx context.Context, symbol string, status models.SymbolStatus) error {
	if status == "" {
		status = models.StatusTrading
	}
	if !status.Valid() {
		return fmt.Errorf("unknown symbol status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	info, ok := m.symbols[symbol]
	if !ok {
		info = models.SymbolInfo{Symbol: symbol, CreatedAt: now, LastSyncAt: now}
	}
	info.Status = status
	info.UpdatedAt = now
	m.symbols[symbol] = info
	return nil
}

// UpdateSymbolStatus implements SymbolRegistry.UpdateSymbolStatus.
func (m *MemoryStore) UpdateSymbolStatus(ctx context.Context, symbol string, status models.SymbolStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown symbol status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.symbols[symbol]
	if !ok {
		return ErrSymbolNotFound
	}
	info.Status = status
	info.UpdatedAt = time.Now().UTC()
	m.symbols[symbol] = info
	return nil
}

// DeleteSymbol implements SymbolRegistry.DeleteSymbol.
func (m *MemoryStore) DeleteSymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.symbols[symbol]; !ok {
		return ErrSymbolNotFound
	}
	delete(m.symbols, symbol)
	return nil
}

// SymbolStats implements SymbolRegistry.SymbolStats.
func (m *MemoryStore) SymbolStats(ctx context.Context) (*models.SymbolStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.SymbolStats{ByStatus: make(map[models.SymbolStatus]int)}
	for _, info := range m.symbols {
		stats.Total++
		stats.ByStatus[info.Status]++
		if info.LastSyncAt.After(stats.LastSyncAt) {
			stats.LastSyncAt = info.LastSyncAt
		}
	}
	return stats, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
