package models

import "time"

// SymbolStatus mirrors the exchange's lifecycle states for a futures symbol.
type SymbolStatus string

const (
	StatusTrading        SymbolStatus = "TRADING"
	StatusPreTrading     SymbolStatus = "PRE_TRADING"
	StatusPendingTrading SymbolStatus = "PENDING_TRADING"
	StatusPostTrading    SymbolStatus = "POST_TRADING"
	StatusBreak          SymbolStatus = "BREAK"
	// StatusDelisted is assigned locally when a previously tracked symbol
	// disappears from the exchange listing.
	StatusDelisted SymbolStatus = "DELISTED"
)

// Valid reports whether the status is one of the known lifecycle states.
// Manual status updates must pass this check; sync writes whatever the
// exchange reports.
func (s SymbolStatus) Valid() bool {
	switch s {
	case StatusTrading, StatusPreTrading, StatusPendingTrading,
		StatusPostTrading, StatusBreak, StatusDelisted:
		return true
	}
	return false
}

// SymbolInfo is one row of the local symbol registry.
type SymbolInfo struct {
	Symbol     string       `json:"symbol" db:"symbol"`
	Status     SymbolStatus `json:"status" db:"status"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
	LastSyncAt time.Time    `json:"last_sync_at" db:"last_sync_at"`
}

// Tradable reports whether klines should be downloaded for the symbol.
func (s *SymbolInfo) Tradable() bool {
	return s.Status == StatusTrading
}

// SymbolSyncResult summarizes one reconciliation of the local registry
// against the exchange listing.
type SymbolSyncResult struct {
	Added    []string `json:"added"`
	Updated  []string `json:"updated"`
	Delisted []string `json:"delisted"`

	// TotalExchange counts symbols observed on the exchange; TotalLocal
	// counts registry rows after the sync.
	TotalExchange int `json:"total_exchange"`
	TotalLocal    int `json:"total_local"`

	// DryRun marks a preview: the lists above describe what a real sync
	// would change, but nothing was written.
	DryRun bool `json:"dry_run"`
}

// SymbolStats aggregates the registry for status endpoints.
type SymbolStats struct {
	Total      int                  `json:"total"`
	ByStatus   map[SymbolStatus]int `json:"by_status"`
	LastSyncAt time.Time            `json:"last_sync_at"`
}
