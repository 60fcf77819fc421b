// Package store is the exchange's abstract persistence boundary: assets,
// orders, trades, positions, portfolios, risk limits, and the audit log,
// behind a transaction scope that rolls back atomically on error, per
// spec.md §2.2 and §6's persisted state layout.
package store

import (
	"context"
	"errors"
	"time"

	"xchange/internal/common"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint (an asset's ticker, a
// trade's asset+seq) would be violated.
var ErrConflict = errors.New("store: conflict")

// Store opens transactions against the durable entity store.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one transaction scope: every write inside it commits or rolls
// back as a unit. Reads inside a Tx observe a consistent snapshot — the
// same guarantee the risk gate's portfolio read and settlement's
// portfolio write rely on (spec.md §5).
type Tx interface {
	// Assets
	GetAsset(id common.AssetID) (common.Asset, error)
	GetAssetByTicker(ticker string) (common.Asset, error)
	InsertAsset(a common.Asset) (common.Asset, error)
	UpdateAsset(a common.Asset) error

	// Orders
	GetOrder(id common.OrderID) (common.Order, error)
	InsertOrder(o common.Order) (common.Order, error)
	UpdateOrder(o common.Order) error
	CountOpenOrders(user string) (int, error)
	// ListOpenOrders returns every PENDING/PART_FILLED order for asset, in
	// created_at order, so the engine coordinator can rehydrate a book on
	// first touch after a restart.
	ListOpenOrders(asset common.AssetID) ([]common.Order, error)

	// Trades
	NextTradeSeq(asset common.AssetID) (uint64, error)
	InsertTrade(t common.Trade) (common.Trade, error)
	CountTradesSince(user string, since time.Time) (int, error)
	DailyPnL(user string, since time.Time) (buyCost, sellRevenue common.D, err error)

	// Portfolio / positions / risk limits
	GetPortfolio(user string) (common.Portfolio, error)
	UpsertPortfolio(p common.Portfolio) error
	GetPosition(user string, asset common.AssetID) (common.Position, bool, error)
	UpsertPosition(p common.Position) error
	DeletePosition(user string, asset common.AssetID) error
	GetRiskLimit(user string) (common.RiskLimit, error)
	UpsertRiskLimit(r common.RiskLimit) error

	// Audit
	InsertAudit(e common.AuditEntry) (common.AuditEntry, error)
	PendingAudit(limit int) ([]common.AuditEntry, error)
	MarkAuditDrained(ids []common.AuditID) error

	Commit() error
	Rollback() error
}
