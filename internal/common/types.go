// Package common holds the entity types, enums, and wire-stable error kinds
// shared by every layer of the exchange: book, match, risk, settlement,
// engine, store, and net.
package common

import (
	"time"

	"xchange/internal/decimal"
)

// D is the decimal type every price/size/cash field in this package uses.
type D = decimal.D

// Side is which side of the book an order sits on.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// OrderType distinguishes resting limit orders from immediate-or-discard
// market orders.
//
// Iceberg, stop-loss, and pegged order types appear in the original
// system's schemas but are not implemented here; reserved.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderStatus is an order's lifecycle state. PENDING and PART_FILLED are
// the only statuses under which an order may reside in a book.
type OrderStatus int

const (
	Pending OrderStatus = iota
	PartFilled
	Filled
	Cancelled
	Rejected
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case PartFilled:
		return "PART_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Resting reports whether orders in this status belong in a book.
func (s OrderStatus) Resting() bool {
	return s == Pending || s == PartFilled
}

// AssetID identifies an Asset row.
type AssetID uint64

// Asset is a tradable instrument. Created once; never mutated by the
// engine beyond the last_price/volume statistics settlement maintains.
type Asset struct {
	ID     AssetID
	Ticker string // non-empty, upper-case
	Name   string

	LastPrice decimal.D
	Volume    decimal.D
}

// OrderID identifies an Order row.
type OrderID uint64

// Order is a single submitted order, resting or terminal.
type Order struct {
	ID            OrderID
	User          string
	Asset         AssetID
	Side          Side
	Type          OrderType
	Price         decimal.D // 0 for MARKET
	SizeOriginal  decimal.D
	SizeRemaining decimal.D
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExecutedAt    *time.Time
}

// TradeID identifies a Trade row. It is assigned by the store from one
// counter shared by all assets, so it increases but is not gap-free per
// asset; Trade.Seq is the per-asset gap-free counter.
type TradeID uint64

// Trade is an immutable fill record.
type Trade struct {
	ID         TradeID
	Asset      AssetID
	BuyOrder   OrderID
	SellOrder  OrderID
	Price      decimal.D
	Size       decimal.D
	Buyer      string
	Seller     string
	ExecutedAt time.Time
	Seq        uint64 // strictly increasing, gap-free per asset
}

// Portfolio is the one-per-user cash/buying-power account.
type Portfolio struct {
	User         string
	CashBalance  decimal.D
	BuyingPower  decimal.D
}

// Position is a user's holding in one asset. Deleted when quantity hits
// zero.
type Position struct {
	User        string
	Asset       AssetID
	Quantity    decimal.D // signed
	AverageCost decimal.D // >0 while Quantity != 0
}

// RiskLimit is the one-per-user set of pre-trade risk thresholds.
type RiskLimit struct {
	User            string
	MaxOrderSize    decimal.D
	MaxPositionSize decimal.D
	MaxDailyLoss    decimal.D
	MaxDailyTrades  int
	MaxOpenOrders   int
	LeverageLimit   decimal.D
	Enabled         bool
}

// DefaultRiskLimit mirrors the original system's defaults applied the
// first time a user is seen (original_source
// services/risk_management.py: _get_or_create_risk_limits).
func DefaultRiskLimit(user string) RiskLimit {
	return RiskLimit{
		User:            user,
		MaxOrderSize:    mustScaled("5000.00"),
		MaxPositionSize: mustScaled("10000.00"),
		MaxDailyLoss:    mustScaled("5000.00"),
		MaxDailyTrades:  100,
		MaxOpenOrders:   50,
		LeverageLimit:   mustScaled("1.00"),
		Enabled:         true,
	}
}

// DefaultPortfolio mirrors the original system's portfolio defaults.
func DefaultPortfolio(user string) Portfolio {
	return Portfolio{
		User:        user,
		CashBalance: mustScaled("100000.00"),
		BuyingPower: mustScaled("100000.00"),
	}
}

// AuditAction enumerates the audit log's action kinds. ORDER_FILLED,
// TRADE_EXECUTED, POSITION_OPENED, and POSITION_CLOSED come from spec.md
// §4.5. ORDER_CREATED, ORDER_REJECTED, PORTFOLIO_UPDATED, and
// RISK_LIMIT_VIOLATED supplement the distillation from original_source's
// services/audit_logger.py, per SPEC_FULL.md §9.
type AuditAction string

const (
	AuditOrderCreated      AuditAction = "ORDER_CREATED"
	AuditOrderFilled       AuditAction = "ORDER_FILLED"
	AuditOrderCancelled    AuditAction = "ORDER_CANCELLED"
	AuditOrderRejected     AuditAction = "ORDER_REJECTED"
	AuditTradeExecuted     AuditAction = "TRADE_EXECUTED"
	AuditPositionOpened    AuditAction = "POSITION_OPENED"
	AuditPositionClosed    AuditAction = "POSITION_CLOSED"
	AuditPortfolioUpdated  AuditAction = "PORTFOLIO_UPDATED"
	AuditRiskLimitViolated AuditAction = "RISK_LIMIT_VIOLATED"
)

// AuditID identifies an AuditLog row.
type AuditID uint64

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        AuditID
	User      string // empty for system actions
	Action    AuditAction
	Details   map[string]string
	Timestamp time.Time
	IP        string
}

// TradeEffect is one fill produced by the matcher: the resting (maker)
// order crossed against the incoming (taker) order at the maker's price.
type TradeEffect struct {
	Maker *Order
	Taker *Order
	Price decimal.D
	Size  decimal.D
}

// mustScaled parses a scale-2 literal known at call time to be well
// formed, panicking otherwise. Used only for package-level defaults.
func mustScaled(s string) decimal.D {
	v, err := decimal.Parse(s, decimal.Scale2)
	if err != nil {
		panic(err)
	}
	return v
}
