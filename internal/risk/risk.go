// Package risk implements the pre-trade risk gate of spec.md §4.4: given a
// candidate order and the submitter's portfolio and risk limits, it
// returns admit or reject-with-reason, reserving buying power on admit.
//
// Grounded on original_source services/risk_management.py
// (RiskManagementService.validate_order and its _validate_* helpers) — the
// check ordering, the projected-position-notional formula, and the
// buying-power reservation-on-admit behavior are carried over directly.
package risk

import (
	"time"

	"xchange/internal/common"
)

// Snapshot is the consistent read of account state the gate validates
// against, assembled by the engine coordinator inside the same critical
// section settlement uses (spec.md §5).
type Snapshot struct {
	Portfolio        common.Portfolio
	Limits           common.RiskLimit
	CurrentPosition  common.D // 0 if none
	OpenOrderCount   int
	DailyTradeCount  int
	DailyBuyCost     common.D
	DailySellRevenue common.D
	// ReferencePrice is the best opposite quote, used to estimate a
	// MARKET order's notional for checks 2 and 3. Zero/ok=false if no
	// quote is available.
	ReferencePrice   common.D
	HasReferencePrice bool
}

// Decision is the gate's admit/reject verdict.
type Decision struct {
	Admitted bool
	Reason   common.Kind // zero value if Admitted
	Message  string
	// ReservedNotional is the buying power reserved on admit of a BUY
	// order (zero for SELL, which reserves nothing).
	ReservedNotional common.D
}

// Gate validates candidate orders against risk limits.
type Gate struct{}

// NewGate builds a risk gate. It is stateless; all state it reads comes
// from the Snapshot passed to Validate.
func NewGate() *Gate { return &Gate{} }

// Validate runs the checks of spec.md §4.4 in order, first failure wins.
func (g *Gate) Validate(order common.Order, snap Snapshot) Decision {
	if !snap.Limits.Enabled {
		return admit(order, snap)
	}

	effectivePrice := order.Price
	if order.Type == common.Market {
		if !snap.HasReferencePrice {
			return reject(common.KindNoReferencePrice, "no reference price available to size a market order")
		}
		effectivePrice = snap.ReferencePrice
	}

	orderValue, err := effectivePrice.Mul(order.SizeOriginal)
	if err != nil {
		return reject(common.KindOverflow, err.Error())
	}
	if orderValue.GreaterThan(snap.Limits.MaxOrderSize) {
		return reject(common.KindRiskRejected, "order notional exceeds max_order_size")
	}

	projected, err := projectedPositionNotional(order.Side, snap.CurrentPosition, order.SizeOriginal, effectivePrice)
	if err != nil {
		return reject(common.KindOverflow, err.Error())
	}
	if projected.GreaterThan(snap.Limits.MaxPositionSize) {
		return reject(common.KindRiskRejected, "projected position exceeds max_position_size")
	}

	if snap.DailyTradeCount >= snap.Limits.MaxDailyTrades {
		return reject(common.KindRiskRejected, "daily trade limit reached")
	}

	if snap.OpenOrderCount >= snap.Limits.MaxOpenOrders {
		return reject(common.KindRiskRejected, "open order limit reached")
	}

	dailyPnL, err := snap.DailySellRevenue.Sub(snap.DailyBuyCost)
	if err != nil {
		return reject(common.KindOverflow, err.Error())
	}
	if dailyPnL.Sign() < 0 && dailyPnL.Neg().GreaterOrEqual(snap.Limits.MaxDailyLoss) {
		return reject(common.KindRiskRejected, "daily loss limit reached")
	}

	if order.Side == common.Buy {
		if snap.Portfolio.BuyingPower.LessThan(orderValue) {
			return reject(common.KindRiskRejected, "insufficient buying power")
		}
	}

	d := admit(order, snap)
	if order.Side == common.Buy {
		d.ReservedNotional = orderValue
	}
	return d
}

func admit(order common.Order, snap Snapshot) Decision {
	return Decision{Admitted: true}
}

func reject(kind common.Kind, msg string) Decision {
	return Decision{Admitted: false, Reason: kind, Message: msg}
}

// projectedPositionNotional computes the would-be position notional after
// order fills completely, per spec.md §4.4 check 3.
func projectedPositionNotional(side common.Side, currentQty, size, price common.D) (common.D, error) {
	var newQty common.D
	var err error
	if side == common.Buy {
		newQty, err = currentQty.Add(size)
	} else {
		diff, subErr := currentQty.Sub(size)
		if subErr != nil {
			return common.D{}, subErr
		}
		newQty = diff.Abs()
	}
	if err != nil {
		return common.D{}, err
	}
	return newQty.Mul(price)
}

// MidnightUTC returns the start of the UTC day containing t, the cutoff
// spec.md §4.4/§9 uses for "daily" fill count and P&L (the spec documents
// UTC rather than user-local time as a known future-work item).
func MidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
