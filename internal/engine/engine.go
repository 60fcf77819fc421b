// Package engine implements the coordinator of spec.md §4.6: the single
// entry point that owns one Book per asset behind an exclusive guard and
// drives every submit through validate -> match -> settle -> commit as one
// critical section.
//
// Grounded on the teacher's (superseded) internal/engine/engine.go, whose
// Engine{Books map[AssetType]OrderBook} shape is kept here as
// Coordinator{assets map[common.AssetID]*assetGuard}, now backed by the
// real internal/book.Book and internal/match.Match instead of the
// teacher's own inconsistent draft types.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"xchange/internal/book"
	"xchange/internal/common"
	"xchange/internal/match"
	"xchange/internal/risk"
	"xchange/internal/settlement"
	"xchange/internal/store"
)

// assetGuard serializes every mutation against one asset's book, per
// spec.md §5's "per-asset guard is the linearization point."
type assetGuard struct {
	mu   sync.Mutex
	book *book.Book
}

// Coordinator is the engine's single entry point.
type Coordinator struct {
	st   store.Store
	gate *risk.Gate

	mu     sync.Mutex // guards the assets map itself, not the books inside it
	assets map[common.AssetID]*assetGuard
}

// New builds a Coordinator over st.
func New(st store.Store) *Coordinator {
	return &Coordinator{
		st:     st,
		gate:   risk.NewGate(),
		assets: make(map[common.AssetID]*assetGuard),
	}
}

// guardFor returns asset's guard, creating and hydrating it from persisted
// PENDING/PART_FILLED orders on first touch (spec.md §6's (asset, status)
// index exists exactly for this restart-recovery read).
func (c *Coordinator) guardFor(ctx context.Context, asset common.AssetID) (*assetGuard, error) {
	c.mu.Lock()
	g, ok := c.assets[asset]
	if ok {
		c.mu.Unlock()
		return g, nil
	}
	c.mu.Unlock()

	b := book.New(asset)
	tx, err := c.st.Begin(ctx)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "begin hydration tx", err)
	}
	open, err := tx.ListOpenOrders(asset)
	if err != nil {
		tx.Rollback()
		return nil, common.WrapError(common.KindInternal, "list open orders", err)
	}
	if err := tx.Rollback(); err != nil {
		return nil, common.WrapError(common.KindInternal, "rollback hydration tx", err)
	}
	for i := range open {
		o := open[i]
		if o.Type == common.Market {
			// Resting MARKET orders never happen (match never rests them);
			// a persisted one would mean a crash mid-settlement. Skip it
			// rather than corrupt the book's price ordering.
			log.Warn().Uint64("order_id", uint64(o.ID)).Msg("engine: skipping unexpected resting market order on hydration")
			continue
		}
		b.Add(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.assets[asset]; ok {
		return g, nil
	}
	g = &assetGuard{book: b}
	c.assets[asset] = g
	return g, nil
}

// resolveAsset looks up ticker in its own short-lived transaction, closed
// before returning, so callers are free to open their own work
// transaction (or call guardFor) immediately after.
func (c *Coordinator) resolveAsset(ctx context.Context, ticker string) (common.AssetID, error) {
	tx, err := c.st.Begin(ctx)
	if err != nil {
		return 0, common.WrapError(common.KindInternal, "begin tx", err)
	}
	asset, err := tx.GetAssetByTicker(ticker)
	tx.Rollback()
	if err != nil {
		if err == store.ErrNotFound {
			return 0, common.NewError(common.KindAssetNotFound, ticker)
		}
		return 0, common.WrapError(common.KindInternal, "get asset", err)
	}
	return asset.ID, nil
}

// peekOrderAsset looks up an order's asset id in its own short-lived
// transaction, so CancelOrder can hydrate/lock the right guard before
// opening its work transaction. The order is re-read inside that work
// transaction before any mutation — this is only an existence probe.
func (c *Coordinator) peekOrderAsset(ctx context.Context, orderID common.OrderID) (common.AssetID, error) {
	tx, err := c.st.Begin(ctx)
	if err != nil {
		return 0, common.WrapError(common.KindInternal, "begin tx", err)
	}
	order, err := tx.GetOrder(orderID)
	tx.Rollback()
	if err != nil {
		if err == store.ErrNotFound {
			return 0, common.NewError(common.KindOrderNotFound, "")
		}
		return 0, common.WrapError(common.KindInternal, "get order", err)
	}
	return order.Asset, nil
}

// SubmitOrder runs one order through validate -> match -> settle -> commit
// under asset's guard, per spec.md §4.6.
//
// Resolving the ticker and hydrating its guard each run as their own
// transaction, closed before the work transaction opens: guardFor's
// hydration read must never happen while another transaction on this
// store is already open, since MemStore (and a single SQLite connection)
// serialize transactions with one lock apiece — nesting them would
// deadlock a caller against itself.
func (c *Coordinator) SubmitOrder(ctx context.Context, user string, ticker string, side common.Side, typ common.OrderType, price, size common.D) (common.Order, []common.Trade, error) {
	assetID, err := c.resolveAsset(ctx, ticker)
	if err != nil {
		return common.Order{}, nil, err
	}

	g, err := c.guardFor(ctx, assetID)
	if err != nil {
		return common.Order{}, nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := c.st.Begin(ctx)
	if err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	asset, err := tx.GetAsset(assetID)
	if err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "get asset", err)
	}

	now := time.Now()
	candidate := common.Order{
		User:          user,
		Asset:         asset.ID,
		Side:          side,
		Type:          typ,
		Price:         price,
		SizeOriginal:  size,
		SizeRemaining: size,
		Status:        common.Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// A MARKET order against a literally empty opposite book is rejected
	// as NoLiquidity, not NoReferencePrice: spec.md §8 scenario 3 requires
	// this precedence even though the risk gate would otherwise see "no
	// quote" and reject with NoReferencePrice first.
	if typ == common.Market {
		if _, ok := g.book.PeekBest(opposite(side)); !ok {
			return c.reject(tx, candidate, common.KindNoLiquidity, "no resting liquidity on the opposite side", now)
		}
	}

	snap, err := c.snapshot(tx, user, asset.ID, g.book, side, now)
	if err != nil {
		return common.Order{}, nil, err
	}

	decision := c.gate.Validate(candidate, snap)
	if !decision.Admitted {
		return c.reject(tx, candidate, decision.Reason, decision.Message, now)
	}

	persisted, err := tx.InsertOrder(candidate)
	if err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "insert order", err)
	}

	if side == common.Buy && decision.ReservedNotional.Sign() > 0 {
		pf, err := loadOrDefaultPortfolio(tx, user)
		if err != nil {
			return common.Order{}, nil, err
		}
		pf.BuyingPower, err = pf.BuyingPower.Sub(decision.ReservedNotional)
		if err != nil {
			return common.Order{}, nil, common.WrapError(common.KindOverflow, "reserve buying power", err)
		}
		if err := tx.UpsertPortfolio(pf); err != nil {
			return common.Order{}, nil, common.WrapError(common.KindInternal, "reserve buying power", err)
		}
	}

	if _, err := tx.InsertAudit(common.AuditEntry{
		User:      user,
		Action:    common.AuditOrderCreated,
		Timestamp: now,
		Details:   map[string]string{"order_id": orderIDString(persisted.ID), "asset": ticker},
	}); err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "audit order created", err)
	}

	effects := match.Match(g.book, &persisted)

	trades, updatedAsset, err := settlement.Settle(tx, asset, &persisted, effects, now)
	if err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "settle", err)
	}

	if err := tx.Commit(); err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "commit", err)
	}

	_ = updatedAsset
	log.Info().
		Str("user", user).
		Str("asset", ticker).
		Str("status", persisted.Status.String()).
		Int("fills", len(trades)).
		Msg("engine: order submitted")

	return persisted, trades, nil
}

// reject persists order as REJECTED, audits it, and commits — no trade, no
// reservation, per spec.md §7's validation-error handling.
func (c *Coordinator) reject(tx store.Tx, order common.Order, reason common.Kind, msg string, now time.Time) (common.Order, []common.Trade, error) {
	order.Status = common.Rejected
	order.CreatedAt = now
	order.UpdatedAt = now
	persisted, err := tx.InsertOrder(order)
	if err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "insert rejected order", err)
	}
	if _, err := tx.InsertAudit(common.AuditEntry{
		User:      order.User,
		Action:    common.AuditOrderRejected,
		Timestamp: now,
		Details:   map[string]string{"order_id": orderIDString(persisted.ID), "reason": string(reason), "message": msg},
	}); err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "audit order rejected", err)
	}
	if err := tx.Commit(); err != nil {
		return common.Order{}, nil, common.WrapError(common.KindInternal, "commit reject", err)
	}
	return persisted, nil, common.NewError(reason, msg)
}

// snapshot assembles the consistent account read the risk gate validates
// against, per spec.md §4.4/§5.
func (c *Coordinator) snapshot(tx store.Tx, user string, asset common.AssetID, b *book.Book, side common.Side, now time.Time) (risk.Snapshot, error) {
	pf, err := loadOrDefaultPortfolio(tx, user)
	if err != nil {
		return risk.Snapshot{}, err
	}

	limits, err := tx.GetRiskLimit(user)
	if err != nil {
		if err == store.ErrNotFound {
			limits = common.DefaultRiskLimit(user)
		} else {
			return risk.Snapshot{}, common.WrapError(common.KindInternal, "get risk limit", err)
		}
	}

	var currentQty common.D
	if pos, ok, err := tx.GetPosition(user, asset); err != nil {
		return risk.Snapshot{}, common.WrapError(common.KindInternal, "get position", err)
	} else if ok {
		currentQty = pos.Quantity
	}

	openCount, err := tx.CountOpenOrders(user)
	if err != nil {
		return risk.Snapshot{}, common.WrapError(common.KindInternal, "count open orders", err)
	}

	since := risk.MidnightUTC(now)
	tradeCount, err := tx.CountTradesSince(user, since)
	if err != nil {
		return risk.Snapshot{}, common.WrapError(common.KindInternal, "count trades since", err)
	}
	buyCost, sellRevenue, err := tx.DailyPnL(user, since)
	if err != nil {
		return risk.Snapshot{}, common.WrapError(common.KindInternal, "daily pnl", err)
	}

	ref, hasRef := referencePrice(b, side)

	return risk.Snapshot{
		Portfolio:         pf,
		Limits:            limits,
		CurrentPosition:   currentQty,
		OpenOrderCount:    openCount,
		DailyTradeCount:   tradeCount,
		DailyBuyCost:      buyCost,
		DailySellRevenue:  sellRevenue,
		ReferencePrice:    ref,
		HasReferencePrice: hasRef,
	}, nil
}

// referencePrice is the best quote on the opposite side from the incoming
// order's — what a MARKET order would actually trade against — used to
// size checks 2 and 3 of the risk gate for MARKET orders.
func referencePrice(b *book.Book, side common.Side) (common.D, bool) {
	if side == common.Buy {
		return b.BestAsk()
	}
	return b.BestBid()
}

func loadOrDefaultPortfolio(tx store.Tx, user string) (common.Portfolio, error) {
	pf, err := tx.GetPortfolio(user)
	if err == store.ErrNotFound {
		return common.DefaultPortfolio(user), nil
	}
	if err != nil {
		return common.Portfolio{}, common.WrapError(common.KindInternal, "get portfolio", err)
	}
	return pf, nil
}

// CancelOrder cancels a resting order owned by user, restoring any
// reserved buying power proportional to its remaining size, per
// spec.md §4.6.
func (c *Coordinator) CancelOrder(ctx context.Context, user string, orderID common.OrderID) (common.Order, error) {
	asset, err := c.peekOrderAsset(ctx, orderID)
	if err != nil {
		return common.Order{}, err
	}

	g, err := c.guardFor(ctx, asset)
	if err != nil {
		return common.Order{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := c.st.Begin(ctx)
	if err != nil {
		return common.Order{}, common.WrapError(common.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return common.Order{}, common.NewError(common.KindOrderNotFound, "")
		}
		return common.Order{}, common.WrapError(common.KindInternal, "get order", err)
	}
	if order.User != user {
		return common.Order{}, common.NewError(common.KindForbidden, "")
	}
	if !order.Status.Resting() {
		return common.Order{}, common.NewError(common.KindNotCancellable, order.Status.String())
	}

	if _, err := g.book.Remove(order.ID); err != nil && err != book.ErrNotFound {
		return common.Order{}, common.WrapError(common.KindInternal, "remove from book", err)
	}

	now := time.Now()
	order.Status = common.Cancelled
	order.UpdatedAt = now
	if err := tx.UpdateOrder(order); err != nil {
		return common.Order{}, common.WrapError(common.KindInternal, "update order", err)
	}

	if order.Side == common.Buy {
		notional, err := order.Price.Mul(order.SizeRemaining)
		if err != nil {
			return common.Order{}, common.WrapError(common.KindOverflow, "restore buying power", err)
		}
		pf, err := loadOrDefaultPortfolio(tx, user)
		if err != nil {
			return common.Order{}, err
		}
		pf.BuyingPower, err = pf.BuyingPower.Add(notional)
		if err != nil {
			return common.Order{}, common.WrapError(common.KindOverflow, "restore buying power", err)
		}
		if err := tx.UpsertPortfolio(pf); err != nil {
			return common.Order{}, common.WrapError(common.KindInternal, "restore buying power", err)
		}
	}

	if _, err := tx.InsertAudit(common.AuditEntry{
		User:      user,
		Action:    common.AuditOrderCancelled,
		Timestamp: now,
		Details:   map[string]string{"order_id": orderIDString(order.ID)},
	}); err != nil {
		return common.Order{}, common.WrapError(common.KindInternal, "audit order cancelled", err)
	}

	if err := tx.Commit(); err != nil {
		return common.Order{}, common.WrapError(common.KindInternal, "commit cancel", err)
	}
	return order, nil
}

// Depth returns a read-only snapshot of the top `levels` price levels of
// ticker's book, per spec.md §4.6.
func (c *Coordinator) Depth(ctx context.Context, ticker string, levels int) (bids, asks []book.DepthLevel, lastPrice common.D, err error) {
	assetID, err := c.resolveAsset(ctx, ticker)
	if err != nil {
		return nil, nil, common.D{}, err
	}

	g, err := c.guardFor(ctx, assetID)
	if err != nil {
		return nil, nil, common.D{}, err
	}
	g.mu.Lock()
	bids, asks = g.book.Depth(levels)
	g.mu.Unlock()

	tx, err := c.st.Begin(ctx)
	if err != nil {
		return nil, nil, common.D{}, common.WrapError(common.KindInternal, "begin tx", err)
	}
	asset, err := tx.GetAsset(assetID)
	tx.Rollback()
	if err != nil {
		return nil, nil, common.D{}, common.WrapError(common.KindInternal, "get asset", err)
	}

	return bids, asks, asset.LastPrice, nil
}

func opposite(side common.Side) common.Side {
	if side == common.Buy {
		return common.Sell
	}
	return common.Buy
}

func orderIDString(id common.OrderID) string {
	return strconv.FormatUint(uint64(id), 10)
}
