// Package settlement applies a matcher's trade effects as one transactional
// unit: trade rows, order mutation, position VWAP, cash movement, audit
// entries, and asset statistics. It never reads from the book — its whole
// input is the []common.TradeEffect the matcher already produced.
//
// Grounded on original_source services/risk_management.py
// (_update_user_position's VWAP formula and flat-position deletion) and
// services/audit_logger.py (the audit action catalogue this emits),
// standing in for the teacher's engine.Engine.Trade stub, which this
// package's Settle replaces with a real transactional writer.
package settlement

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"xchange/internal/common"
	"xchange/internal/store"
)

// Settle writes every effect of one match inside tx: trades, order rows,
// positions, cash, audit entries, and asset statistics, per spec.md §4.5.
// incoming must already be persisted (status PENDING) by the caller before
// matching; Settle updates it and every maker it touches in place.
func Settle(tx store.Tx, asset common.Asset, incoming *common.Order, effects []common.TradeEffect, now time.Time) ([]common.Trade, common.Asset, error) {
	// Match only ever sets incoming.Status (it owns the taker's full
	// PENDING/PART_FILLED/FILLED/CANCELLED disposition, including the
	// discarded-MARKET-remainder case); makers are tracked separately here
	// because their terminal status has to be derived from what the
	// crossing loop left in SizeRemaining instead.
	touchedMakers := map[common.OrderID]*common.Order{}
	positions := map[positionKey]*common.Position{}
	portfolios := map[string]*common.Portfolio{}

	trades := make([]common.Trade, 0, len(effects))

	for _, eff := range effects {
		touchedMakers[eff.Maker.ID] = eff.Maker

		buyOrder, sellOrder := eff.Maker, eff.Taker
		if buyOrder.Side != common.Buy {
			buyOrder, sellOrder = sellOrder, buyOrder
		}

		seq, err := tx.NextTradeSeq(asset.ID)
		if err != nil {
			return nil, common.Asset{}, err
		}
		trade := common.Trade{
			Asset:      asset.ID,
			BuyOrder:   buyOrder.ID,
			SellOrder:  sellOrder.ID,
			Price:      eff.Price,
			Size:       eff.Size,
			Buyer:      buyOrder.User,
			Seller:     sellOrder.User,
			ExecutedAt: now,
			Seq:        seq,
		}
		trade, err = tx.InsertTrade(trade)
		if err != nil {
			return nil, common.Asset{}, err
		}
		trades = append(trades, trade)

		if err := applyPosition(tx, positions, buyOrder.User, asset.ID, common.Buy, eff.Size, eff.Price, now); err != nil {
			return nil, common.Asset{}, err
		}
		if err := applyPosition(tx, positions, sellOrder.User, asset.ID, common.Sell, eff.Size, eff.Price, now); err != nil {
			return nil, common.Asset{}, err
		}

		notional, err := eff.Price.Mul(eff.Size)
		if err != nil {
			return nil, common.Asset{}, err
		}
		buyerPF, err := loadPortfolio(tx, portfolios, buyOrder.User)
		if err != nil {
			return nil, common.Asset{}, err
		}
		sellerPF, err := loadPortfolio(tx, portfolios, sellOrder.User)
		if err != nil {
			return nil, common.Asset{}, err
		}
		// Buying power was already reserved at admission; only cash moves
		// here. Seller's proceeds are immediately usable as both cash and
		// buying power (spec.md §4.5 step 4).
		buyerPF.CashBalance, err = buyerPF.CashBalance.Sub(notional)
		if err != nil {
			return nil, common.Asset{}, err
		}
		sellerPF.CashBalance, err = sellerPF.CashBalance.Add(notional)
		if err != nil {
			return nil, common.Asset{}, err
		}
		sellerPF.BuyingPower, err = sellerPF.BuyingPower.Add(notional)
		if err != nil {
			return nil, common.Asset{}, err
		}

		if _, err := tx.InsertAudit(common.AuditEntry{
			Action: common.AuditTradeExecuted,
			Details: map[string]string{
				"asset": asset.Ticker,
				"price": eff.Price.String(),
				"size":  eff.Size.String(),
				"buyer": buyOrder.User,
				"seller": sellOrder.User,
			},
			Timestamp: now,
		}); err != nil {
			return nil, common.Asset{}, err
		}

		asset.LastPrice = eff.Price
		asset.Volume, err = asset.Volume.Add(eff.Size)
		if err != nil {
			return nil, common.Asset{}, err
		}

		log.Info().
			Str("asset", asset.Ticker).
			Uint64("seq", seq).
			Str("price", eff.Price.String()).
			Str("size", eff.Size.String()).
			Str("buyer", buyOrder.User).
			Str("seller", sellOrder.User).
			Msg("trade settled")
	}

	incoming.UpdatedAt = now
	if incoming.Status == common.Filled && incoming.ExecutedAt == nil {
		t := now
		incoming.ExecutedAt = &t
	}
	if err := emitFillAudit(tx, incoming, now); err != nil {
		return nil, common.Asset{}, err
	}
	if err := tx.UpdateOrder(*incoming); err != nil {
		return nil, common.Asset{}, err
	}

	// Match never stamps a maker's Status (it only owns the taker's); the
	// crossing loop did leave each touched maker's SizeRemaining correct,
	// so the maker's terminal status is derived from that instead of
	// trusting whatever it was resting at before this match began.
	for _, o := range touchedMakers {
		o.UpdatedAt = now
		if o.SizeRemaining.IsZero() {
			o.Status = common.Filled
			if o.ExecutedAt == nil {
				t := now
				o.ExecutedAt = &t
			}
		} else {
			o.Status = common.PartFilled
		}
		if err := emitFillAudit(tx, o, now); err != nil {
			return nil, common.Asset{}, err
		}
		if err := tx.UpdateOrder(*o); err != nil {
			return nil, common.Asset{}, err
		}
	}
	for _, pf := range portfolios {
		if err := tx.UpsertPortfolio(*pf); err != nil {
			return nil, common.Asset{}, err
		}
	}
	if len(effects) > 0 {
		if err := tx.UpdateAsset(asset); err != nil {
			return nil, common.Asset{}, err
		}
	}

	return trades, asset, nil
}

type positionKey struct {
	user  string
	asset common.AssetID
}

// applyPosition updates the VWAP position for user/asset per spec.md
// §4.5 step 3: BUY grows quantity and recomputes average cost; SELL
// shrinks quantity and leaves average cost unchanged, deleting the row
// once flat. Emits POSITION_OPENED/POSITION_CLOSED audit entries on the
// 0→nonzero and nonzero→0 transitions (supplemented from original_source
// audit_logger.py, per SPEC_FULL.md §9).
func applyPosition(tx store.Tx, cache map[positionKey]*common.Position, user string, asset common.AssetID, side common.Side, size, price common.D, now time.Time) error {
	key := positionKey{user, asset}
	pos, ok := cache[key]
	if !ok {
		p, found, err := tx.GetPosition(user, asset)
		if err != nil {
			return err
		}
		if !found {
			p = common.Position{User: user, Asset: asset}
		}
		pos = &p
		cache[key] = pos
	}
	wasFlat := pos.Quantity.IsZero()

	if side == common.Buy {
		oldNotional, err := pos.Quantity.Mul(pos.AverageCost)
		if err != nil {
			return err
		}
		newNotional, err := size.Mul(price)
		if err != nil {
			return err
		}
		totalNotional, err := oldNotional.Add(newNotional)
		if err != nil {
			return err
		}
		newQty, err := pos.Quantity.Add(size)
		if err != nil {
			return err
		}
		pos.Quantity = newQty
		if !newQty.IsZero() {
			avg, err := totalNotional.DivVWAP(newQty)
			if err != nil {
				return err
			}
			pos.AverageCost = avg
		}
	} else {
		newQty, err := pos.Quantity.Sub(size)
		if err != nil {
			return err
		}
		pos.Quantity = newQty
	}

	if pos.Quantity.IsZero() {
		if err := tx.DeletePosition(user, asset); err != nil {
			return err
		}
		if !wasFlat {
			return emitPositionAudit(tx, user, common.AuditPositionClosed, now)
		}
		return nil
	}
	if err := tx.UpsertPosition(*pos); err != nil {
		return err
	}
	if wasFlat {
		return emitPositionAudit(tx, user, common.AuditPositionOpened, now)
	}
	return nil
}

func emitPositionAudit(tx store.Tx, user string, action common.AuditAction, now time.Time) error {
	_, err := tx.InsertAudit(common.AuditEntry{User: user, Action: action, Timestamp: now})
	return err
}

func loadPortfolio(tx store.Tx, cache map[string]*common.Portfolio, user string) (*common.Portfolio, error) {
	if pf, ok := cache[user]; ok {
		return pf, nil
	}
	pf, err := tx.GetPortfolio(user)
	if err == store.ErrNotFound {
		pf = common.DefaultPortfolio(user)
	} else if err != nil {
		return nil, err
	}
	cache[user] = &pf
	return cache[user], nil
}

// emitFillAudit appends ORDER_FILLED when order reached zero remaining
// size, per spec.md §4.5 step 5.
func emitFillAudit(tx store.Tx, o *common.Order, now time.Time) error {
	if o.Status != common.Filled {
		return nil
	}
	_, err := tx.InsertAudit(common.AuditEntry{
		User:   o.User,
		Action: common.AuditOrderFilled,
		Details: map[string]string{
			"order_id": orderIDString(o.ID),
		},
		Timestamp: now,
	})
	return err
}

func orderIDString(id common.OrderID) string {
	return strconv.FormatUint(uint64(id), 10)
}
