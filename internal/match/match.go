// Package match implements the crossing algorithm of spec.md §4.3: given
// an incoming order and its asset's book, it performs crossing, partial
// fills, and resting, and returns the ordered list of trade effects.
//
// Grounded on the teacher's internal/engine/orderbook.go Match/handleLimit/
// handleMarket — the crossing loop, maker-side pricing, and FIFO
// consumption are carried over, restructured to return effects instead of
// calling a side-effecting Trade hook directly so that settlement, not the
// matcher, owns every mutation beyond the in-memory book.
//
// Self-trade is not prevented: if the incoming order's user equals the
// resting order's user, a trade still executes. This is documented v1
// behavior (spec.md §4.3), not an oversight.
package match

import (
	"xchange/internal/book"
	"xchange/internal/common"
)

// Match crosses incoming against book's opposite side under strict
// price-time priority, mutating both the book and the orders it touches
// in place, and returns the ordered list of fills produced.
//
// incoming.Status is set to its final resting disposition (PENDING,
// PART_FILLED, FILLED, or, for an unfilled MARKET remainder, CANCELLED)
// before Match returns; the caller (internal/engine, inside settlement) is
// responsible for persisting that status and adding the order to the book
// only when this package does not already do so.
func Match(b *book.Book, incoming *common.Order) []common.TradeEffect {
	var effects []common.TradeEffect
	opp := opposite(incoming.Side)

	for isPositive(incoming.SizeRemaining) {
		maker, ok := b.PeekBest(opp)
		if !ok {
			break
		}
		if !crosses(incoming, maker) {
			break
		}

		size := minSize(incoming.SizeRemaining, maker.SizeRemaining)
		price := maker.Price // price improvement goes to the resting order

		effects = append(effects, common.TradeEffect{
			Maker: maker,
			Taker: incoming,
			Price: price,
			Size:  size,
		})

		// PopOrDecrement mutates maker.SizeRemaining (and pops it from the
		// book if it reached zero); we decrement incoming ourselves since
		// it is not (yet) a book resident.
		if _, err := b.PopOrDecrement(maker, size); err != nil {
			// The book and the matcher's own PeekBest must agree; a
			// mismatch here means a caller mutated the book out of band.
			break
		}
		remaining, err := incoming.SizeRemaining.Sub(size)
		if err != nil {
			break
		}
		incoming.SizeRemaining = remaining
	}

	switch {
	case isPositive(incoming.SizeRemaining) && incoming.Type == common.Limit:
		if len(effects) > 0 {
			incoming.Status = common.PartFilled
		} else {
			incoming.Status = common.Pending
		}
		b.Add(incoming)
	case isPositive(incoming.SizeRemaining):
		// Unfilled MARKET remainder is discarded, never rested
		// (spec.md §9's resolved open question).
		incoming.Status = common.Cancelled
	default:
		incoming.Status = common.Filled
	}

	return effects
}

func opposite(side common.Side) common.Side {
	if side == common.Buy {
		return common.Sell
	}
	return common.Buy
}

// crosses reports whether incoming crosses against the resting maker at
// the top of the opposite book, per spec.md §4.3's price cross test.
func crosses(incoming, maker *common.Order) bool {
	if incoming.Type == common.Market {
		return true
	}
	if incoming.Side == common.Buy {
		return incoming.Price.GreaterOrEqual(maker.Price)
	}
	return incoming.Price.LessOrEqual(maker.Price)
}

func isPositive(d common.D) bool {
	return d.Sign() > 0
}

func minSize(a, b common.D) common.D {
	if a.LessOrEqual(b) {
		return a
	}
	return b
}
