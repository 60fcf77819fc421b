// Package book implements the per-asset order book: two price-indexed,
// time-ordered structures (bids descending, asks ascending) plus an
// order-id index for O(log n) cancellation, per spec.md §4.2.
//
// Grounded on the teacher's internal/engine/orderbook.go (bids/asks as
// btree.BTreeG[*PriceLevel]) generalized with the FIFO-per-level intent of
// internal/book/{buy,sell}_book.go, minus that file's redundant
// container/heap ordering (the btree already gives price priority).
package book

import (
	"errors"

	"github.com/tidwall/btree"
	"xchange/internal/common"
	"xchange/internal/decimal"
)

// ErrNotFound is returned by Remove when the order id is not resting.
var ErrNotFound = errors.New("book: order not found")

// PriceLevel is every resting order at one price, in strict FIFO
// insertion order.
type PriceLevel struct {
	Price  common.D
	Orders []*common.Order
}

type byIDEntry struct {
	side  common.Side
	price common.D
}

// Book is one asset's bid/ask order book.
type Book struct {
	Asset common.AssetID

	bids *btree.BTreeG[*PriceLevel]
	asks *btree.BTreeG[*PriceLevel]
	byID map[common.OrderID]byIDEntry
}

// New builds an empty book for the given asset.
func New(asset common.AssetID) *Book {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price) // descending: best bid first
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price) // ascending: best ask first
	})
	return &Book{
		Asset: asset,
		bids:  bids,
		asks:  asks,
		byID:  make(map[common.OrderID]byIDEntry),
	}
}

func (b *Book) levels(side common.Side) *btree.BTreeG[*PriceLevel] {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

// Add appends order to the tail of its price level's FIFO queue. Must not
// be called for FILLED/CANCELLED/REJECTED orders, nor for MARKET orders
// (spec.md §4.2).
func (b *Book) Add(o *common.Order) {
	levels := b.levels(o.Side)
	level, ok := levels.Get(&PriceLevel{Price: o.Price})
	if ok {
		level.Orders = append(level.Orders, o)
	} else {
		levels.Set(&PriceLevel{Price: o.Price, Orders: []*common.Order{o}})
	}
	b.byID[o.ID] = byIDEntry{side: o.Side, price: o.Price}
}

// PeekBest returns the head order of the best price level on side, or
// false if that side is empty.
func (b *Book) PeekBest(side common.Side) (*common.Order, bool) {
	level, ok := b.levels(side).Min()
	if !ok || len(level.Orders) == 0 {
		return nil, false
	}
	return level.Orders[0], true
}

// PopOrDecrement consumes size from the book's copy of order (the one
// returned by PeekBest): if size equals the order's remaining size the
// head is popped and FILLED is returned; otherwise its remaining size is
// decremented and PART_FILLED is returned. Per spec.md §4.2.
func (b *Book) PopOrDecrement(order *common.Order, size common.D) (common.OrderStatus, error) {
	levels := b.levels(order.Side)
	level, ok := levels.Get(&PriceLevel{Price: order.Price})
	if !ok || len(level.Orders) == 0 || level.Orders[0].ID != order.ID {
		return 0, ErrNotFound
	}
	head := level.Orders[0]
	if size.Equal(head.SizeRemaining) {
		level.Orders = level.Orders[1:]
		if len(level.Orders) == 0 {
			levels.Delete(level)
		}
		delete(b.byID, head.ID)
		head.SizeRemaining = decimal.MustNew(0, head.SizeRemaining.Scale())
		return common.Filled, nil
	}
	remaining, err := head.SizeRemaining.Sub(size)
	if err != nil {
		return 0, err
	}
	head.SizeRemaining = remaining
	return common.PartFilled, nil
}

// Remove removes order id from the book by id, wherever it sits in its
// level's queue, and returns it. ErrNotFound if it is not resting.
func (b *Book) Remove(id common.OrderID) (*common.Order, error) {
	entry, ok := b.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	levels := b.levels(entry.side)
	level, ok := levels.Get(&PriceLevel{Price: entry.price})
	if !ok {
		delete(b.byID, id)
		return nil, ErrNotFound
	}
	for i, o := range level.Orders {
		if o.ID == id {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			if len(level.Orders) == 0 {
				levels.Delete(level)
			}
			delete(b.byID, id)
			return o, nil
		}
	}
	delete(b.byID, id)
	return nil, ErrNotFound
}

// BestBid returns the best (highest) bid price, if any.
func (b *Book) BestBid() (common.D, bool) {
	level, ok := b.bids.Min()
	if !ok {
		return common.D{}, false
	}
	return level.Price, true
}

// BestAsk returns the best (lowest) ask price, if any.
func (b *Book) BestAsk() (common.D, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return common.D{}, false
	}
	return level.Price, true
}

// DepthLevel is one aggregated price level in a Depth snapshot.
type DepthLevel struct {
	Price       common.D
	Size        common.D
	CumNotional common.D
}

// Depth returns a snapshot of the top `levels` price levels per side,
// aggregating resting size at each price, per spec.md §4.2.
func (b *Book) Depth(levels int) (bids, asks []DepthLevel) {
	bids = aggregate(b.bids, levels)
	asks = aggregate(b.asks, levels)
	return bids, asks
}

func aggregate(tree *btree.BTreeG[*PriceLevel], limit int) []DepthLevel {
	out := make([]DepthLevel, 0, limit)
	cum := common.D{}
	tree.Scan(func(level *PriceLevel) bool {
		if len(out) >= limit {
			return false
		}
		total := common.D{}
		for _, o := range level.Orders {
			var err error
			total, err = total.Add(o.SizeRemaining)
			if err != nil {
				return false
			}
		}
		notional, err := level.Price.Mul(total)
		if err != nil {
			return false
		}
		cum, err = cum.Add(notional)
		if err != nil {
			return false
		}
		out = append(out, DepthLevel{Price: level.Price, Size: total, CumNotional: cum})
		return true
	})
	return out
}
