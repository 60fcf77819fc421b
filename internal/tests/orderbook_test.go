// Package tests holds the cross-package order book regression suite,
// kept at its own path rather than beside internal/book or internal/match
// because it exercises both together — the teacher's own internal/tests
// package served the same purpose for its original book-matching
// attempt, adapted here to the real book.Book/match.Match API.
package tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchange/internal/book"
	"xchange/internal/common"
	"xchange/internal/decimal"
	"xchange/internal/match"
)

func d(s string) common.D {
	v, err := decimal.Parse(s, decimal.Scale2)
	if err != nil {
		panic(err)
	}
	return v
}

func limitOrder(id common.OrderID, side common.Side, price, size string) *common.Order {
	return &common.Order{
		ID:            id,
		User:          "u",
		Side:          side,
		Type:          common.Limit,
		Price:         d(price),
		SizeOriginal:  d(size),
		SizeRemaining: d(size),
		Status:        common.Pending,
	}
}

func rest(b *book.Book, o *common.Order) {
	effects := match.Match(b, o)
	if len(effects) != 0 {
		panic("rest helper expects no crossing orders")
	}
}

func TestBook_MultipleLevels_RestOnly(t *testing.T) {
	b := book.New(1)
	rest(b, limitOrder(1, common.Buy, "99.00", "100"))
	rest(b, limitOrder(2, common.Buy, "99.00", "90"))
	rest(b, limitOrder(3, common.Buy, "99.00", "80"))
	rest(b, limitOrder(4, common.Sell, "100.00", "100"))

	bids, asks := b.Depth(10)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Size.Equal(d("270")))
	assert.True(t, asks[0].Size.Equal(d("100")))
}

func TestBook_MultipleLevels_WithMatch(t *testing.T) {
	b := book.New(1)
	rest(b, limitOrder(1, common.Buy, "99.00", "100"))
	rest(b, limitOrder(2, common.Buy, "99.00", "90"))
	rest(b, limitOrder(3, common.Buy, "99.00", "80"))
	rest(b, limitOrder(4, common.Buy, "98.00", "50"))
	rest(b, limitOrder(5, common.Sell, "100.00", "100"))
	rest(b, limitOrder(6, common.Sell, "100.00", "90"))
	rest(b, limitOrder(7, common.Sell, "101.00", "20"))

	// Crosses fully against the first 100.00 ask.
	taker := limitOrder(8, common.Buy, "100.00", "100")
	effects := match.Match(b, taker)
	require.Len(t, effects, 1)
	assert.True(t, effects[0].Size.Equal(d("100")))
	assert.Equal(t, common.Filled, taker.Status)

	_, asks := b.Depth(10)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Size.Equal(d("90")))
	assert.True(t, asks[1].Size.Equal(d("20")))

	// Partial match against the remaining 90-lot ask at the 100.00 level.
	taker2 := limitOrder(9, common.Buy, "100.00", "20")
	effects2 := match.Match(b, taker2)
	require.Len(t, effects2, 1)
	assert.True(t, effects2[0].Size.Equal(d("20")))

	_, asks = b.Depth(10)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Size.Equal(d("70")))
}

func TestBook_MultiLevelSweep(t *testing.T) {
	b := book.New(1)
	rest(b, limitOrder(1, common.Sell, "100.00", "100"))
	rest(b, limitOrder(2, common.Sell, "100.00", "90"))
	rest(b, limitOrder(3, common.Sell, "101.00", "20"))

	// Sweeps all of 100.00 and fully takes 101.00.
	taker := limitOrder(4, common.Buy, "103.00", "210")
	effects := match.Match(b, taker)
	require.Len(t, effects, 3)
	assert.True(t, effects[0].Price.Equal(d("100.00")))
	assert.True(t, effects[1].Price.Equal(d("100.00")))
	assert.True(t, effects[2].Price.Equal(d("101.00")))
	assert.Equal(t, common.Filled, taker.Status)

	_, asks := b.Depth(10)
	assert.Empty(t, asks)
}
