package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchange/internal/common"
	"xchange/internal/decimal"
	"xchange/internal/store"
)

func d(s string) common.D {
	v, err := decimal.Parse(s, decimal.Scale2)
	if err != nil {
		panic(err)
	}
	return v
}

func setupAsset(t *testing.T, st store.Store, ticker string) common.Asset {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	a, err := tx.InsertAsset(common.Asset{Ticker: ticker, Name: ticker, LastPrice: d("0"), Volume: d("0")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return a
}

func setPortfolio(t *testing.T, st store.Store, pf common.Portfolio) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPortfolio(pf))
	require.NoError(t, tx.Commit())
}

func setPosition(t *testing.T, st store.Store, pos common.Position) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPosition(pos))
	require.NoError(t, tx.Commit())
}

func getPortfolio(t *testing.T, st store.Store, user string) common.Portfolio {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	pf, err := tx.GetPortfolio(user)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	return pf
}

// Scenario 1: empty book, LIMIT BUY rests and reserves buying power.
func TestSubmitOrder_LimitBuyRestsAndReservesBuyingPower(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})

	c := New(st)
	order, trades, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)
	assert.Equal(t, common.Pending, order.Status)
	assert.Empty(t, trades)

	bids, _, _, err := c.Depth(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("150.00")))
	assert.True(t, bids[0].Size.Equal(d("10")))

	pf := getPortfolio(t, st, "u1")
	assert.True(t, pf.BuyingPower.Equal(d("8500.00")))
}

// Scenario 2: a crossing SELL fully fills the resting BUY.
func TestSubmitOrder_CrossingSellFillsBothSides(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})
	setPortfolio(t, st, common.Portfolio{User: "u2", CashBalance: d("5000.00"), BuyingPower: d("5000.00")})
	setPosition(t, st, common.Position{User: "u2", Asset: 1, Quantity: d("20"), AverageCost: d("100.00")})

	c := New(st)
	_, _, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)

	order, trades, err := c.SubmitOrder(context.Background(), "u2", "AAPL", common.Sell, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(d("150.00")))
	assert.True(t, trades[0].Size.Equal(d("10")))
	assert.Equal(t, common.Filled, order.Status)

	u1 := getPortfolio(t, st, "u1")
	assert.True(t, u1.CashBalance.Equal(d("8500.00")))
	u2 := getPortfolio(t, st, "u2")
	assert.True(t, u2.CashBalance.Equal(d("6500.00")))
}

// Scenario 3: MARKET against an empty opposite book rejects NoLiquidity,
// not NoReferencePrice.
func TestSubmitOrder_MarketAgainstEmptyBookRejectsNoLiquidity(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})

	c := New(st)
	order, trades, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Market, d("0"), d("5"))
	require.Error(t, err)
	assert.Equal(t, common.KindNoLiquidity, common.KindOf(err))
	assert.Equal(t, common.Rejected, order.Status)
	assert.Empty(t, trades)

	pf := getPortfolio(t, st, "u1")
	assert.True(t, pf.BuyingPower.Equal(d("10000.00")))
}

// Scenario 4: a 15@101 incoming LIMIT BUY fully takes the first 100.00
// resting ask and partially takes the second, leaving the 101.00 level
// untouched.
func TestSubmitOrder_MultiLevelSweep(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "seller1", CashBalance: d("0"), BuyingPower: d("0")})
	setPortfolio(t, st, common.Portfolio{User: "seller2", CashBalance: d("0"), BuyingPower: d("0")})
	setPortfolio(t, st, common.Portfolio{User: "taker", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})
	setPosition(t, st, common.Position{User: "seller1", Asset: 1, Quantity: d("10"), AverageCost: d("90.00")})
	setPosition(t, st, common.Position{User: "seller2", Asset: 1, Quantity: d("10"), AverageCost: d("90.00")})

	c := New(st)
	_, _, err := c.SubmitOrder(context.Background(), "seller1", "AAPL", common.Sell, common.Limit, d("100.00"), d("10"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, _, err = c.SubmitOrder(context.Background(), "seller2", "AAPL", common.Sell, common.Limit, d("100.00"), d("10"))
	require.NoError(t, err)
	_, _, err = c.SubmitOrder(context.Background(), "seller1", "AAPL", common.Sell, common.Limit, d("101.00"), d("10"))
	require.NoError(t, err)

	order, trades, err := c.SubmitOrder(context.Background(), "taker", "AAPL", common.Buy, common.Limit, d("101.00"), d("15"))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(d("100.00")))
	assert.True(t, trades[0].Size.Equal(d("10")))
	assert.True(t, trades[1].Price.Equal(d("100.00")))
	assert.True(t, trades[1].Size.Equal(d("5")))
	assert.Equal(t, common.Filled, order.Status)

	_, asks, _, err := c.Depth(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Size.Equal(d("5")))
	assert.True(t, asks[1].Size.Equal(d("10")))
}

// Scenario 5: an order exceeding max_order_size is rejected and audited,
// leaving the portfolio untouched.
func TestSubmitOrder_RejectsOverMaxOrderSize(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	limits := common.DefaultRiskLimit("u1")
	limits.MaxOrderSize = d("1000.00")
	require.NoError(t, tx.UpsertRiskLimit(limits))
	require.NoError(t, tx.Commit())

	c := New(st)
	order, trades, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("20.00"), d("100"))
	require.Error(t, err)
	assert.Equal(t, common.KindRiskRejected, common.KindOf(err))
	assert.Equal(t, common.Rejected, order.Status)
	assert.Empty(t, trades)

	pf := getPortfolio(t, st, "u1")
	assert.True(t, pf.BuyingPower.Equal(d("10000.00")))
}

// Scenario 6: cancelling a resting BUY restores its reserved buying power.
func TestCancelOrder_RestoresBuyingPower(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})

	c := New(st)
	order, _, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)

	cancelled, err := c.CancelOrder(context.Background(), "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, common.Cancelled, cancelled.Status)

	pf := getPortfolio(t, st, "u1")
	assert.True(t, pf.BuyingPower.Equal(d("10000.00")))

	bids, _, _, err := c.Depth(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestCancelOrder_ForbiddenForNonOwner(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})

	c := New(st)
	order, _, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)

	_, err = c.CancelOrder(context.Background(), "someone-else", order.ID)
	require.Error(t, err)
	assert.Equal(t, common.KindForbidden, common.KindOf(err))
}

func TestCancelOrder_NotCancellableWhenAlreadyFilled(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "u1", CashBalance: d("10000.00"), BuyingPower: d("10000.00")})
	setPortfolio(t, st, common.Portfolio{User: "u2", CashBalance: d("5000.00"), BuyingPower: d("5000.00")})
	setPosition(t, st, common.Position{User: "u2", Asset: 1, Quantity: d("20"), AverageCost: d("100.00")})

	c := New(st)
	order, _, err := c.SubmitOrder(context.Background(), "u1", "AAPL", common.Buy, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)
	_, _, err = c.SubmitOrder(context.Background(), "u2", "AAPL", common.Sell, common.Limit, d("150.00"), d("10"))
	require.NoError(t, err)

	_, err = c.CancelOrder(context.Background(), "u1", order.ID)
	require.Error(t, err)
	assert.Equal(t, common.KindNotCancellable, common.KindOf(err))
}

// Trade seq is strictly increasing and gap-free per asset (invariant 1).
func TestSubmitOrder_TradeSeqIsGapFree(t *testing.T) {
	st := store.NewMemStore()
	setupAsset(t, st, "AAPL")
	setPortfolio(t, st, common.Portfolio{User: "buyer", CashBalance: d("100000.00"), BuyingPower: d("100000.00")})
	setPortfolio(t, st, common.Portfolio{User: "seller", CashBalance: d("0"), BuyingPower: d("0")})
	setPosition(t, st, common.Position{User: "seller", Asset: 1, Quantity: d("100"), AverageCost: d("90.00")})

	c := New(st)
	var seqs []uint64
	for i := 0; i < 3; i++ {
		_, _, err := c.SubmitOrder(context.Background(), "seller", "AAPL", common.Sell, common.Limit, d("100.00"), d("5"))
		require.NoError(t, err)
		_, trades, err := c.SubmitOrder(context.Background(), "buyer", "AAPL", common.Buy, common.Limit, d("100.00"), d("5"))
		require.NoError(t, err)
		require.Len(t, trades, 1)
		seqs = append(seqs, trades[0].Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
