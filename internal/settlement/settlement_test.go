package settlement

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

func setup(t *testing.T) (store.Tx, common.Asset) {
	t.Helper()
	st := store.NewMemStore()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	asset, err := tx.InsertAsset(common.Asset{Ticker: "AAPL", Name: "Apple"})
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPortfolio(common.Portfolio{User: "alice", CashBalance: d("100000.00"), BuyingPower: d("98500.00")}))
	require.NoError(t, tx.UpsertPortfolio(common.Portfolio{User: "bob", CashBalance: d("100000.00"), BuyingPower: d("100000.00")}))
	return tx, asset
}

func TestSettle_FullFillBothSides(t *testing.T) {
	tx, asset := setup(t)

	buy := &common.Order{ID: 1, User: "alice", Asset: asset.ID, Side: common.Buy, Type: common.Limit, Price: d("150.00"), SizeOriginal: d("10"), SizeRemaining: d("0"), Status: common.Filled}
	sell := &common.Order{ID: 2, User: "bob", Asset: asset.ID, Side: common.Sell, Type: common.Limit, Price: d("150.00"), SizeOriginal: d("10"), SizeRemaining: d("0"), Status: common.Filled}
	require.NoError(t, insertOrder(tx, buy))
	require.NoError(t, insertOrder(tx, sell))

	effects := []common.TradeEffect{{Maker: buy, Taker: sell, Price: d("150.00"), Size: d("10")}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	trades, updatedAsset, err := Settle(tx, asset, sell, effects, now)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 1, trades[0].Seq)
	assert.True(t, trades[0].Price.Equal(d("150.00")))
	assert.Equal(t, "alice", trades[0].Buyer)
	assert.Equal(t, "bob", trades[0].Seller)

	alicePF, err := tx.GetPortfolio("alice")
	require.NoError(t, err)
	assert.True(t, alicePF.CashBalance.Equal(d("98500.00")))

	bobPF, err := tx.GetPortfolio("bob")
	require.NoError(t, err)
	assert.True(t, bobPF.CashBalance.Equal(d("101500.00")))
	assert.True(t, bobPF.BuyingPower.Equal(d("101500.00")))

	alicePos, found, err := tx.GetPosition("alice", asset.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, alicePos.Quantity.Equal(d("10")))
	assert.True(t, alicePos.AverageCost.Equal(d("150.00")))

	assert.True(t, updatedAsset.LastPrice.Equal(d("150.00")))
	assert.True(t, updatedAsset.Volume.Equal(d("10")))
}

func TestSettle_SellToFlatDeletesPosition(t *testing.T) {
	tx, asset := setup(t)
	require.NoError(t, tx.UpsertPosition(common.Position{User: "bob", Asset: asset.ID, Quantity: d("20"), AverageCost: d("100.00")}))

	buy := &common.Order{ID: 1, User: "alice", Asset: asset.ID, Side: common.Buy, Status: common.Filled}
	sell := &common.Order{ID: 2, User: "bob", Asset: asset.ID, Side: common.Sell, Status: common.Filled}
	require.NoError(t, insertOrder(tx, buy))
	require.NoError(t, insertOrder(tx, sell))

	effects := []common.TradeEffect{{Maker: buy, Taker: sell, Price: d("150.00"), Size: d("20")}}
	_, _, err := Settle(tx, asset, sell, effects, time.Now().UTC())
	require.NoError(t, err)

	_, found, err := tx.GetPosition("bob", asset.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func insertOrder(tx store.Tx, o *common.Order) error {
	inserted, err := tx.InsertOrder(*o)
	if err != nil {
		return err
	}
	*o = inserted
	return nil
}
