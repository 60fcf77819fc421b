package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"xchange/internal/common"
	"xchange/internal/decimal"
)

func d(s string) common.D {
	v, err := decimal.Parse(s, decimal.Scale2)
	if err != nil {
		panic(err)
	}
	return v
}

func baseOrder() common.Order {
	return common.Order{
		User:          "alice",
		Asset:         1,
		Side:          common.Buy,
		Type:          common.Limit,
		Price:         d("10.00"),
		SizeOriginal:  d("100"),
		SizeRemaining: d("100"),
		Status:        common.Pending,
	}
}

func baseSnapshot() Snapshot {
	return Snapshot{
		Portfolio: common.Portfolio{User: "alice", CashBalance: d("100000.00"), BuyingPower: d("100000.00")},
		Limits:    common.DefaultRiskLimit("alice"),
	}
}

func TestValidate_AdmitsWithinLimits(t *testing.T) {
	g := NewGate()
	order := baseOrder() // notional 1000.00, well under MaxOrderSize 5000.00
	dec := g.Validate(order, baseSnapshot())
	assert.True(t, dec.Admitted)
	assert.True(t, dec.ReservedNotional.Equal(d("1000.00")))
}

func TestValidate_BypassedWhenLimitsDisabled(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.SizeOriginal = d("1000000")
	order.SizeRemaining = d("1000000")
	snap := baseSnapshot()
	snap.Limits.Enabled = false
	dec := g.Validate(order, snap)
	assert.True(t, dec.Admitted)
	assert.Equal(t, common.D{}, dec.ReservedNotional)
}

func TestValidate_RejectsOverMaxOrderSize(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.SizeOriginal = d("600")
	order.SizeRemaining = d("600") // 600 * 10.00 = 6000.00 > 5000.00
	dec := g.Validate(order, baseSnapshot())
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_MarketOrderNeedsReferencePrice(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.Type = common.Market
	order.Price = common.D{}
	snap := baseSnapshot()
	snap.HasReferencePrice = false
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindNoReferencePrice, dec.Reason)
}

func TestValidate_MarketOrderUsesReferencePriceForSizing(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.Type = common.Market
	order.Price = common.D{}
	order.SizeOriginal = d("600")
	order.SizeRemaining = d("600")
	snap := baseSnapshot()
	snap.HasReferencePrice = true
	snap.ReferencePrice = d("10.00") // 600 * 10.00 = 6000.00 > 5000.00 limit
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_RejectsOverMaxPositionSize(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.SizeOriginal = d("50")
	order.SizeRemaining = d("50") // notional 500, under MaxOrderSize
	snap := baseSnapshot()
	snap.CurrentPosition = d("950") // projected 1000 * 10.00 = 10000.00 == MaxPositionSize exactly, still ok
	dec := g.Validate(order, snap)
	assert.True(t, dec.Admitted)

	snap.CurrentPosition = d("951") // projected 1001 * 10.00 = 10010.00 > 10000.00
	dec = g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_SellReducesProjectedPosition(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.Side = common.Sell
	order.SizeOriginal = d("50")
	order.SizeRemaining = d("50")
	snap := baseSnapshot()
	snap.CurrentPosition = d("200") // projected |200-50| = 150 * 10.00 = 1500.00, well under limit
	dec := g.Validate(order, snap)
	assert.True(t, dec.Admitted)
	// sells don't reserve buying power
	assert.Equal(t, common.D{}, dec.ReservedNotional)
}

func TestValidate_RejectsAtDailyTradeLimit(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	snap := baseSnapshot()
	snap.DailyTradeCount = snap.Limits.MaxDailyTrades
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_RejectsAtOpenOrderLimit(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	snap := baseSnapshot()
	snap.OpenOrderCount = snap.Limits.MaxOpenOrders
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_RejectsAtDailyLossLimit(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	snap := baseSnapshot()
	snap.DailyBuyCost = d("9000.00")
	snap.DailySellRevenue = d("3000.00") // pnl = -6000.00, loss 6000.00 >= 5000.00 limit
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_RejectsInsufficientBuyingPower(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	snap := baseSnapshot()
	snap.Portfolio.BuyingPower = d("500.00") // order notional 1000.00
	dec := g.Validate(order, snap)
	assert.False(t, dec.Admitted)
	assert.Equal(t, common.KindRiskRejected, dec.Reason)
}

func TestValidate_SellDoesNotCheckBuyingPower(t *testing.T) {
	g := NewGate()
	order := baseOrder()
	order.Side = common.Sell
	snap := baseSnapshot()
	snap.Portfolio.BuyingPower = d("0.00")
	dec := g.Validate(order, snap)
	assert.True(t, dec.Admitted)
}
