package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"xchange/internal/common"
)

// MemStore is an in-memory Store, used by tests and as the zero-config
// default. A single mutex serializes transactions; spec.md §5 already
// requires at most one in-flight mutation per asset (the engine's own
// guard), and cross-asset portfolio conflicts are rare enough in tests
// that a whole-store lock is the right tradeoff for a reference
// implementation with no real concurrency to hide latency behind.
type MemStore struct {
	mu sync.Mutex

	assetsByID     map[common.AssetID]common.Asset
	assetsByTicker map[string]common.AssetID
	nextAssetID    common.AssetID

	orders      map[common.OrderID]common.Order
	nextOrderID common.OrderID

	tradeSeq    map[common.AssetID]uint64
	trades      []common.Trade
	nextTradeID common.TradeID

	portfolios map[string]common.Portfolio
	positions  map[positionKey]common.Position
	riskLimits map[string]common.RiskLimit

	audit      []common.AuditEntry
	nextAuditID common.AuditID
	auditDone  map[common.AuditID]bool
}

type positionKey struct {
	user  string
	asset common.AssetID
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		assetsByID:     make(map[common.AssetID]common.Asset),
		assetsByTicker: make(map[string]common.AssetID),
		orders:         make(map[common.OrderID]common.Order),
		tradeSeq:       make(map[common.AssetID]uint64),
		portfolios:     make(map[string]common.Portfolio),
		positions:      make(map[positionKey]common.Position),
		riskLimits:     make(map[string]common.RiskLimit),
		auditDone:      make(map[common.AuditID]bool),
	}
}

func (s *MemStore) Close() error { return nil }

// Begin locks the store and returns a transaction holding a deep-enough
// copy of the maps it touches; Commit merges the copies back, Rollback
// discards them. The store-wide lock is held for the whole transaction,
// which is exactly the "at most one in-flight mutation" contract the
// engine's own per-asset guard already enforces at a finer grain.
func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{
		store:          s,
		assetsByID:     cloneMap(s.assetsByID),
		assetsByTicker: cloneMap(s.assetsByTicker),
		orders:         cloneMap(s.orders),
		tradeSeq:       cloneMap(s.tradeSeq),
		portfolios:     cloneMap(s.portfolios),
		positions:      cloneMap(s.positions),
		riskLimits:     cloneMap(s.riskLimits),
		auditDone:      cloneMap(s.auditDone),
		nextAssetID:    s.nextAssetID,
		nextOrderID:    s.nextOrderID,
		nextTradeID:    s.nextTradeID,
		nextAuditID:    s.nextAuditID,
	}, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	store *MemStore
	done  bool

	assetsByID     map[common.AssetID]common.Asset
	assetsByTicker map[string]common.AssetID
	orders         map[common.OrderID]common.Order
	tradeSeq       map[common.AssetID]uint64
	newTrades      []common.Trade
	portfolios     map[string]common.Portfolio
	positions      map[positionKey]common.Position
	riskLimits     map[string]common.RiskLimit
	newAudit       []common.AuditEntry
	auditDone      map[common.AuditID]bool

	nextAssetID common.AssetID
	nextOrderID common.OrderID
	nextTradeID common.TradeID
	nextAuditID common.AuditID
}

func (tx *memTx) GetAsset(id common.AssetID) (common.Asset, error) {
	a, ok := tx.assetsByID[id]
	if !ok {
		return common.Asset{}, ErrNotFound
	}
	return a, nil
}

func (tx *memTx) GetAssetByTicker(ticker string) (common.Asset, error) {
	id, ok := tx.assetsByTicker[ticker]
	if !ok {
		return common.Asset{}, ErrNotFound
	}
	return tx.assetsByID[id], nil
}

func (tx *memTx) InsertAsset(a common.Asset) (common.Asset, error) {
	if _, exists := tx.assetsByTicker[a.Ticker]; exists {
		return common.Asset{}, ErrConflict
	}
	tx.nextAssetID++
	a.ID = tx.nextAssetID
	tx.assetsByID[a.ID] = a
	tx.assetsByTicker[a.Ticker] = a.ID
	return a, nil
}

func (tx *memTx) UpdateAsset(a common.Asset) error {
	if _, ok := tx.assetsByID[a.ID]; !ok {
		return ErrNotFound
	}
	tx.assetsByID[a.ID] = a
	return nil
}

func (tx *memTx) GetOrder(id common.OrderID) (common.Order, error) {
	o, ok := tx.orders[id]
	if !ok {
		return common.Order{}, ErrNotFound
	}
	return o, nil
}

func (tx *memTx) InsertOrder(o common.Order) (common.Order, error) {
	tx.nextOrderID++
	o.ID = tx.nextOrderID
	tx.orders[o.ID] = o
	return o, nil
}

func (tx *memTx) UpdateOrder(o common.Order) error {
	if _, ok := tx.orders[o.ID]; !ok {
		return ErrNotFound
	}
	tx.orders[o.ID] = o
	return nil
}

func (tx *memTx) CountOpenOrders(user string) (int, error) {
	n := 0
	for _, o := range tx.orders {
		if o.User == user && o.Status.Resting() {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) ListOpenOrders(asset common.AssetID) ([]common.Order, error) {
	out := make([]common.Order, 0)
	for _, o := range tx.orders {
		if o.Asset == asset && o.Status.Resting() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) NextTradeSeq(asset common.AssetID) (uint64, error) {
	tx.tradeSeq[asset]++
	return tx.tradeSeq[asset], nil
}

func (tx *memTx) InsertTrade(t common.Trade) (common.Trade, error) {
	tx.nextTradeID++
	t.ID = tx.nextTradeID
	tx.newTrades = append(tx.newTrades, t)
	return t, nil
}

func (tx *memTx) allTrades() []common.Trade {
	all := make([]common.Trade, 0, len(tx.store.trades)+len(tx.newTrades))
	all = append(all, tx.store.trades...)
	all = append(all, tx.newTrades...)
	return all
}

func (tx *memTx) CountTradesSince(user string, since time.Time) (int, error) {
	n := 0
	for _, t := range tx.allTrades() {
		if !t.ExecutedAt.Before(since) && (t.Buyer == user || t.Seller == user) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) DailyPnL(user string, since time.Time) (buyCost, sellRevenue common.D, err error) {
	buyCost, sellRevenue = common.D{}, common.D{}
	for _, t := range tx.allTrades() {
		if t.ExecutedAt.Before(since) {
			continue
		}
		notional, mErr := t.Price.Mul(t.Size)
		if mErr != nil {
			return common.D{}, common.D{}, mErr
		}
		if t.Buyer == user {
			buyCost, err = buyCost.Add(notional)
			if err != nil {
				return common.D{}, common.D{}, err
			}
		}
		if t.Seller == user {
			sellRevenue, err = sellRevenue.Add(notional)
			if err != nil {
				return common.D{}, common.D{}, err
			}
		}
	}
	return buyCost, sellRevenue, nil
}

func (tx *memTx) GetPortfolio(user string) (common.Portfolio, error) {
	p, ok := tx.portfolios[user]
	if !ok {
		return common.Portfolio{}, ErrNotFound
	}
	return p, nil
}

func (tx *memTx) UpsertPortfolio(p common.Portfolio) error {
	tx.portfolios[p.User] = p
	return nil
}

func (tx *memTx) GetPosition(user string, asset common.AssetID) (common.Position, bool, error) {
	p, ok := tx.positions[positionKey{user, asset}]
	return p, ok, nil
}

func (tx *memTx) UpsertPosition(p common.Position) error {
	tx.positions[positionKey{p.User, p.Asset}] = p
	return nil
}

func (tx *memTx) DeletePosition(user string, asset common.AssetID) error {
	delete(tx.positions, positionKey{user, asset})
	return nil
}

func (tx *memTx) GetRiskLimit(user string) (common.RiskLimit, error) {
	r, ok := tx.riskLimits[user]
	if !ok {
		return common.RiskLimit{}, ErrNotFound
	}
	return r, nil
}

func (tx *memTx) UpsertRiskLimit(r common.RiskLimit) error {
	tx.riskLimits[r.User] = r
	return nil
}

func (tx *memTx) InsertAudit(e common.AuditEntry) (common.AuditEntry, error) {
	tx.nextAuditID++
	e.ID = tx.nextAuditID
	tx.newAudit = append(tx.newAudit, e)
	return e, nil
}

func (tx *memTx) PendingAudit(limit int) ([]common.AuditEntry, error) {
	out := make([]common.AuditEntry, 0, limit)
	for _, e := range tx.store.audit {
		if !tx.auditDone[e.ID] {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (tx *memTx) MarkAuditDrained(ids []common.AuditID) error {
	for _, id := range ids {
		tx.auditDone[id] = true
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	s := tx.store
	s.assetsByID = tx.assetsByID
	s.assetsByTicker = tx.assetsByTicker
	s.orders = tx.orders
	s.tradeSeq = tx.tradeSeq
	s.trades = append(s.trades, tx.newTrades...)
	s.portfolios = tx.portfolios
	s.positions = tx.positions
	s.riskLimits = tx.riskLimits
	s.audit = append(s.audit, tx.newAudit...)
	s.auditDone = tx.auditDone
	s.nextAssetID = tx.nextAssetID
	s.nextOrderID = tx.nextOrderID
	s.nextTradeID = tx.nextTradeID
	s.nextAuditID = tx.nextAuditID
	s.mu.Unlock()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}
