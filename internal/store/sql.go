package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"xchange/internal/common"
	"xchange/internal/decimal"

	_ "modernc.org/sqlite"
)

// SQLStore is the durable entity store, backed by SQLite. Its migration
// style (a numbered schema_version table, idempotent CREATE TABLE blocks)
// and connection string (WAL journal mode, busy timeout, foreign keys on)
// are grounded on stadam23-Eve-flipper/internal/db/db.go — the one pack
// repo with a real persistence layer.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the SQLite database at path and runs
// migrations.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	var version int
	s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS assets (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				ticker     TEXT NOT NULL UNIQUE,
				name       TEXT NOT NULL,
				last_price TEXT NOT NULL DEFAULT '0.00',
				volume     TEXT NOT NULL DEFAULT '0.00'
			);

			CREATE TABLE IF NOT EXISTS orders (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				user           TEXT NOT NULL,
				asset          INTEGER NOT NULL REFERENCES assets(id),
				side           INTEGER NOT NULL,
				type           INTEGER NOT NULL,
				price          TEXT NOT NULL,
				size_original  TEXT NOT NULL,
				size_remaining TEXT NOT NULL,
				status         INTEGER NOT NULL,
				created_at     TEXT NOT NULL,
				updated_at     TEXT NOT NULL,
				executed_at    TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_orders_asset_status ON orders(asset, status);

			CREATE TABLE IF NOT EXISTS trades (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				asset       INTEGER NOT NULL REFERENCES assets(id),
				buy_order   INTEGER NOT NULL,
				sell_order  INTEGER NOT NULL,
				price       TEXT NOT NULL,
				size        TEXT NOT NULL,
				buyer       TEXT NOT NULL,
				seller      TEXT NOT NULL,
				executed_at TEXT NOT NULL,
				seq         INTEGER NOT NULL
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_asset_seq ON trades(asset, seq);

			CREATE TABLE IF NOT EXISTS trade_seq (
				asset INTEGER PRIMARY KEY,
				seq   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS portfolios (
				user         TEXT PRIMARY KEY,
				cash_balance TEXT NOT NULL,
				buying_power TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS positions (
				portfolio    TEXT NOT NULL,
				asset        INTEGER NOT NULL REFERENCES assets(id),
				quantity     TEXT NOT NULL,
				average_cost TEXT NOT NULL,
				PRIMARY KEY (portfolio, asset)
			);

			CREATE TABLE IF NOT EXISTS risk_limits (
				user              TEXT PRIMARY KEY,
				max_order_size    TEXT NOT NULL,
				max_position_size TEXT NOT NULL,
				max_daily_loss    TEXT NOT NULL,
				max_daily_trades  INTEGER NOT NULL,
				max_open_orders   INTEGER NOT NULL,
				leverage_limit    TEXT NOT NULL,
				enabled           INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS audit_log (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				user      TEXT NOT NULL DEFAULT '',
				action    TEXT NOT NULL,
				details   TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				ip        TEXT NOT NULL DEFAULT '',
				drained   INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_audit_user_ts ON audit_log(user, timestamp);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTxImpl{tx: sqlTx}, nil
}

type sqlTxImpl struct {
	tx *sql.Tx
}

func scaled(d decimal.D) string { return d.Round(decimal.Scale2).String() }

func parseScaled(s string, scale int) (decimal.D, error) {
	return decimal.Parse(s, scale)
}

func (tx *sqlTxImpl) GetAsset(id common.AssetID) (common.Asset, error) {
	row := tx.tx.QueryRow(`SELECT id, ticker, name, last_price, volume FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

func (tx *sqlTxImpl) GetAssetByTicker(ticker string) (common.Asset, error) {
	row := tx.tx.QueryRow(`SELECT id, ticker, name, last_price, volume FROM assets WHERE ticker = ?`, ticker)
	return scanAsset(row)
}

func scanAsset(row *sql.Row) (common.Asset, error) {
	var a common.Asset
	var last, vol string
	if err := row.Scan(&a.ID, &a.Ticker, &a.Name, &last, &vol); err != nil {
		if err == sql.ErrNoRows {
			return common.Asset{}, ErrNotFound
		}
		return common.Asset{}, err
	}
	var err error
	if a.LastPrice, err = parseScaled(last, decimal.Scale2); err != nil {
		return common.Asset{}, err
	}
	if a.Volume, err = parseScaled(vol, decimal.Scale2); err != nil {
		return common.Asset{}, err
	}
	return a, nil
}

func (tx *sqlTxImpl) InsertAsset(a common.Asset) (common.Asset, error) {
	res, err := tx.tx.Exec(`INSERT INTO assets (ticker, name, last_price, volume) VALUES (?, ?, ?, ?)`,
		a.Ticker, a.Name, scaled(a.LastPrice), scaled(a.Volume))
	if err != nil {
		if isUniqueViolation(err) {
			return common.Asset{}, ErrConflict
		}
		return common.Asset{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return common.Asset{}, err
	}
	a.ID = common.AssetID(id)
	return a, nil
}

func (tx *sqlTxImpl) UpdateAsset(a common.Asset) error {
	res, err := tx.tx.Exec(`UPDATE assets SET name = ?, last_price = ?, volume = ? WHERE id = ?`,
		a.Name, scaled(a.LastPrice), scaled(a.Volume), a.ID)
	return checkRowsAffected(res, err)
}

func (tx *sqlTxImpl) GetOrder(id common.OrderID) (common.Order, error) {
	row := tx.tx.QueryRow(`SELECT id, user, asset, side, type, price, size_original, size_remaining,
		status, created_at, updated_at, executed_at FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (common.Order, error) {
	var o common.Order
	var price, sizeOrig, sizeRem, createdAt, updatedAt string
	var executedAt sql.NullString
	if err := row.Scan(&o.ID, &o.User, &o.Asset, &o.Side, &o.Type, &price, &sizeOrig, &sizeRem,
		&o.Status, &createdAt, &updatedAt, &executedAt); err != nil {
		if err == sql.ErrNoRows {
			return common.Order{}, ErrNotFound
		}
		return common.Order{}, err
	}
	var err error
	if o.Price, err = parseScaled(price, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.SizeOriginal, err = parseScaled(sizeOrig, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.SizeRemaining, err = parseScaled(sizeRem, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return common.Order{}, err
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return common.Order{}, err
	}
	if executedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, executedAt.String)
		if err != nil {
			return common.Order{}, err
		}
		o.ExecutedAt = &t
	}
	return o, nil
}

func (tx *sqlTxImpl) InsertOrder(o common.Order) (common.Order, error) {
	res, err := tx.tx.Exec(`INSERT INTO orders (user, asset, side, type, price, size_original,
		size_remaining, status, created_at, updated_at, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.User, o.Asset, o.Side, o.Type, scaled(o.Price), scaled(o.SizeOriginal), scaled(o.SizeRemaining),
		o.Status, o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano), executedAtOrNull(o))
	if err != nil {
		return common.Order{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return common.Order{}, err
	}
	o.ID = common.OrderID(id)
	return o, nil
}

func executedAtOrNull(o common.Order) any {
	if o.ExecutedAt == nil {
		return nil
	}
	return o.ExecutedAt.Format(time.RFC3339Nano)
}

func (tx *sqlTxImpl) UpdateOrder(o common.Order) error {
	res, err := tx.tx.Exec(`UPDATE orders SET size_remaining = ?, status = ?, updated_at = ?, executed_at = ?
		WHERE id = ?`,
		scaled(o.SizeRemaining), o.Status, o.UpdatedAt.Format(time.RFC3339Nano), executedAtOrNull(o), o.ID)
	return checkRowsAffected(res, err)
}

func (tx *sqlTxImpl) ListOpenOrders(asset common.AssetID) ([]common.Order, error) {
	rows, err := tx.tx.Query(`SELECT id, user, asset, side, type, price, size_original, size_remaining,
		status, created_at, updated_at, executed_at FROM orders
		WHERE asset = ? AND status IN (?, ?) ORDER BY created_at ASC`,
		asset, common.Pending, common.PartFilled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Order, 0)
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// scanOrderRow mirrors scanOrder but reads from *sql.Rows, since
// ListOpenOrders returns a set rather than a single row.
func scanOrderRow(rows *sql.Rows) (common.Order, error) {
	var o common.Order
	var price, sizeOrig, sizeRem, createdAt, updatedAt string
	var executedAt sql.NullString
	if err := rows.Scan(&o.ID, &o.User, &o.Asset, &o.Side, &o.Type, &price, &sizeOrig, &sizeRem,
		&o.Status, &createdAt, &updatedAt, &executedAt); err != nil {
		return common.Order{}, err
	}
	var err error
	if o.Price, err = parseScaled(price, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.SizeOriginal, err = parseScaled(sizeOrig, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.SizeRemaining, err = parseScaled(sizeRem, decimal.Scale2); err != nil {
		return common.Order{}, err
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return common.Order{}, err
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return common.Order{}, err
	}
	if executedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, executedAt.String)
		if err != nil {
			return common.Order{}, err
		}
		o.ExecutedAt = &t
	}
	return o, nil
}

func (tx *sqlTxImpl) CountOpenOrders(user string) (int, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM orders WHERE user = ? AND status IN (?, ?)`,
		user, common.Pending, common.PartFilled).Scan(&n)
	return n, err
}

func (tx *sqlTxImpl) NextTradeSeq(asset common.AssetID) (uint64, error) {
	_, err := tx.tx.Exec(`INSERT INTO trade_seq (asset, seq) VALUES (?, 1)
		ON CONFLICT(asset) DO UPDATE SET seq = seq + 1`, asset)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if err := tx.tx.QueryRow(`SELECT seq FROM trade_seq WHERE asset = ?`, asset).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (tx *sqlTxImpl) InsertTrade(t common.Trade) (common.Trade, error) {
	res, err := tx.tx.Exec(`INSERT INTO trades (asset, buy_order, sell_order, price, size, buyer, seller,
		executed_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Asset, t.BuyOrder, t.SellOrder, scaled(t.Price), scaled(t.Size), t.Buyer, t.Seller,
		t.ExecutedAt.Format(time.RFC3339Nano), t.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return common.Trade{}, ErrConflict
		}
		return common.Trade{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return common.Trade{}, err
	}
	t.ID = common.TradeID(id)
	return t, nil
}

func (tx *sqlTxImpl) CountTradesSince(user string, since time.Time) (int, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM trades WHERE executed_at >= ? AND (buyer = ? OR seller = ?)`,
		since.Format(time.RFC3339Nano), user, user).Scan(&n)
	return n, err
}

func (tx *sqlTxImpl) DailyPnL(user string, since time.Time) (buyCost, sellRevenue common.D, err error) {
	buyCost, sellRevenue = decimal.Zero4, decimal.Zero4
	rows, err := tx.tx.Query(`SELECT price, size, buyer, seller FROM trades WHERE executed_at >= ?
		AND (buyer = ? OR seller = ?)`, since.Format(time.RFC3339Nano), user, user)
	if err != nil {
		return decimal.D{}, decimal.D{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var priceS, sizeS, buyer, seller string
		if err := rows.Scan(&priceS, &sizeS, &buyer, &seller); err != nil {
			return decimal.D{}, decimal.D{}, err
		}
		price, err := parseScaled(priceS, decimal.Scale2)
		if err != nil {
			return decimal.D{}, decimal.D{}, err
		}
		size, err := parseScaled(sizeS, decimal.Scale2)
		if err != nil {
			return decimal.D{}, decimal.D{}, err
		}
		notional, err := price.Mul(size)
		if err != nil {
			return decimal.D{}, decimal.D{}, err
		}
		if buyer == user {
			if buyCost, err = buyCost.Add(notional); err != nil {
				return decimal.D{}, decimal.D{}, err
			}
		}
		if seller == user {
			if sellRevenue, err = sellRevenue.Add(notional); err != nil {
				return decimal.D{}, decimal.D{}, err
			}
		}
	}
	return buyCost, sellRevenue, rows.Err()
}

func (tx *sqlTxImpl) GetPortfolio(user string) (common.Portfolio, error) {
	var p common.Portfolio
	var cash, bp string
	err := tx.tx.QueryRow(`SELECT user, cash_balance, buying_power FROM portfolios WHERE user = ?`, user).
		Scan(&p.User, &cash, &bp)
	if err != nil {
		if err == sql.ErrNoRows {
			return common.Portfolio{}, ErrNotFound
		}
		return common.Portfolio{}, err
	}
	if p.CashBalance, err = parseScaled(cash, decimal.Scale2); err != nil {
		return common.Portfolio{}, err
	}
	if p.BuyingPower, err = parseScaled(bp, decimal.Scale2); err != nil {
		return common.Portfolio{}, err
	}
	return p, nil
}

func (tx *sqlTxImpl) UpsertPortfolio(p common.Portfolio) error {
	_, err := tx.tx.Exec(`INSERT INTO portfolios (user, cash_balance, buying_power) VALUES (?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET cash_balance = excluded.cash_balance, buying_power = excluded.buying_power`,
		p.User, scaled(p.CashBalance), scaled(p.BuyingPower))
	return err
}

func (tx *sqlTxImpl) GetPosition(user string, asset common.AssetID) (common.Position, bool, error) {
	var p common.Position
	var qty, avg string
	err := tx.tx.QueryRow(`SELECT portfolio, asset, quantity, average_cost FROM positions
		WHERE portfolio = ? AND asset = ?`, user, asset).Scan(&p.User, &p.Asset, &qty, &avg)
	if err != nil {
		if err == sql.ErrNoRows {
			return common.Position{}, false, nil
		}
		return common.Position{}, false, err
	}
	if p.Quantity, err = parseScaled(qty, decimal.Scale2); err != nil {
		return common.Position{}, false, err
	}
	if p.AverageCost, err = parseScaled(avg, decimal.Scale2); err != nil {
		return common.Position{}, false, err
	}
	return p, true, nil
}

func (tx *sqlTxImpl) UpsertPosition(p common.Position) error {
	_, err := tx.tx.Exec(`INSERT INTO positions (portfolio, asset, quantity, average_cost) VALUES (?, ?, ?, ?)
		ON CONFLICT(portfolio, asset) DO UPDATE SET quantity = excluded.quantity, average_cost = excluded.average_cost`,
		p.User, p.Asset, scaled(p.Quantity), scaled(p.AverageCost))
	return err
}

func (tx *sqlTxImpl) DeletePosition(user string, asset common.AssetID) error {
	_, err := tx.tx.Exec(`DELETE FROM positions WHERE portfolio = ? AND asset = ?`, user, asset)
	return err
}

func (tx *sqlTxImpl) GetRiskLimit(user string) (common.RiskLimit, error) {
	var r common.RiskLimit
	var maxOrder, maxPos, maxLoss, leverage string
	err := tx.tx.QueryRow(`SELECT user, max_order_size, max_position_size, max_daily_loss, max_daily_trades,
		max_open_orders, leverage_limit, enabled FROM risk_limits WHERE user = ?`, user).
		Scan(&r.User, &maxOrder, &maxPos, &maxLoss, &r.MaxDailyTrades, &r.MaxOpenOrders, &leverage, &r.Enabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return common.RiskLimit{}, ErrNotFound
		}
		return common.RiskLimit{}, err
	}
	if r.MaxOrderSize, err = parseScaled(maxOrder, decimal.Scale2); err != nil {
		return common.RiskLimit{}, err
	}
	if r.MaxPositionSize, err = parseScaled(maxPos, decimal.Scale2); err != nil {
		return common.RiskLimit{}, err
	}
	if r.MaxDailyLoss, err = parseScaled(maxLoss, decimal.Scale2); err != nil {
		return common.RiskLimit{}, err
	}
	if r.LeverageLimit, err = parseScaled(leverage, decimal.Scale2); err != nil {
		return common.RiskLimit{}, err
	}
	return r, nil
}

func (tx *sqlTxImpl) UpsertRiskLimit(r common.RiskLimit) error {
	_, err := tx.tx.Exec(`INSERT INTO risk_limits (user, max_order_size, max_position_size, max_daily_loss,
		max_daily_trades, max_open_orders, leverage_limit, enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET max_order_size = excluded.max_order_size,
			max_position_size = excluded.max_position_size, max_daily_loss = excluded.max_daily_loss,
			max_daily_trades = excluded.max_daily_trades, max_open_orders = excluded.max_open_orders,
			leverage_limit = excluded.leverage_limit, enabled = excluded.enabled`,
		r.User, scaled(r.MaxOrderSize), scaled(r.MaxPositionSize), scaled(r.MaxDailyLoss),
		r.MaxDailyTrades, r.MaxOpenOrders, scaled(r.LeverageLimit), r.Enabled)
	return err
}

func (tx *sqlTxImpl) InsertAudit(e common.AuditEntry) (common.AuditEntry, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return common.AuditEntry{}, err
	}
	res, err := tx.tx.Exec(`INSERT INTO audit_log (user, action, details, timestamp, ip) VALUES (?, ?, ?, ?, ?)`,
		e.User, string(e.Action), string(details), e.Timestamp.Format(time.RFC3339Nano), e.IP)
	if err != nil {
		return common.AuditEntry{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return common.AuditEntry{}, err
	}
	e.ID = common.AuditID(id)
	return e, nil
}

func (tx *sqlTxImpl) PendingAudit(limit int) ([]common.AuditEntry, error) {
	rows, err := tx.tx.Query(`SELECT id, user, action, details, timestamp, ip FROM audit_log
		WHERE drained = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []common.AuditEntry
	for rows.Next() {
		var e common.AuditEntry
		var action, details, ts string
		if err := rows.Scan(&e.ID, &e.User, &action, &details, &ts, &e.IP); err != nil {
			return nil, err
		}
		e.Action = common.AuditAction(action)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (tx *sqlTxImpl) MarkAuditDrained(ids []common.AuditID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.tx.Exec(`UPDATE audit_log SET drained = 1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

func (tx *sqlTxImpl) Commit() error   { return tx.tx.Commit() }
func (tx *sqlTxImpl) Rollback() error { return tx.tx.Rollback() }

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
