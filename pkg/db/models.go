package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Position tables. The mirror ledger shares the positions shape but is owned
// by the replicator, so both live behind the same queries keyed by table.
const (
	TablePositions       = "positions"
	TableMirrorPositions = "mirror_positions"
)

var ErrUnknownTable = errors.New("unknown position table")

// Position tracks exposure per (symbol, side). A row exists only while
// qty > 0 or a resting entry order is pending.
type Position struct {
	Symbol      string
	Side        string
	Qty         float64
	EntryPrice  float64
	RealizedPnl float64
	Pending     bool
	UpdatedAt   time.Time
}

// OpenOrder mirrors one resting exchange order. It is a live working set,
// not history: rows are deleted as soon as the order leaves NEW.
type OpenOrder struct {
	Symbol    string
	Side      string
	OrderID   int64
	Type      string
	Qty       float64
	Price     float64
	Status    string
	UpdatedAt time.Time
}

// ClosedTrade is the append-only record written once per full close.
type ClosedTrade struct {
	ID          string
	Symbol      string
	Side        string
	Volume      float64
	RealizedPnl float64
	EntryPrice  float64
	ExitPrice   float64
	StopPrice   float64
	TakePrice   float64
	Reason      string
	RiskReward  float64
	ClosedAt    time.Time
}

func positionTable(table string) error {
	if table != TablePositions && table != TableMirrorPositions {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// GetPosition returns the row for (symbol, side) or nil when absent.
func (d *Database) GetPosition(ctx context.Context, table, symbol, side string) (*Position, error) {
	if err := positionTable(table); err != nil {
		return nil, err
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, side, qty, entry_price, realized_pnl, pending, updated_at
		FROM `+table+` WHERE symbol = ? AND side = ?
	`, symbol, side)
	var p Position
	if err := row.Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.RealizedPnl, &p.Pending, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpsertPosition stores the latest state for (symbol, side).
func (d *Database) UpsertPosition(ctx context.Context, table string, p Position) error {
	if err := positionTable(table); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO `+table+` (symbol, side, qty, entry_price, realized_pnl, pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, side) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			realized_pnl = excluded.realized_pnl,
			pending = excluded.pending,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Side, p.Qty, p.EntryPrice, p.RealizedPnl, p.Pending)
	return err
}

// DeletePosition removes the row for (symbol, side).
func (d *Database) DeletePosition(ctx context.Context, table, symbol, side string) error {
	if err := positionTable(table); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `DELETE FROM `+table+` WHERE symbol = ? AND side = ?`, symbol, side)
	return err
}

// ListPositions returns every row of a position table.
func (d *Database) ListPositions(ctx context.Context, table string) ([]Position, error) {
	if err := positionTable(table); err != nil {
		return nil, err
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, realized_pnl, pending, updated_at
		FROM `+table+` ORDER BY symbol, side`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.RealizedPnl, &p.Pending, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// WipePositions truncates a position table. The mirror ledger is wiped on
// every start because it cannot be reconciled against the mirror exchange.
func (d *Database) WipePositions(ctx context.Context, table string) error {
	if err := positionTable(table); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `DELETE FROM `+table)
	return err
}

// ResetPending clears the pending flag on every primary position. Stale
// pending markers from a previous run are rebuilt by the full sync.
func (d *Database) ResetPending(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE positions SET pending = 0 WHERE pending = 1`)
	return err
}

// GetOpenOrder returns a resting order row or nil when absent.
func (d *Database) GetOpenOrder(ctx context.Context, symbol, side string, orderID int64) (*OpenOrder, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, side, order_id, type, qty, price, status, updated_at
		FROM open_orders WHERE symbol = ? AND side = ? AND order_id = ?
	`, symbol, side, orderID)
	var o OpenOrder
	if err := row.Scan(&o.Symbol, &o.Side, &o.OrderID, &o.Type, &o.Qty, &o.Price, &o.Status, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// UpsertOpenOrder stores a resting order keyed (symbol, side, order_id).
func (d *Database) UpsertOpenOrder(ctx context.Context, o OpenOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO open_orders (symbol, side, order_id, type, qty, price, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, side, order_id) DO UPDATE SET
			type = excluded.type,
			qty = excluded.qty,
			price = excluded.price,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, o.Symbol, o.Side, o.OrderID, o.Type, o.Qty, o.Price, o.Status)
	return err
}

// DeleteOpenOrder removes a resting order row.
func (d *Database) DeleteOpenOrder(ctx context.Context, symbol, side string, orderID int64) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM open_orders WHERE symbol = ? AND side = ? AND order_id = ?
	`, symbol, side, orderID)
	return err
}

// ListOpenOrders returns the whole resting working set.
func (d *Database) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return d.queryOpenOrders(ctx, `
		SELECT symbol, side, order_id, type, qty, price, status, updated_at
		FROM open_orders ORDER BY symbol, side, order_id`)
}

// ListOpenOrdersFor returns resting orders for one (symbol, side).
func (d *Database) ListOpenOrdersFor(ctx context.Context, symbol, side string) ([]OpenOrder, error) {
	return d.queryOpenOrders(ctx, `
		SELECT symbol, side, order_id, type, qty, price, status, updated_at
		FROM open_orders WHERE symbol = ? AND side = ? ORDER BY order_id`, symbol, side)
}

func (d *Database) queryOpenOrders(ctx context.Context, query string, args ...any) ([]OpenOrder, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OpenOrder
	for rows.Next() {
		var o OpenOrder
		if err := rows.Scan(&o.Symbol, &o.Side, &o.OrderID, &o.Type, &o.Qty, &o.Price, &o.Status, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertClosedTrade appends one immutable closure record.
func (d *Database) InsertClosedTrade(ctx context.Context, t ClosedTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO closed_trades (
			id, symbol, side, volume, realized_pnl, entry_price, exit_price,
			stop_price, take_price, reason, risk_reward, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Side, t.Volume, t.RealizedPnl, t.EntryPrice, t.ExitPrice,
		t.StopPrice, t.TakePrice, t.Reason, t.RiskReward, t.ClosedAt)
	return err
}

// ListClosedTradesBetween returns closures with closed_at in [from, to).
func (d *Database) ListClosedTradesBetween(ctx context.Context, from, to time.Time) ([]ClosedTrade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, volume, realized_pnl, entry_price, exit_price,
		       stop_price, take_price, reason, risk_reward, closed_at
		FROM closed_trades
		WHERE closed_at >= ? AND closed_at < ?
		ORDER BY closed_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Volume, &t.RealizedPnl, &t.EntryPrice,
			&t.ExitPrice, &t.StopPrice, &t.TakePrice, &t.Reason, &t.RiskReward, &t.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertRawEvent archives one raw stream message.
func (d *Database) InsertRawEvent(ctx context.Context, id, eventType, symbol, raw string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO futures_events (id, event_type, symbol, raw_data)
		VALUES (?, ?, ?, ?)
	`, id, eventType, symbol, raw)
	return err
}

// PurgeRawEventsBefore deletes archived events older than cutoff and returns
// the number of rows removed.
func (d *Database) PurgeRawEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM futures_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
