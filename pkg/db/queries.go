package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Queries provides the trade persistence surface the monitor consumes.
type Queries struct {
	db *sql.DB
}

// InsertTrade persists one fill or closure row.
func (q *Queries) InsertTrade(ctx context.Context, t Trade) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, order_id, parent_order_id, side, position_side,
		                    qty, price, status, order_type, tranche_id, tp_order_id, sl_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.OrderID, t.ParentOrderID, t.Side, t.PositionSide,
		t.Qty, t.Price, t.Status, t.OrderType, t.TrancheID, t.TPOrderID, t.SLOrderID)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// UpdateTrancheOrders stores the open TP/SL exchange order ids on every open
// row of a tranche.
func (q *Queries) UpdateTrancheOrders(ctx context.Context, symbol string, trancheID int, tpOrderID, slOrderID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE trades
		SET tp_order_id = ?, sl_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE symbol = ? AND tranche_id = ? AND status = ?
	`, tpOrderID, slOrderID, symbol, trancheID, StatusFilled)
	if err != nil {
		return fmt.Errorf("update tranche orders: %w", err)
	}
	return nil
}

// FilledTradesGrouped returns persisted filled trades grouped by
// (symbol, position side, tranche) with positive net quantity — the raw
// material for startup recovery. The average price weighs only the legs that
// built the position, not reductions.
func (q *Queries) FilledTradesGrouped(ctx context.Context) ([]TrancheGroup, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT symbol, position_side, tranche_id,
		       SUM(CASE WHEN (position_side = 'LONG' AND side = 'BUY')
		                  OR (position_side = 'SHORT' AND side = 'SELL')
		                THEN qty ELSE -qty END) AS net_qty,
		       COALESCE(SUM(CASE WHEN (position_side = 'LONG' AND side = 'BUY')
		                           OR (position_side = 'SHORT' AND side = 'SELL')
		                         THEN qty * price ELSE 0 END)
		                / NULLIF(SUM(CASE WHEN (position_side = 'LONG' AND side = 'BUY')
		                                    OR (position_side = 'SHORT' AND side = 'SELL')
		                                  THEN qty ELSE 0 END), 0), 0) AS avg_price,
		       COALESCE(MAX(tp_order_id), 0),
		       COALESCE(MAX(sl_order_id), 0)
		FROM trades
		WHERE status = ?
		GROUP BY symbol, position_side, tranche_id
		HAVING net_qty > 0
		ORDER BY symbol, position_side, tranche_id
	`, StatusFilled)
	if err != nil {
		return nil, fmt.Errorf("query filled trades: %w", err)
	}
	defer rows.Close()

	var groups []TrancheGroup
	for rows.Next() {
		var g TrancheGroup
		if err := rows.Scan(&g.Symbol, &g.PositionSide, &g.TrancheID, &g.NetQty, &g.AvgPrice, &g.TPOrderID, &g.SLOrderID); err != nil {
			return nil, fmt.Errorf("scan tranche group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// MarkTradesClosed flips a tranche's open rows to the given closed status.
func (q *Queries) MarkTradesClosed(ctx context.Context, symbol string, trancheID int, status string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE symbol = ? AND tranche_id = ? AND status = ?
	`, status, symbol, trancheID, StatusFilled)
	if err != nil {
		return fmt.Errorf("mark trades closed: %w", err)
	}
	return nil
}

// ZeroTrancheQty zeroes the persisted quantity of a tranche after an instant
// closure so the recovery query cannot resurrect it.
func (q *Queries) ZeroTrancheQty(ctx context.Context, symbol string, trancheID int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE trades
		SET qty = 0, updated_at = CURRENT_TIMESTAMP
		WHERE symbol = ? AND tranche_id = ? AND status = ?
	`, symbol, trancheID, StatusFilled)
	if err != nil {
		return fmt.Errorf("zero tranche qty: %w", err)
	}
	return nil
}
