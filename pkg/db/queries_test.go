package db

import (
	"context"
	"testing"
)

func setupTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func entry(id, symbol, side, posSide string, trancheID int, qty, price float64) Trade {
	return Trade{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		PositionSide: posSide,
		Qty:          qty,
		Price:        price,
		Status:       StatusFilled,
		OrderType:    "MARKET",
		TrancheID:    trancheID,
	}
}

func TestFilledTradesGroupedNetsAndAverages(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	// Two building legs and one partial reduction in tranche 0.
	inserts := []Trade{
		entry("t1", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000),
		entry("t2", "BTCUSDT", "BUY", "LONG", 0, 0.1, 49000),
		entry("t3", "BTCUSDT", "SELL", "LONG", 0, 0.05, 49800),
		// A separate tranche on the same symbol.
		entry("t4", "BTCUSDT", "BUY", "LONG", 1, 0.2, 47000),
		// A short position: SELL legs build it.
		entry("t5", "ETHUSDT", "SELL", "SHORT", 0, 1, 3000),
	}
	for _, tr := range inserts {
		if err := q.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("InsertTrade(%s): %v", tr.ID, err)
		}
	}

	groups, err := q.FilledTradesGrouped(ctx)
	if err != nil {
		t.Fatalf("FilledTradesGrouped: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("groups=%d, expected 3", len(groups))
	}

	// Ordered by symbol, side, tranche: BTC/LONG/0, BTC/LONG/1, ETH/SHORT/0.
	g := groups[0]
	if g.Symbol != "BTCUSDT" || g.TrancheID != 0 {
		t.Fatalf("first group %+v, expected BTCUSDT tranche 0", g)
	}
	if !closeTo(g.NetQty, 0.15) {
		t.Errorf("net qty=%v, expected 0.15 (0.2 built - 0.05 reduced)", g.NetQty)
	}
	// Average over building legs only: (0.1*50000 + 0.1*49000) / 0.2.
	if !closeTo(g.AvgPrice, 49500) {
		t.Errorf("avg price=%v, expected 49500", g.AvgPrice)
	}

	if g := groups[1]; g.TrancheID != 1 || !closeTo(g.NetQty, 0.2) || !closeTo(g.AvgPrice, 47000) {
		t.Errorf("second group %+v, expected tranche 1 qty 0.2 @ 47000", g)
	}
	if g := groups[2]; g.Symbol != "ETHUSDT" || g.PositionSide != "SHORT" || !closeTo(g.NetQty, 1) {
		t.Errorf("third group %+v, expected ETHUSDT SHORT qty 1", g)
	}
}

// Fully reduced tranches net to zero and must not appear in recovery.
func TestFilledTradesGroupedSkipsFlatTranches(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	q.InsertTrade(ctx, entry("t1", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000))
	q.InsertTrade(ctx, entry("t2", "BTCUSDT", "SELL", "LONG", 0, 0.1, 51000))

	groups, err := q.FilledTradesGrouped(ctx)
	if err != nil {
		t.Fatalf("FilledTradesGrouped: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("groups=%v, expected none for a flat tranche", groups)
	}
}

func TestMarkTradesClosedExcludesFromRecovery(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	q.InsertTrade(ctx, entry("t1", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000))
	q.InsertTrade(ctx, entry("t2", "BTCUSDT", "BUY", "LONG", 1, 0.1, 48000))

	if err := q.MarkTradesClosed(ctx, "BTCUSDT", 0, StatusClosedPhantom); err != nil {
		t.Fatalf("MarkTradesClosed: %v", err)
	}

	groups, err := q.FilledTradesGrouped(ctx)
	if err != nil {
		t.Fatalf("FilledTradesGrouped: %v", err)
	}
	if len(groups) != 1 || groups[0].TrancheID != 1 {
		t.Fatalf("groups=%v, expected only tranche 1", groups)
	}
}

func TestUpdateTrancheOrdersOnlyTouchesOpenRows(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	q.InsertTrade(ctx, entry("t1", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000))
	closed := entry("t2", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000)
	closed.Status = StatusClosed
	q.InsertTrade(ctx, closed)

	if err := q.UpdateTrancheOrders(ctx, "BTCUSDT", 0, 101, 102); err != nil {
		t.Fatalf("UpdateTrancheOrders: %v", err)
	}

	groups, err := q.FilledTradesGrouped(ctx)
	if err != nil {
		t.Fatalf("FilledTradesGrouped: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups=%d, expected 1", len(groups))
	}
	if groups[0].TPOrderID != 101 || groups[0].SLOrderID != 102 {
		t.Fatalf("order ids tp=%d sl=%d, expected 101/102", groups[0].TPOrderID, groups[0].SLOrderID)
	}
}

func TestZeroTrancheQtyPreventsResurrection(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	q.InsertTrade(ctx, entry("t1", "BTCUSDT", "BUY", "LONG", 0, 0.1, 50000))

	if err := q.ZeroTrancheQty(ctx, "BTCUSDT", 0); err != nil {
		t.Fatalf("ZeroTrancheQty: %v", err)
	}

	groups, err := q.FilledTradesGrouped(ctx)
	if err != nil {
		t.Fatalf("FilledTradesGrouped: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("groups=%v, expected none after zeroing", groups)
	}
}

func closeTo(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6
}
