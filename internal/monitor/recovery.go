package monitor

import (
	"context"
	"fmt"
	"log"

	"liqcore/internal/tranche"
	"liqcore/pkg/db"
)

// Recover rebuilds the tranche store from persisted fills, using the live
// exchange position snapshot as ground truth. Persisted tranches without a
// live position are phantoms: their trades are marked closed and no tranche
// is resurrected for them.
func (m *Monitor) Recover(ctx context.Context) error {
	positions, err := m.exchange.GetPositionRisk(ctx, "")
	if err != nil {
		return fmt.Errorf("recovery: position snapshot: %w", err)
	}

	type liveKey struct {
		symbol string
		side   tranche.Side
	}
	live := make(map[liveKey]struct {
		qty  float64
		mark float64
	})
	for _, p := range positions {
		amt := p.Amt()
		if amt == 0 {
			continue
		}
		side := tranche.Long
		if p.PositionSide == "SHORT" || (p.PositionSide != "LONG" && amt < 0) {
			side = tranche.Short
		}
		k := liveKey{p.Symbol, side}
		entry := live[k]
		entry.qty += abs(amt)
		entry.mark = p.Mark()
		live[k] = entry
	}

	groups, err := m.trades.FilledTradesGrouped(ctx)
	if err != nil {
		return fmt.Errorf("recovery: filled trades: %w", err)
	}

	restored, phantoms := 0, 0
	for _, g := range groups {
		side := tranche.Side(g.PositionSide)
		lp, ok := live[liveKey{g.Symbol, side}]
		if !ok || lp.qty <= 0 {
			phantoms++
			if err := m.trades.MarkTradesClosed(ctx, g.Symbol, g.TrancheID, db.StatusClosedPhantom); err != nil {
				log.Printf("recovery: mark phantom %s #%d: %v", g.Symbol, g.TrancheID, err)
			}
			continue
		}

		s := m.settings.For(g.Symbol)
		t, err := tranche.New(g.TrancheID, g.Symbol, side, g.NetQty, g.AvgPrice,
			s.TakeProfitPct, s.StopLossPct, s.TakeProfitEnabled, s.StopLossEnabled)
		if err != nil {
			log.Printf("recovery: skip invalid tranche %s #%d: %v", g.Symbol, g.TrancheID, err)
			continue
		}
		t.TPOrderID = g.TPOrderID
		t.SLOrderID = g.SLOrderID

		m.sanitizeTP(t, lp.mark)
		m.store.Restore(t)
		restored++
	}

	log.Printf("recovery: restored %d tranches, %d phantom groups closed", restored, phantoms)
	return nil
}

// sanitizeTP validates a recovered TP price against entry and current mark.
// A TP on the wrong side of entry, or wildly past the current mark, would
// either trigger immediately on garbage or never trigger at all; both get
// recomputed to a small default profit margin off the entry price.
func (m *Monitor) sanitizeTP(t *tranche.Tranche, mark float64) {
	invalid := false
	switch t.Side {
	case tranche.Long:
		if t.TPPrice <= t.EntryPrice {
			invalid = true
		}
		if mark > 0 && t.TPPrice < mark*0.5 {
			invalid = true
		}
	case tranche.Short:
		if t.TPPrice >= t.EntryPrice {
			invalid = true
		}
		if mark > 0 && t.TPPrice > mark*2 {
			invalid = true
		}
	}
	if !invalid {
		return
	}

	old := t.TPPrice
	t.Reprice(m.opts.DefaultProfitPct, m.settings.For(t.Symbol).StopLossPct)
	log.Printf("recovery: %s %s #%d TP %v invalid (entry=%v mark=%v), recalculated to %v",
		t.Symbol, t.Side, t.ID, old, t.EntryPrice, mark, t.TPPrice)
}
