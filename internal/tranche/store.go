package tranche

import (
	"log"
	"sort"
	"sync"
	"time"
)

type posKey struct {
	symbol string
	side   Side
}

// FillConfig carries the per-symbol settings UpsertOnFill needs.
type FillConfig struct {
	TPPct          float64
	SLPct          float64
	TPEnabled      bool
	SLEnabled      bool
	AdverseMovePct float64 // new tranche once aggregate PnL drops this far, e.g. 5 = -5%
	MaxTranches    int
}

// Store owns all tranches, keyed by (symbol, side). Methods return copies;
// mutation happens only under the store lock, which is never held across a
// network call — the monitor re-reads state after every suspension point.
type Store struct {
	mu       sync.Mutex
	tranches map[posKey][]*Tranche
	nextID   map[posKey]int
}

func NewStore() *Store {
	return &Store{
		tranches: make(map[posKey][]*Tranche),
		nextID:   make(map[posKey]int),
	}
}

// Get returns a copy of one tranche.
func (s *Store) Get(symbol string, side Side, id int) (Tranche, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(posKey{symbol, side}, id); t != nil {
		return *t, true
	}
	return Tranche{}, false
}

// List returns copies of a position's tranches ordered by id.
func (s *Store) List(symbol string, side Side) []Tranche {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyList(posKey{symbol, side})
}

// ListAll returns every tracked tranche, ordered by symbol, side, id.
func (s *Store) ListAll() []Tranche {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Tranche
	for k := range s.tranches {
		out = append(out, s.copyList(k)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].Side != out[j].Side {
			return out[i].Side < out[j].Side
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertOnFill routes a fill to a tranche. While aggregate PnL at the fill
// price is still better than -AdverseMovePct the fill folds into the
// highest-id tranche (volume-weighted); once the position has moved that far
// against us a fresh tranche is opened instead of averaging down, unless the
// per-position cap is reached, in which case the fill is folded anyway with a
// warning rather than dropped.
func (s *Store) UpsertOnFill(symbol string, side Side, qty, price float64, cfg FillConfig) (Tranche, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{symbol, side}
	list := s.tranches[k]

	if len(list) == 0 {
		t, err := s.create(k, qty, price, cfg)
		if err != nil {
			return Tranche{}, false, err
		}
		return *t, true, nil
	}

	last := list[len(list)-1]
	if s.aggregatePnLPct(k, price) > -cfg.AdverseMovePct {
		last.ApplyFill(qty, price, cfg.TPPct, cfg.SLPct)
		return *last, false, nil
	}

	if cfg.MaxTranches > 0 && len(list) >= cfg.MaxTranches {
		log.Printf("tranche: %s %s at max tranches (%d), folding fill into tranche %d",
			symbol, side, cfg.MaxTranches, last.ID)
		last.ApplyFill(qty, price, cfg.TPPct, cfg.SLPct)
		return *last, false, nil
	}

	t, err := s.create(k, qty, price, cfg)
	if err != nil {
		return Tranche{}, false, err
	}
	return *t, true, nil
}

// Restore inserts a recovered tranche with its persisted id, keeping id
// assignment monotonic past it.
func (s *Store) Restore(t *Tranche) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := posKey{t.Symbol, t.Side}
	s.tranches[k] = append(s.tranches[k], t)
	sort.Slice(s.tranches[k], func(i, j int) bool { return s.tranches[k][i].ID < s.tranches[k][j].ID })
	if t.ID >= s.nextID[k] {
		s.nextID[k] = t.ID + 1
	}
}

// Remove deletes a tranche. Returns false when it was already gone, which is
// how the closure path stays idempotent.
func (s *Store) Remove(symbol string, side Side, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := posKey{symbol, side}
	list := s.tranches[k]
	for i, t := range list {
		if t.ID == id {
			s.tranches[k] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// SetOrderIDs records the open TP/SL exchange order ids on a tranche.
func (s *Store) SetOrderIDs(symbol string, side Side, id int, tpOrderID, slOrderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(posKey{symbol, side}, id)
	if t == nil {
		return false
	}
	if tpOrderID != 0 {
		t.TPOrderID = tpOrderID
	}
	if slOrderID != 0 {
		t.SLOrderID = slOrderID
	}
	t.UpdatedAt = time.Now()
	return true
}

// SetQty shrinks/updates the tracked quantity (live position smaller than
// local state).
func (s *Store) SetQty(symbol string, side Side, id int, qty float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(posKey{symbol, side}, id)
	if t == nil {
		return false
	}
	t.Qty = qty
	t.UpdatedAt = time.Now()
	return true
}

// RecordCloseFailure bumps the consecutive-failure counter; at threshold the
// breaker opens for cooldown and the counter resets.
func (s *Store) RecordCloseFailure(symbol string, side Side, id, threshold int, cooldown time.Duration) (count int, disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(posKey{symbol, side}, id)
	if t == nil {
		return 0, false
	}
	t.FailCount++
	if t.FailCount >= threshold {
		t.DisabledUntil = time.Now().Add(cooldown)
		t.FailCount = 0
		return threshold, true
	}
	return t.FailCount, false
}

// ClearFailures resets the breaker after a success or an expired cooldown.
func (s *Store) ClearFailures(symbol string, side Side, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(posKey{symbol, side}, id); t != nil {
		t.FailCount = 0
		t.DisabledUntil = time.Time{}
	}
}

// Triggered returns copies of the symbol's tranches, on both sides, whose TP
// level is crossed by the mark price and whose breaker is closed.
func (s *Store) Triggered(symbol string, mark float64) []Tranche {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Tranche
	for _, side := range []Side{Long, Short} {
		for _, t := range s.tranches[posKey{symbol, side}] {
			if t.Disabled(now) {
				continue
			}
			if t.TPTriggered(mark) {
				out = append(out, *t)
			}
		}
	}
	return out
}

// FindByOrderID locates the tranche owning an exchange order id as its TP or
// SL, for exit-fill routing.
func (s *Store) FindByOrderID(symbol string, orderID int64) (Tranche, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, side := range []Side{Long, Short} {
		for _, t := range s.tranches[posKey{symbol, side}] {
			if t.TPOrderID == orderID || t.SLOrderID == orderID {
				return *t, true
			}
		}
	}
	return Tranche{}, false
}

// create assigns the next id for the key. Ids only ever move forward within a
// process lifetime.
func (s *Store) create(k posKey, qty, price float64, cfg FillConfig) (*Tranche, error) {
	id := s.nextID[k]
	t, err := New(id, k.symbol, k.side, qty, price, cfg.TPPct, cfg.SLPct, cfg.TPEnabled, cfg.SLEnabled)
	if err != nil {
		return nil, err
	}
	s.nextID[k] = id + 1
	s.tranches[k] = append(s.tranches[k], t)
	return t, nil
}

// aggregatePnLPct computes quantity-weighted PnL% for a position at a price.
// Called with the lock held.
func (s *Store) aggregatePnLPct(k posKey, price float64) float64 {
	var qty, notional float64
	for _, t := range s.tranches[k] {
		qty += t.Qty
		notional += t.Qty * t.EntryPrice
	}
	if qty == 0 || notional == 0 {
		return 0
	}
	avg := notional / qty
	if k.side == Long {
		return (price - avg) / avg * 100
	}
	return (avg - price) / avg * 100
}

func (s *Store) find(k posKey, id int) *Tranche {
	for _, t := range s.tranches[k] {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) copyList(k posKey) []Tranche {
	list := s.tranches[k]
	out := make([]Tranche, 0, len(list))
	for _, t := range list {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
