package tranche

import (
	"errors"
	"time"
)

// Side is the position side of a tranche.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the closing order side for a position side.
func (s Side) Opposite() string {
	if s == Long {
		return "SELL"
	}
	return "BUY"
}

// Tranche is one independently tracked entry batch inside a (symbol, side)
// position: its own quantity, volume-weighted entry price and TP/SL pair.
type Tranche struct {
	ID         int
	Symbol     string
	Side       Side
	Qty        float64
	EntryPrice float64
	TPPrice    float64
	SLPrice    float64

	TPOrderID int64 // open TP order on the exchange, 0 if none
	SLOrderID int64 // open SL order on the exchange, 0 if none
	TPEnabled bool
	SLEnabled bool

	// Instant-closure circuit breaker.
	FailCount     int
	DisabledUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrBadQty   = errors.New("tranche: quantity must be positive")
	ErrBadPrice = errors.New("tranche: price must be positive")
)

// New constructs a tranche and derives TP/SL from the entry price, keeping
// them on the correct side of entry by construction: TP above entry for LONG
// and below for SHORT, SL mirrored.
func New(id int, symbol string, side Side, qty, price, tpPct, slPct float64, tpEnabled, slEnabled bool) (*Tranche, error) {
	if qty <= 0 {
		return nil, ErrBadQty
	}
	if price <= 0 {
		return nil, ErrBadPrice
	}
	now := time.Now()
	t := &Tranche{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: price,
		TPEnabled:  tpEnabled,
		SLEnabled:  slEnabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.Reprice(tpPct, slPct)
	return t, nil
}

// Reprice recomputes TP/SL from the current entry price.
func (t *Tranche) Reprice(tpPct, slPct float64) {
	if t.Side == Long {
		t.TPPrice = t.EntryPrice * (1 + tpPct/100)
		t.SLPrice = t.EntryPrice * (1 - slPct/100)
	} else {
		t.TPPrice = t.EntryPrice * (1 - tpPct/100)
		t.SLPrice = t.EntryPrice * (1 + slPct/100)
	}
}

// ApplyFill folds another fill into the tranche: quantity adds, entry price
// becomes the volume-weighted average, TP/SL recompute.
func (t *Tranche) ApplyFill(qty, price, tpPct, slPct float64) {
	total := t.Qty + qty
	t.EntryPrice = (t.EntryPrice*t.Qty + price*qty) / total
	t.Qty = total
	t.Reprice(tpPct, slPct)
	t.UpdatedAt = time.Now()
}

// PnLPct is the unrealized PnL percentage of this tranche at a price.
func (t *Tranche) PnLPct(price float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	if t.Side == Long {
		return (price - t.EntryPrice) / t.EntryPrice * 100
	}
	return (t.EntryPrice - price) / t.EntryPrice * 100
}

// TPTriggered reports whether a mark price crosses the TP level,
// side-correct: at or above for LONG, at or below for SHORT.
func (t *Tranche) TPTriggered(mark float64) bool {
	if !t.TPEnabled || t.TPPrice <= 0 {
		return false
	}
	if t.Side == Long {
		return mark >= t.TPPrice
	}
	return mark <= t.TPPrice
}

// Disabled reports whether the instant-closure circuit breaker is open.
func (t *Tranche) Disabled(now time.Time) bool {
	return now.Before(t.DisabledUntil)
}
