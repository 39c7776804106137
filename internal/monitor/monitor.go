package monitor

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"liqcore/internal/tranche"
	"liqcore/pkg/config"
	"liqcore/pkg/db"
	"liqcore/pkg/exchanges/binance"
	market "liqcore/pkg/market/binance"
)

// Exchange is the slice of the futures client the monitor needs.
type Exchange interface {
	GetPositionRisk(ctx context.Context, symbol string) ([]binance.PositionRisk, error)
	PlaceOrder(ctx context.Context, req binance.OrderRequest, p binance.Priority) (binance.OrderResult, error)
	PlaceBatchOrders(ctx context.Context, reqs []binance.OrderRequest, p binance.Priority) ([]binance.BatchOrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// TradeStore is the persistence surface the monitor consumes. Failures are
// logged and skipped; in-memory state stays authoritative.
type TradeStore interface {
	InsertTrade(ctx context.Context, t db.Trade) error
	UpdateTrancheOrders(ctx context.Context, symbol string, trancheID int, tpOrderID, slOrderID int64) error
	FilledTradesGrouped(ctx context.Context) ([]db.TrancheGroup, error)
	MarkTradesClosed(ctx context.Context, symbol string, trancheID int, status string) error
	ZeroTrancheQty(ctx context.Context, symbol string, trancheID int) error
}

// Settings resolves per-symbol trading parameters.
type Settings interface {
	For(symbol string) config.SymbolSettings
}

// FillEvent is one entry fill routed to the monitor.
type FillEvent struct {
	Symbol       string
	Side         string // BUY or SELL
	PositionSide string // LONG/SHORT in hedge mode, BOTH otherwise
	Qty          float64
	Price        float64
	OrderID      int64
}

// ExitFill notifies the monitor that a TP or SL order filled.
type ExitFill struct {
	Symbol  string
	OrderID int64
}

// Options are the global monitor settings.
type Options struct {
	HedgeMode        bool
	InstantTPEnabled bool
	BatchEnabled     bool
	AdverseMovePct   float64
	MaxTranches      int

	// Instant-closure circuit breaker.
	FailThreshold int
	Cooldown      time.Duration

	// Profit margin applied when a recovered TP price cannot be trusted.
	DefaultProfitPct float64
}

func defaulted(o Options) Options {
	if o.FailThreshold <= 0 {
		o.FailThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.AdverseMovePct <= 0 {
		o.AdverseMovePct = 5
	}
	if o.DefaultProfitPct <= 0 {
		o.DefaultProfitPct = 0.5
	}
	return o
}

// Monitor reconciles the tranche store against order-fill and price-stream
// events, places and cancels TP/SL pairs and drives the instant-closure fast
// path. The store lock is never held across a network call: the monitor reads
// a snapshot, performs the call, then re-reads before mutating.
type Monitor struct {
	exchange Exchange
	store    *tranche.Store
	trades   TradeStore
	settings Settings
	opts     Options

	shutdown chan struct{}
	jobs     map[string]chan func()
	jobsMu   chan struct{} // 1-slot semaphore guarding the jobs map
}

// New wires a monitor. All collaborators are injected explicitly; there are
// no package-level instances.
func New(exchange Exchange, store *tranche.Store, trades TradeStore, settings Settings, opts Options) *Monitor {
	return &Monitor{
		exchange: exchange,
		store:    store,
		trades:   trades,
		settings: settings,
		opts:     defaulted(opts),
		shutdown: make(chan struct{}),
		jobs:     make(map[string]chan func()),
		jobsMu:   make(chan struct{}, 1),
	}
}

// Store exposes the tranche store for the ops API.
func (m *Monitor) Store() *tranche.Store { return m.store }

// Run consumes fill and exit-fill events until ctx is done. A single reader
// keeps fills for the same tranche applied in receipt order.
func (m *Monitor) Run(ctx context.Context, fills <-chan FillEvent, exits <-chan ExitFill) {
	defer close(m.shutdown)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			m.OnFill(ctx, f)
		case e, ok := <-exits:
			if !ok {
				return
			}
			m.OnExitFill(ctx, e.Symbol, e.OrderID)
		}
	}
}

// OnFill routes an entry fill into a tranche and places its TP/SL pair.
func (m *Monitor) OnFill(ctx context.Context, f FillEvent) {
	side := deriveSide(f.Side, f.PositionSide)
	s := m.settings.For(f.Symbol)

	cfg := tranche.FillConfig{
		TPPct:          s.TakeProfitPct,
		SLPct:          s.StopLossPct,
		TPEnabled:      s.TakeProfitEnabled,
		SLEnabled:      s.StopLossEnabled,
		AdverseMovePct: m.opts.AdverseMovePct,
		MaxTranches:    m.opts.MaxTranches,
	}

	t, created, err := m.store.UpsertOnFill(f.Symbol, side, f.Qty, f.Price, cfg)
	if err != nil {
		log.Printf("monitor: fill rejected for %s: %v", f.Symbol, err)
		return
	}
	if created {
		log.Printf("monitor: new tranche %s %s #%d qty=%v entry=%v", f.Symbol, side, t.ID, t.Qty, t.EntryPrice)
	}

	if err := m.trades.InsertTrade(ctx, db.Trade{
		ID:           uuid.NewString(),
		Symbol:       f.Symbol,
		OrderID:      f.OrderID,
		Side:         f.Side,
		PositionSide: string(side),
		Qty:          f.Qty,
		Price:        f.Price,
		Status:       db.StatusFilled,
		OrderType:    "MARKET",
		TrancheID:    t.ID,
	}); err != nil {
		log.Printf("monitor: persist fill %s: %v", f.Symbol, err)
	}

	m.placeProtection(ctx, t, s)
}

// placeProtection cancels any stale TP/SL pair (a merged fill changes both
// quantity and trigger prices) and places fresh orders, batched when both
// legs are needed and batching is enabled.
func (m *Monitor) placeProtection(ctx context.Context, t tranche.Tranche, s config.SymbolSettings) {
	if !t.TPEnabled && !t.SLEnabled {
		return
	}

	m.cancelIfOpen(ctx, t.Symbol, t.TPOrderID)
	m.cancelIfOpen(ctx, t.Symbol, t.SLOrderID)

	var reqs []binance.OrderRequest
	if t.TPEnabled {
		reqs = append(reqs, m.protectionOrder(t, "TAKE_PROFIT_MARKET", t.TPPrice, s.WorkingType))
	}
	if t.SLEnabled {
		reqs = append(reqs, m.protectionOrder(t, "STOP_MARKET", t.SLPrice, s.WorkingType))
	}

	var tpID, slID int64
	if len(reqs) == 2 && m.opts.BatchEnabled {
		results, err := m.exchange.PlaceBatchOrders(ctx, reqs, binance.PriorityNormal)
		if err != nil {
			log.Printf("monitor: batch TP/SL for %s #%d: %v", t.Symbol, t.ID, err)
			return
		}
		for i, r := range results {
			if i >= len(reqs) {
				break
			}
			if r.Code != 0 {
				log.Printf("monitor: batch leg rejected for %s #%d: %d %s", t.Symbol, t.ID, r.Code, r.Msg)
				continue
			}
			if reqs[i].Type == "TAKE_PROFIT_MARKET" {
				tpID = r.OrderID
			} else {
				slID = r.OrderID
			}
		}
	} else {
		for _, req := range reqs {
			res, err := m.exchange.PlaceOrder(ctx, req, binance.PriorityNormal)
			if err != nil {
				log.Printf("monitor: place %s for %s #%d: %v", req.Type, t.Symbol, t.ID, err)
				continue
			}
			if req.Type == "TAKE_PROFIT_MARKET" {
				tpID = res.OrderID
			} else {
				slID = res.OrderID
			}
		}
	}

	if tpID == 0 && slID == 0 {
		return
	}
	m.store.SetOrderIDs(t.Symbol, t.Side, t.ID, tpID, slID)
	if err := m.trades.UpdateTrancheOrders(ctx, t.Symbol, t.ID, tpID, slID); err != nil {
		log.Printf("monitor: persist order ids %s #%d: %v", t.Symbol, t.ID, err)
	}
}

// protectionOrder builds one TP or SL leg with the hedge-correct parameter
// set.
func (m *Monitor) protectionOrder(t tranche.Tranche, orderType string, stopPrice float64, workingType string) binance.OrderRequest {
	req := binance.OrderRequest{
		Symbol:      t.Symbol,
		Side:        t.Side.Opposite(),
		Type:        orderType,
		Qty:         t.Qty,
		StopPrice:   stopPrice,
		WorkingType: workingType,
	}
	if m.opts.HedgeMode {
		req.PositionSide = string(t.Side)
	} else {
		req.ReduceOnly = true
	}
	return req
}

// BuildCloseOrder builds the market order that closes a tranche. In hedge
// mode the order carries the position side and must not carry reduceOnly; in
// one-way mode the inverse. The exchange rejects the wrong combination.
func (m *Monitor) BuildCloseOrder(t tranche.Tranche, qty float64) binance.OrderRequest {
	req := binance.OrderRequest{
		Symbol: t.Symbol,
		Side:   t.Side.Opposite(),
		Type:   "MARKET",
		Qty:    qty,
	}
	if m.opts.HedgeMode {
		req.PositionSide = string(t.Side)
	} else {
		req.ReduceOnly = true
	}
	return req
}

// OnExitFill handles a TP or SL fill: cancel the sibling (an already-gone
// sibling counts as cancelled), drop the tranche and close its rows.
func (m *Monitor) OnExitFill(ctx context.Context, symbol string, orderID int64) {
	t, ok := m.store.FindByOrderID(symbol, orderID)
	if !ok {
		return
	}

	sibling := t.SLOrderID
	if orderID == t.SLOrderID {
		sibling = t.TPOrderID
	}
	m.cancelIfOpen(ctx, symbol, sibling)

	if !m.store.Remove(t.Symbol, t.Side, t.ID) {
		return
	}
	log.Printf("monitor: tranche %s %s #%d closed by order %d", t.Symbol, t.Side, t.ID, orderID)
	if err := m.trades.MarkTradesClosed(ctx, t.Symbol, t.ID, db.StatusClosed); err != nil {
		log.Printf("monitor: mark closed %s #%d: %v", t.Symbol, t.ID, err)
	}
}

// OnMarkPrice checks every tracked tranche of the symbol on both sides
// against its TP level and hands triggered ones to the symbol's closure
// worker. The check itself is cheap; the network-heavy closure runs off the
// stream goroutine so one slow symbol cannot stall another's ticks.
func (m *Monitor) OnMarkPrice(ctx context.Context, tick market.PriceTick) {
	if !m.opts.InstantTPEnabled {
		return
	}
	triggered := m.store.Triggered(tick.Symbol, tick.MarkPrice)
	if len(triggered) == 0 {
		return
	}
	m.dispatch(ctx, tick.Symbol, func() {
		for _, t := range triggered {
			m.InstantClose(ctx, t.Side, t.ID, tick.Symbol)
		}
	})
}

// dispatch runs a job on the symbol's single worker goroutine, keeping
// closure attempts for one symbol in tick order. A saturated worker skips the
// job; the next tick re-triggers.
func (m *Monitor) dispatch(ctx context.Context, symbol string, job func()) {
	m.jobsMu <- struct{}{}
	ch, ok := m.jobs[symbol]
	if !ok {
		ch = make(chan func(), 16)
		m.jobs[symbol] = ch
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.shutdown:
					return
				case j := <-ch:
					j()
				}
			}
		}()
	}
	<-m.jobsMu

	select {
	case ch <- job:
	default:
		log.Printf("monitor: closure worker for %s saturated, skipping tick", symbol)
	}
}

// InstantClose is the low-latency closure path racing the resting TP order:
// breaker check, live-position confirmation, TP cancel, market close, SL
// cleanup. Every network call runs with the store lock released; state is
// re-read before each mutation, which is what makes a second concurrent
// attempt a no-op.
func (m *Monitor) InstantClose(ctx context.Context, side tranche.Side, id int, symbol string) {
	t, ok := m.store.Get(symbol, side, id)
	if !ok {
		return // already closed by a racing path
	}

	now := time.Now()
	if t.Disabled(now) {
		return
	}
	if !t.DisabledUntil.IsZero() {
		// Cooldown expired: clean slate.
		m.store.ClearFailures(symbol, side, id)
	}

	positions, err := m.exchange.GetPositionRisk(ctx, symbol)
	if err != nil {
		log.Printf("monitor: position query for %s: %v", symbol, err)
		return
	}
	liveQty, exists := livePosition(positions, side, m.opts.HedgeMode)
	if !exists || liveQty <= 0 {
		m.removePhantom(ctx, t)
		return
	}

	closeQty := t.Qty
	if liveQty < closeQty {
		// Never close more than the exchange says we hold.
		log.Printf("monitor: shrinking close qty for %s #%d: %v -> %v", symbol, id, closeQty, liveQty)
		closeQty = liveQty
		m.store.SetQty(symbol, side, id, liveQty)
	}

	// The TP will not fill now; a failed cancel must not stop the close.
	if t.TPOrderID != 0 {
		if err := m.exchange.CancelOrder(ctx, symbol, t.TPOrderID); err != nil && !binance.IsUnknownOrder(err) {
			log.Printf("monitor: cancel TP %d for %s #%d: %v", t.TPOrderID, symbol, id, err)
		}
	}

	res, err := m.exchange.PlaceOrder(ctx, m.BuildCloseOrder(t, closeQty), binance.PriorityCritical)
	if err != nil {
		m.handleCloseFailure(ctx, t, err)
		return
	}

	m.store.ClearFailures(symbol, side, id)
	m.cancelIfOpen(ctx, symbol, t.SLOrderID)
	if !m.store.Remove(symbol, side, id) {
		return
	}
	log.Printf("monitor: instant close %s %s #%d qty=%v order=%d", symbol, side, id, closeQty, res.OrderID)

	if err := m.trades.InsertTrade(ctx, db.Trade{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		OrderID:       res.OrderID,
		ParentOrderID: t.TPOrderID,
		Side:          t.Side.Opposite(),
		PositionSide:  string(side),
		Qty:           closeQty,
		Price:         t.TPPrice,
		Status:        db.StatusClosed,
		OrderType:     "MARKET",
		TrancheID:     id,
	}); err != nil {
		log.Printf("monitor: persist closure %s #%d: %v", symbol, id, err)
	}
	if err := m.trades.ZeroTrancheQty(ctx, symbol, id); err != nil {
		log.Printf("monitor: zero tranche qty %s #%d: %v", symbol, id, err)
	}
	if err := m.trades.MarkTradesClosed(ctx, symbol, id, db.StatusClosed); err != nil {
		log.Printf("monitor: mark closed %s #%d: %v", symbol, id, err)
	}
}

// handleCloseFailure classifies an order rejection. Position-gone codes mean
// another path beat us to the close; margin errors are transient; anything
// else counts toward the breaker.
func (m *Monitor) handleCloseFailure(ctx context.Context, t tranche.Tranche, err error) {
	switch {
	case binance.IsPositionGone(err):
		log.Printf("monitor: position gone during close of %s #%d: %v", t.Symbol, t.ID, err)
		m.removePhantom(ctx, t)
	case binance.IsInsufficientMargin(err):
		log.Printf("monitor: insufficient margin closing %s #%d, will retry on a later tick: %v", t.Symbol, t.ID, err)
	default:
		count, disabled := m.store.RecordCloseFailure(t.Symbol, t.Side, t.ID, m.opts.FailThreshold, m.opts.Cooldown)
		if disabled {
			log.Printf("monitor: %d consecutive close failures for %s #%d, cooling down %v", count, t.Symbol, t.ID, m.opts.Cooldown)
		} else {
			log.Printf("monitor: close failure %d/%d for %s #%d: %v", count, m.opts.FailThreshold, t.Symbol, t.ID, err)
		}
	}
}

// removePhantom drops a tranche whose live position no longer exists and
// cleans up whatever TP/SL orders are still resting. Removing exactly once is
// guaranteed by the store.
func (m *Monitor) removePhantom(ctx context.Context, t tranche.Tranche) {
	if !m.store.Remove(t.Symbol, t.Side, t.ID) {
		return
	}
	log.Printf("monitor: removing phantom tranche %s %s #%d", t.Symbol, t.Side, t.ID)
	m.cancelIfOpen(ctx, t.Symbol, t.TPOrderID)
	m.cancelIfOpen(ctx, t.Symbol, t.SLOrderID)
	if err := m.trades.MarkTradesClosed(ctx, t.Symbol, t.ID, db.StatusClosedPhantom); err != nil {
		log.Printf("monitor: mark phantom %s #%d: %v", t.Symbol, t.ID, err)
	}
}

// cancelIfOpen cancels an order id, treating "unknown order" as success: the
// order may have filled or expired already.
func (m *Monitor) cancelIfOpen(ctx context.Context, symbol string, orderID int64) {
	if orderID == 0 {
		return
	}
	if err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil && !binance.IsUnknownOrder(err) {
		log.Printf("monitor: cancel order %d for %s: %v", orderID, symbol, err)
	}
}

// deriveSide maps a fill to a position side. Hedge-mode fills carry it
// explicitly; one-way fills derive it from the order side.
func deriveSide(side, positionSide string) tranche.Side {
	switch positionSide {
	case "LONG":
		return tranche.Long
	case "SHORT":
		return tranche.Short
	}
	if side == "SELL" {
		return tranche.Short
	}
	return tranche.Long
}

// livePosition extracts the live quantity for a side from a positionRisk
// snapshot. One-way rows report side BOTH with a signed amount.
func livePosition(positions []binance.PositionRisk, side tranche.Side, hedgeMode bool) (qty float64, exists bool) {
	for _, p := range positions {
		amt := p.Amt()
		if hedgeMode {
			if p.PositionSide == string(side) && amt != 0 {
				return abs(amt), true
			}
			continue
		}
		if p.PositionSide != "BOTH" && p.PositionSide != "" {
			continue
		}
		if side == tranche.Long && amt > 0 {
			return amt, true
		}
		if side == tranche.Short && amt < 0 {
			return -amt, true
		}
	}
	return 0, false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
