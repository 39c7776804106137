package binance

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Priority classifies a request for admission control. Critical requests
// (closures, cancels) are measured against the full quota; normal and low
// requests leave a reserved slice untouched so critical traffic always has
// headroom.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Mode is the governor's operating mode. Each mode trades safety buffer for
// throughput.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBurst
	ModeLiquidation
)

func (m Mode) String() string {
	switch m {
	case ModeBurst:
		return "burst"
	case ModeLiquidation:
		return "liquidation"
	default:
		return "normal"
	}
}

// modeParams returns (buffer, reserve) fractions for a mode. The buffer is
// shaved off the nominal exchange quota; the reserve is the critical-only
// slice of what remains.
func modeParams(m Mode) (buffer, reserve float64) {
	switch m {
	case ModeBurst:
		return 0.05, 0.10
	case ModeLiquidation:
		return 0.05, 0.05
	default:
		return 0.10, 0.20
	}
}

// Decision is the result of an admission check. Denial is not an error:
// RetryAfter is a conservative wait hint, never an under-estimate.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

const (
	window        = time.Minute
	burstDuration = 2 * time.Minute
	burstTrailing = 10 * time.Second
	maxBackoff    = 60 * time.Second
	maxBan        = 30 * time.Minute
	minRetryHint  = 100 * time.Millisecond
)

type windowEntry struct {
	at   time.Time
	cost int
}

// Governor tracks the two independent Binance futures quota pools
// (request-weight per minute and order count per minute) and admits requests
// by priority tier. Exchange-reported usage headers take precedence over the
// local sliding-window estimate while fresh. One Governor is constructed per
// process and passed explicitly to everything that sends requests.
type Governor struct {
	mu sync.Mutex

	weightLimit int // nominal exchange quota, weight/min
	orderLimit  int // nominal exchange quota, orders/min

	weightWin []windowEntry
	orderWin  []windowEntry

	// Exchange-reported usage; authoritative until the minute boundary
	// after reportedAt passes.
	reportedWeight   int
	reportedWeightAt time.Time
	reportedOrders   int
	reportedOrdersAt time.Time

	mode      Mode
	modeUntil time.Time

	violations   int
	banUntil     time.Time
	backoffUntil time.Time

	queue *PendingQueue

	now func() time.Time // injectable clock for tests
}

// NewGovernor creates a governor for the given nominal per-minute quotas
// (2400 weight and 1200 orders for USDT-M futures).
func NewGovernor(weightLimit, orderLimit int) *Governor {
	return &Governor{
		weightLimit: weightLimit,
		orderLimit:  orderLimit,
		queue:       NewPendingQueue(64),
		now:         time.Now,
	}
}

// Admit decides whether a request of the given weight may be sent now.
func (g *Governor) Admit(weight int, p Priority) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admit(weight, p, g.weightLimit, &g.weightWin, g.reportedWeight, g.reportedWeightAt)
}

// AdmitOrder decides admission against the order-count quota.
func (g *Governor) AdmitOrder(p Priority) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admit(1, p, g.orderLimit, &g.orderWin, g.reportedOrders, g.reportedOrdersAt)
}

func (g *Governor) admit(cost int, p Priority, nominal int, win *[]windowEntry, reported int, reportedAt time.Time) Decision {
	now := g.now()

	if now.Before(g.banUntil) {
		return Decision{RetryAfter: g.banUntil.Sub(now)}
	}
	if now.Before(g.backoffUntil) {
		return Decision{RetryAfter: g.backoffUntil.Sub(now)}
	}

	g.expireMode(now)
	prune(win, now)

	buffer, reserve := modeParams(g.mode)
	limit := int(float64(nominal) * (1 - buffer))
	if p != PriorityCritical {
		limit = int(float64(limit) * (1 - reserve))
	}

	used, headerFresh := g.currentUsage(win, reported, reportedAt, now)
	if used+cost <= limit {
		return Decision{Allowed: true}
	}

	return Decision{RetryAfter: g.retryHint(win, used, cost, limit, headerFresh, reportedAt, now)}
}

// currentUsage prefers the exchange-reported counter while it is still inside
// the minute it was observed in; after that the local window estimate resumes.
func (g *Governor) currentUsage(win *[]windowEntry, reported int, reportedAt time.Time, now time.Time) (int, bool) {
	if !reportedAt.IsZero() && now.Before(reportedAt.Truncate(time.Minute).Add(time.Minute)) {
		return reported, true
	}
	return sumWindow(*win), false
}

// retryHint computes a conservative wait. With a fresh header counter the
// only reliable release point is the minute reset; otherwise wait until
// enough of the oldest window entries have expired to fit the request.
func (g *Governor) retryHint(win *[]windowEntry, used, cost, limit int, headerFresh bool, reportedAt time.Time, now time.Time) time.Duration {
	if headerFresh {
		reset := reportedAt.Truncate(time.Minute).Add(time.Minute)
		if d := reset.Sub(now); d > minRetryHint {
			return d
		}
		return minRetryHint
	}
	freed := 0
	for _, e := range *win {
		freed += e.cost
		if used-freed+cost <= limit {
			if d := e.at.Add(window).Sub(now); d > minRetryHint {
				return d
			}
			return minRetryHint
		}
	}
	return window
}

// Record appends a sent request's weight to the sliding window. Call it only
// after the request was actually transmitted; a caller that gave up while
// waiting must not record.
func (g *Governor) Record(weight int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.weightWin = append(g.weightWin, windowEntry{at: now, cost: weight})
	prune(&g.weightWin, now)
	g.detectBurst(now)
}

// RecordOrder appends one sent order to the order-count window.
func (g *Governor) RecordOrder() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.orderWin = append(g.orderWin, windowEntry{at: now, cost: 1})
	prune(&g.orderWin, now)
}

// detectBurst escalates to burst mode when the trailing 10 seconds carry more
// than half the pro-rata share of the quota. Called with the lock held.
func (g *Governor) detectBurst(now time.Time) {
	if g.mode != ModeNormal {
		return
	}
	cutoff := now.Add(-burstTrailing)
	recent := 0
	for _, e := range g.weightWin {
		if e.at.After(cutoff) {
			recent += e.cost
		}
	}
	share := float64(g.weightLimit) * burstTrailing.Seconds() / window.Seconds()
	if float64(recent) > share/2 {
		g.enterBurst(now, "sustained traffic")
	}
}

func (g *Governor) enterBurst(now time.Time, reason string) {
	if g.mode == ModeLiquidation {
		return
	}
	if g.mode != ModeBurst {
		log.Printf("governor: entering burst mode (%s)", reason)
	}
	g.mode = ModeBurst
	g.modeUntil = now.Add(burstDuration)
}

// EnterLiquidationMode switches to maximal-utilization limits for a known
// high-volatility window. Operator/caller triggered and time-bounded.
func (g *Governor) EnterLiquidationMode(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	log.Printf("governor: entering liquidation mode for %v", d)
	g.mode = ModeLiquidation
	g.modeUntil = g.now().Add(d)
}

func (g *Governor) expireMode(now time.Time) {
	if g.mode != ModeNormal && now.After(g.modeUntil) {
		log.Printf("governor: %s mode expired, back to normal", g.mode)
		g.mode = ModeNormal
	}
}

// ObserveHeaders ingests the exchange-reported usage counters. Malformed
// values are logged and ignored; local estimation keeps working.
func (g *Governor) ObserveHeaders(h http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if v := h.Get("X-MBX-USED-WEIGHT-1M"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("governor: malformed used-weight header %q: %v", v, err)
		} else {
			g.reportedWeight = n
			g.reportedWeightAt = now
			g.warnUsage(n, g.weightLimit)
		}
	}
	if v := h.Get("X-MBX-ORDER-COUNT-1M"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("governor: malformed order-count header %q: %v", v, err)
		} else {
			g.reportedOrders = n
			g.reportedOrdersAt = now
		}
	}
}

func (g *Governor) warnUsage(used, limit int) {
	pct := float64(used) / float64(limit) * 100
	if pct >= 95 {
		log.Printf("governor: weight %d/%d (%.1f%%), approaching ban threshold", used, limit, pct)
	} else if pct >= 80 {
		log.Printf("governor: weight %d/%d (%.1f%%)", used, limit, pct)
	}
}

// ObserveResponse updates violation state from an HTTP status. 429 backs off
// exponentially and escalates to burst mode; 418 sets a ban whose duration
// scales with consecutive violations; any success resets the counter.
func (g *Governor) ObserveResponse(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	switch {
	case status == http.StatusTooManyRequests:
		g.violations++
		backoff := time.Second << (g.violations - 1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		g.backoffUntil = now.Add(backoff)
		log.Printf("governor: 429 received (violation %d), backing off %v", g.violations, backoff)
		g.enterBurst(now, "rate limit violation")
	case status == http.StatusTeapot: // 418: IP auto-ban
		g.violations++
		ban := time.Minute << (g.violations - 1)
		if ban > maxBan {
			ban = maxBan
		}
		g.banUntil = now.Add(ban)
		log.Printf("governor: 418 ban (violation %d), all requests denied for %v", g.violations, ban)
	case status < 400:
		g.violations = 0
	}
}

// Usage is a point-in-time snapshot for the ops API.
type Usage struct {
	Mode         string `json:"mode"`
	WeightUsed   int    `json:"weight_used"`
	WeightLimit  int    `json:"weight_limit"`
	OrdersUsed   int    `json:"orders_used"`
	OrderLimit   int    `json:"order_limit"`
	Violations   int    `json:"violations"`
	BannedUntil  string `json:"banned_until,omitempty"`
	QueueDepth   int    `json:"queue_depth"`
	QueueDropped int    `json:"queue_dropped"`
}

// Snapshot reports current usage (exchange-reported when fresh).
func (g *Governor) Snapshot() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	prune(&g.weightWin, now)
	prune(&g.orderWin, now)
	wUsed, _ := g.currentUsage(&g.weightWin, g.reportedWeight, g.reportedWeightAt, now)
	oUsed, _ := g.currentUsage(&g.orderWin, g.reportedOrders, g.reportedOrdersAt, now)
	u := Usage{
		Mode:        g.mode.String(),
		WeightUsed:  wUsed,
		WeightLimit: g.weightLimit,
		OrdersUsed:  oUsed,
		OrderLimit:  g.orderLimit,
		Violations:  g.violations,
	}
	if now.Before(g.banUntil) {
		u.BannedUntil = g.banUntil.Format(time.RFC3339)
	}
	u.QueueDepth, u.QueueDropped = g.queue.Stats()
	return u
}

// Queue exposes the bounded overflow queue for callers that prefer to park
// denied work instead of sleeping on the retry hint.
func (g *Governor) Queue() *PendingQueue { return g.queue }

func prune(win *[]windowEntry, now time.Time) {
	cutoff := now.Add(-window)
	w := *win
	i := 0
	for i < len(w) && !w[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		*win = append(w[:0], w[i:]...)
	}
}

func sumWindow(win []windowEntry) int {
	total := 0
	for _, e := range win {
		total += e.cost
	}
	return total
}
