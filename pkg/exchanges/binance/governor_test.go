package binance

import (
	"net/http"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(weightLimit, orderLimit int) (*Governor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGovernor(weightLimit, orderLimit)
	g.now = clock.now
	return g, clock
}

func headers(weight, orders string) http.Header {
	h := http.Header{}
	if weight != "" {
		h.Set("X-MBX-USED-WEIGHT-1M", weight)
	}
	if orders != "" {
		h.Set("X-MBX-ORDER-COUNT-1M", orders)
	}
	return h
}

func TestAdmitWithinLimit(t *testing.T) {
	g, _ := newTestGovernor(2400, 1200)

	d := g.Admit(20, PriorityNormal)
	if !d.Allowed {
		t.Fatalf("fresh governor denied a small request: %+v", d)
	}
	if d := g.AdmitOrder(PriorityNormal); !d.Allowed {
		t.Fatalf("fresh governor denied an order: %+v", d)
	}
}

// In normal mode non-critical traffic sees the buffered limit minus the
// critical reserve; critical traffic sees only the buffer. With a nominal
// quota of 100 that is 72 vs 90.
func TestCriticalReserve(t *testing.T) {
	g, _ := newTestGovernor(100, 100)
	g.ObserveHeaders(headers("80", ""))

	if d := g.Admit(1, PriorityNormal); d.Allowed {
		t.Fatal("normal request admitted past the reserve boundary")
	}
	if d := g.Admit(1, PriorityLow); d.Allowed {
		t.Fatal("low request admitted past the reserve boundary")
	}
	if d := g.Admit(1, PriorityCritical); !d.Allowed {
		t.Fatalf("critical request denied inside the reserve: %+v", d)
	}
}

// Recorded weight drops out of the sliding window after one minute. A heavy
// burst of recording also flips the governor into burst mode, and a denial's
// retry hint points at the oldest entry's expiry.
func TestWindowExpiryAndBurstDetection(t *testing.T) {
	g, clock := newTestGovernor(60, 60)

	g.Record(40)

	if got := g.Snapshot(); got.Mode != "burst" {
		t.Fatalf("mode=%s after heavy traffic, expected burst", got.Mode)
	}

	// Burst mode, non-critical: roughly 60 * 0.95 * 0.90. 40 used + 20 exceeds it.
	d := g.Admit(20, PriorityNormal)
	if d.Allowed {
		t.Fatal("request admitted over the burst limit")
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("RetryAfter=%v, expected %v (oldest entry expiry)", d.RetryAfter, time.Minute)
	}

	clock.advance(61 * time.Second)
	if d := g.Admit(20, PriorityNormal); !d.Allowed {
		t.Fatalf("request denied after window expired: %+v", d)
	}
	if got := g.Snapshot(); got.WeightUsed != 0 {
		t.Fatalf("WeightUsed=%d after expiry, expected 0", got.WeightUsed)
	}
}

func TestBurstModeExpires(t *testing.T) {
	g, clock := newTestGovernor(60, 60)
	g.Record(40)

	if got := g.Snapshot(); got.Mode != "burst" {
		t.Fatalf("mode=%s, expected burst", got.Mode)
	}

	clock.advance(2*time.Minute + time.Second)
	g.Admit(1, PriorityNormal) // admission drives mode expiry
	if got := g.Snapshot(); got.Mode != "normal" {
		t.Fatalf("mode=%s after burst window, expected normal", got.Mode)
	}
}

func Test429BacksOffAndEntersBurst(t *testing.T) {
	g, clock := newTestGovernor(2400, 1200)

	g.ObserveResponse(http.StatusTooManyRequests)

	d := g.Admit(1, PriorityCritical)
	if d.Allowed {
		t.Fatal("request admitted during 429 backoff")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("RetryAfter=%v, expected (0, 1s]", d.RetryAfter)
	}
	if got := g.Snapshot(); got.Mode != "burst" {
		t.Fatalf("mode=%s after 429, expected burst", got.Mode)
	}

	clock.advance(2 * time.Second)
	if d := g.Admit(1, PriorityCritical); !d.Allowed {
		t.Fatalf("request denied after backoff expired: %+v", d)
	}

	// Second violation doubles the backoff.
	g.ObserveResponse(http.StatusTooManyRequests)
	d = g.Admit(1, PriorityCritical)
	if d.RetryAfter <= time.Second || d.RetryAfter > 2*time.Second {
		t.Fatalf("second violation RetryAfter=%v, expected (1s, 2s]", d.RetryAfter)
	}
}

// Burst mode trades buffer for throughput: usage that normal mode refuses
// passes once the governor escalates.
func TestBurstRaisesEffectiveLimit(t *testing.T) {
	g, clock := newTestGovernor(2400, 1200)
	g.ObserveHeaders(headers("1900", ""))

	// Normal mode, non-critical: 2400 * 0.90 * 0.80 = 1728, below 1900.
	if d := g.Admit(10, PriorityNormal); d.Allowed {
		t.Fatal("normal mode admitted past its limit")
	}

	g.ObserveResponse(http.StatusTooManyRequests)
	clock.advance(2 * time.Second) // past the 1s backoff, header still fresh

	// Burst mode, non-critical: roughly 2400 * 0.95 * 0.90, above 1910.
	if d := g.Admit(10, PriorityNormal); !d.Allowed {
		t.Fatalf("burst mode denied a request inside its limit: %+v", d)
	}
}

func Test418DeniesEverything(t *testing.T) {
	g, clock := newTestGovernor(2400, 1200)

	g.ObserveResponse(http.StatusTeapot)

	d := g.Admit(1, PriorityCritical)
	if d.Allowed {
		t.Fatal("request admitted during IP ban")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter=%v, expected (0, 1m]", d.RetryAfter)
	}
	if got := g.Snapshot(); got.BannedUntil == "" {
		t.Fatal("Snapshot missing BannedUntil during ban")
	}
	if d := g.AdmitOrder(PriorityCritical); d.Allowed {
		t.Fatal("order admitted during IP ban")
	}

	clock.advance(61 * time.Second)
	if d := g.Admit(1, PriorityCritical); !d.Allowed {
		t.Fatalf("request denied after ban lifted: %+v", d)
	}

	// Repeat violation doubles the ban.
	g.ObserveResponse(http.StatusTeapot)
	d = g.Admit(1, PriorityCritical)
	if d.RetryAfter <= time.Minute || d.RetryAfter > 2*time.Minute {
		t.Fatalf("second ban RetryAfter=%v, expected (1m, 2m]", d.RetryAfter)
	}
}

// Exchange-reported usage is authoritative until the minute boundary after it
// was observed; then local estimation resumes.
func TestHeaderPrecedenceExpires(t *testing.T) {
	g, clock := newTestGovernor(2400, 1200)
	clock.advance(30 * time.Second) // observed mid-minute

	g.ObserveHeaders(headers("2000", ""))

	if d := g.Admit(10, PriorityNormal); d.Allowed {
		t.Fatal("request admitted while header counter shows exhaustion")
	}

	// The reset point is the next minute boundary, 30s away.
	d := g.Admit(10, PriorityNormal)
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter=%v, expected 30s (minute reset)", d.RetryAfter)
	}

	clock.advance(31 * time.Second)
	if d := g.Admit(10, PriorityNormal); !d.Allowed {
		t.Fatalf("request denied after header went stale: %+v", d)
	}
}

func TestMalformedHeadersIgnored(t *testing.T) {
	g, _ := newTestGovernor(2400, 1200)

	g.ObserveHeaders(headers("not-a-number", "also-bad"))

	if d := g.Admit(10, PriorityNormal); !d.Allowed {
		t.Fatalf("malformed header affected admission: %+v", d)
	}
	if got := g.Snapshot(); got.WeightUsed != 0 || got.OrdersUsed != 0 {
		t.Fatalf("malformed header changed usage: %+v", got)
	}
}

func TestSuccessResetsViolations(t *testing.T) {
	g, clock := newTestGovernor(2400, 1200)

	g.ObserveResponse(http.StatusTooManyRequests)
	g.ObserveResponse(http.StatusTooManyRequests)
	if got := g.Snapshot(); got.Violations != 2 {
		t.Fatalf("Violations=%d, expected 2", got.Violations)
	}

	clock.advance(5 * time.Second)
	g.ObserveResponse(http.StatusOK)
	if got := g.Snapshot(); got.Violations != 0 {
		t.Fatalf("Violations=%d after success, expected 0", got.Violations)
	}
}

func TestOrderQuotaIndependent(t *testing.T) {
	g, _ := newTestGovernor(2400, 100)
	g.ObserveHeaders(headers("", "95"))

	// Order pool exhausted for non-critical traffic, weight pool untouched.
	if d := g.AdmitOrder(PriorityNormal); d.Allowed {
		t.Fatal("order admitted past the order-count limit")
	}
	if d := g.Admit(10, PriorityNormal); !d.Allowed {
		t.Fatalf("weight admission coupled to order pool: %+v", d)
	}
}
