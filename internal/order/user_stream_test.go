package order

import (
	"testing"

	"liqcore/internal/monitor"
)

func newStreamForTest() (*UserStream, chan monitor.FillEvent, chan monitor.ExitFill) {
	fills := make(chan monitor.FillEvent, 4)
	exits := make(chan monitor.ExitFill, 4)
	return NewUserStream(nil, false, fills, exits), fills, exits
}

func TestEntryFillRoutedToFillChannel(t *testing.T) {
	s, fills, exits := newStreamForTest()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,
		"o":{"s":"BTCUSDT","S":"BUY","ps":"LONG","o":"MARKET","X":"FILLED","x":"TRADE",
		     "i":42,"L":"45000","l":"0.1","z":"0.1","Z":"4500","R":false}}`)
	s.handleMessage(msg)

	select {
	case f := <-fills:
		if f.Symbol != "BTCUSDT" || f.Side != "BUY" || f.PositionSide != "LONG" {
			t.Fatalf("fill %+v", f)
		}
		if f.Qty != 0.1 || f.Price != 45000 || f.OrderID != 42 {
			t.Fatalf("fill %+v, expected 0.1 @ 45000 order 42", f)
		}
	default:
		t.Fatal("entry fill not routed")
	}
	select {
	case e := <-exits:
		t.Fatalf("entry fill routed as exit: %+v", e)
	default:
	}
}

func TestProtectionFillRoutedToExitChannel(t *testing.T) {
	s, fills, exits := newStreamForTest()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE",
		"o":{"s":"BTCUSDT","S":"SELL","o":"TAKE_PROFIT_MARKET","X":"FILLED","x":"TRADE",
		     "i":99,"L":"45450","l":"0.1","z":"0.1","Z":"4545"}}`)
	s.handleMessage(msg)

	select {
	case e := <-exits:
		if e.Symbol != "BTCUSDT" || e.OrderID != 99 {
			t.Fatalf("exit %+v", e)
		}
	default:
		t.Fatal("TP fill not routed to exit channel")
	}
	select {
	case f := <-fills:
		t.Fatalf("TP fill routed as entry: %+v", f)
	default:
	}
}

// Reduce-only market orders are exits even without a TP/SL order type.
func TestReduceOnlyFillIsExit(t *testing.T) {
	s, fills, exits := newStreamForTest()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE",
		"o":{"s":"BTCUSDT","S":"SELL","o":"MARKET","X":"FILLED","x":"TRADE",
		     "i":7,"L":"45100","l":"0.1","z":"0.1","Z":"4510","R":true}}`)
	s.handleMessage(msg)

	if len(exits) != 1 || len(fills) != 0 {
		t.Fatalf("exits=%d fills=%d, expected 1/0", len(exits), len(fills))
	}
}

// A partially filled protection order is not an exit yet.
func TestPartialProtectionFillIgnored(t *testing.T) {
	s, fills, exits := newStreamForTest()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE",
		"o":{"s":"BTCUSDT","S":"SELL","o":"STOP_MARKET","X":"PARTIALLY_FILLED","x":"TRADE",
		     "i":7,"L":"42750","l":"0.05","z":"0.05","Z":"2137.5"}}`)
	s.handleMessage(msg)

	if len(exits) != 0 || len(fills) != 0 {
		t.Fatalf("exits=%d fills=%d, expected nothing for a partial protection fill", len(exits), len(fills))
	}
}

func TestNonTradeExecutionsIgnored(t *testing.T) {
	s, fills, exits := newStreamForTest()

	msgs := [][]byte{
		[]byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"BUY","o":"MARKET","X":"NEW","x":"NEW","i":1,"l":"0","L":"0"}}`),
		[]byte(`{"e":"ACCOUNT_UPDATE","a":{}}`),
		[]byte(`not json at all`),
		[]byte(`{"E":123}`),
	}
	for _, msg := range msgs {
		s.handleMessage(msg)
	}

	if len(fills) != 0 || len(exits) != 0 {
		t.Fatalf("fills=%d exits=%d, expected nothing", len(fills), len(exits))
	}
}

// Fills priced at zero fall back to the cumulative average.
func TestFillPriceFallsBackToCumulative(t *testing.T) {
	s, fills, _ := newStreamForTest()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE",
		"o":{"s":"BTCUSDT","S":"BUY","o":"MARKET","X":"FILLED","x":"TRADE",
		     "i":5,"L":"0","l":"0.2","z":"0.2","Z":"9000"}}`)
	s.handleMessage(msg)

	f := <-fills
	if f.Price != 45000 {
		t.Fatalf("price=%v, expected cumulative average 45000", f.Price)
	}
}
