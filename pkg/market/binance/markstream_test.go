package market

import "testing"

func TestParseMarkPricesArray(t *testing.T) {
	msg := []byte(`[
		{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"45123.45"},
		{"e":"markPriceUpdate","E":1700000000000,"s":"ETHUSDT","p":"3011.20"}
	]`)

	ticks := parseMarkPrices(msg)
	if len(ticks) != 2 {
		t.Fatalf("ticks=%d, expected 2", len(ticks))
	}
	if ticks[0].Symbol != "BTCUSDT" || ticks[0].MarkPrice != 45123.45 {
		t.Errorf("first tick %+v", ticks[0])
	}
	if ticks[1].Symbol != "ETHUSDT" || ticks[1].MarkPrice != 3011.20 {
		t.Errorf("second tick %+v", ticks[1])
	}
}

func TestParseMarkPricesSingleObject(t *testing.T) {
	msg := []byte(`{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"45123.45"}`)

	ticks := parseMarkPrices(msg)
	if len(ticks) != 1 {
		t.Fatalf("ticks=%d, expected 1", len(ticks))
	}
	if ticks[0].Symbol != "BTCUSDT" || ticks[0].EventTime != 1700000000000 {
		t.Errorf("tick %+v", ticks[0])
	}
}

func TestParseMarkPricesSkipsGarbage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"wrong event", `{"e":"kline","s":"BTCUSDT","p":"45000"}`},
		{"missing symbol", `{"e":"markPriceUpdate","p":"45000"}`},
		{"bad price", `{"e":"markPriceUpdate","s":"BTCUSDT","p":"abc"}`},
		{"zero price", `{"e":"markPriceUpdate","s":"BTCUSDT","p":"0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ticks := parseMarkPrices([]byte(tt.msg)); len(ticks) != 0 {
				t.Fatalf("ticks=%v, expected none", ticks)
			}
		})
	}
}

// A mixed array keeps the valid entries and drops the rest.
func TestParseMarkPricesMixedArray(t *testing.T) {
	msg := []byte(`[
		{"e":"markPriceUpdate","s":"BTCUSDT","p":"45000"},
		{"e":"indexPriceUpdate","s":"BTCUSDT","p":"45001"},
		{"e":"markPriceUpdate","s":"ETHUSDT","p":"not-a-price"}
	]`)

	ticks := parseMarkPrices(msg)
	if len(ticks) != 1 || ticks[0].Symbol != "BTCUSDT" {
		t.Fatalf("ticks=%v, expected only the valid BTCUSDT update", ticks)
	}
}
