package binance

import (
	"net/url"
	"testing"
)

func TestWeightFixedEndpoints(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/fapi/v1/time", 1},
		{"GET", "/fapi/v2/positionRisk", 5},
		{"GET", "/fapi/v1/income", 30},
		{"POST", "/fapi/v1/order", 1},
		{"POST", "/fapi/v1/batchOrders", 5},
		{"DELETE", "/fapi/v1/order", 1},
		{"POST", "/fapi/v1/listenKey", 1},
	}
	for _, tt := range tests {
		if got := Weight(tt.path, tt.method, url.Values{}); got != tt.want {
			t.Errorf("Weight(%s %s)=%d, expected %d", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestWeightDepthBands(t *testing.T) {
	tests := []struct {
		limit string
		want  int
	}{
		{"5", 2},
		{"50", 2},
		{"51", 5},
		{"100", 5},
		{"101", 10},
		{"500", 10},
		{"501", 20},
		{"1000", 20},
		{"", 10},        // default limit 500
		{"garbage", 10}, // unparseable falls back to default
	}
	for _, tt := range tests {
		params := url.Values{}
		if tt.limit != "" {
			params.Set("limit", tt.limit)
		}
		if got := Weight("/fapi/v1/depth", "GET", params); got != tt.want {
			t.Errorf("depth limit=%q: weight=%d, expected %d", tt.limit, got, tt.want)
		}
	}
}

func TestWeightKlinesBands(t *testing.T) {
	tests := []struct {
		limit string
		want  int
	}{
		{"99", 1},
		{"100", 2},
		{"499", 2},
		{"500", 5},
		{"1000", 5},
		{"1001", 10},
		{"", 5}, // default limit 500
	}
	for _, tt := range tests {
		params := url.Values{}
		if tt.limit != "" {
			params.Set("limit", tt.limit)
		}
		if got := Weight("/fapi/v1/klines", "GET", params); got != tt.want {
			t.Errorf("klines limit=%q: weight=%d, expected %d", tt.limit, got, tt.want)
		}
		if got := Weight("/fapi/v1/markPriceKlines", "GET", params); got != tt.want {
			t.Errorf("markPriceKlines limit=%q: weight=%d, expected %d", tt.limit, got, tt.want)
		}
	}
}

// Omitting the symbol on symbol-scoped endpoints multiplies the cost.
func TestWeightSymbolScope(t *testing.T) {
	tests := []struct {
		path       string
		withSymbol int
		allSymbols int
	}{
		{"/fapi/v1/ticker/24hr", 1, 40},
		{"/fapi/v1/openOrders", 1, 40},
		{"/fapi/v1/premiumIndex", 1, 10},
		{"/fapi/v1/ticker/price", 1, 2},
	}
	for _, tt := range tests {
		withSym := url.Values{}
		withSym.Set("symbol", "BTCUSDT")
		if got := Weight(tt.path, "GET", withSym); got != tt.withSymbol {
			t.Errorf("%s with symbol: weight=%d, expected %d", tt.path, got, tt.withSymbol)
		}
		if got := Weight(tt.path, "GET", url.Values{}); got != tt.allSymbols {
			t.Errorf("%s without symbol: weight=%d, expected %d", tt.path, got, tt.allSymbols)
		}
	}
}

func TestWeightUnknownEndpointDefaultsToOne(t *testing.T) {
	if got := Weight("/fapi/v9/doesNotExist", "GET", url.Values{}); got != 1 {
		t.Fatalf("unknown endpoint weight=%d, expected 1", got)
	}
}

// Weight must be pure: the same request always costs the same.
func TestWeightIsDeterministic(t *testing.T) {
	params := url.Values{}
	params.Set("limit", "750")
	first := Weight("/fapi/v1/depth", "GET", params)
	for i := 0; i < 10; i++ {
		if got := Weight("/fapi/v1/depth", "GET", params); got != first {
			t.Fatalf("weight changed between calls: %d then %d", first, got)
		}
	}
}

func TestOrderWeight(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{"POST", "/fapi/v1/order", true},
		{"POST", "/fapi/v1/batchOrders", true},
		{"DELETE", "/fapi/v1/order", false},
		{"GET", "/fapi/v1/openOrders", false},
		{"GET", "/fapi/v2/positionRisk", false},
	}
	for _, tt := range tests {
		if got := OrderWeight(tt.path, tt.method); got != tt.want {
			t.Errorf("OrderWeight(%s %s)=%v, expected %v", tt.method, tt.path, got, tt.want)
		}
	}
}
