package binance

import (
	"log"
	"net/url"
	"strconv"
)

// Request weights for USDT-M futures endpoints with a fixed cost.
var fixedWeights = map[string]int{
	"GET /fapi/v1/time":            1,
	"GET /fapi/v1/exchangeInfo":    1,
	"GET /fapi/v1/premiumIndex":    1,
	"GET /fapi/v2/positionRisk":    5,
	"GET /fapi/v2/account":         5,
	"GET /fapi/v2/balance":         5,
	"GET /fapi/v1/userTrades":      5,
	"GET /fapi/v1/income":          30,
	"POST /fapi/v1/order":          1,
	"DELETE /fapi/v1/order":        1,
	"POST /fapi/v1/batchOrders":    5,
	"DELETE /fapi/v1/allOpenOrders": 1,
	"POST /fapi/v1/leverage":       1,
	"POST /fapi/v1/marginType":     1,
	"POST /fapi/v1/positionSide/dual": 1,
	"POST /fapi/v1/listenKey":      1,
	"PUT /fapi/v1/listenKey":       1,
	"DELETE /fapi/v1/listenKey":    1,
}

// Endpoints whose cost multiplies when the symbol parameter is omitted.
var symbolScopedWeights = map[string]struct{ single, all int }{
	"GET /fapi/v1/ticker/24hr":   {1, 40},
	"GET /fapi/v1/openOrders":    {1, 40},
	"GET /fapi/v1/premiumIndex":  {1, 10},
	"GET /fapi/v1/ticker/price":  {1, 2},
}

// Weight returns the request weight for an endpoint. It is pure: identical
// inputs always produce the same cost. Unknown paths cost 1 and log a warning
// so an unmapped endpoint never blocks traffic.
func Weight(path, method string, params url.Values) int {
	key := method + " " + path

	switch path {
	case "/fapi/v1/depth":
		return depthWeight(limitParam(params, 500))
	case "/fapi/v1/klines", "/fapi/v1/markPriceKlines":
		return klinesWeight(limitParam(params, 500))
	}

	if w, ok := symbolScopedWeights[key]; ok {
		if params.Get("symbol") == "" {
			return w.all
		}
		return w.single
	}

	if w, ok := fixedWeights[key]; ok {
		return w
	}

	log.Printf("weights: unknown endpoint %s, assuming weight 1", key)
	return 1
}

// depthWeight follows the documented bands. The published tables disagree at
// the exact boundaries, so boundary limits take the more expensive band.
func depthWeight(limit int) int {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

func klinesWeight(limit int) int {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func limitParam(params url.Values, def int) int {
	v := params.Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// OrderWeight reports whether a request consumes the order-count quota in
// addition to request weight.
func OrderWeight(path, method string) bool {
	switch method + " " + path {
	case "POST /fapi/v1/order", "POST /fapi/v1/batchOrders":
		return true
	}
	return false
}
