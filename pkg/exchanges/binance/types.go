package binance

import "strconv"

// OrderRequest describes one order to place. PositionSide and ReduceOnly are
// mutually exclusive on futures: hedge-mode accounts tag the side and must
// not send reduceOnly, one-way accounts do the opposite.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET, LIMIT, TAKE_PROFIT_MARKET, STOP_MARKET
	Qty           float64
	Price         float64
	StopPrice     float64
	TimeInForce   string
	ReduceOnly    bool
	PositionSide  string // LONG/SHORT, hedge mode only
	WorkingType   string // MARK_PRICE or CONTRACT_PRICE
	ClientOrderID string
}

// OrderResult is the subset of the order response the monitor keeps.
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

// BatchOrderResult is one element of a batch response; failed entries carry
// code/msg instead of an order id.
type BatchOrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
}

// PositionRisk mirrors /fapi/v2/positionRisk rows.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// Amt returns the signed position quantity as a float.
func (p PositionRisk) Amt() float64 {
	f, _ := strconv.ParseFloat(p.PositionAmt, 64)
	return f
}

// Entry returns the entry price as a float.
func (p PositionRisk) Entry() float64 {
	f, _ := strconv.ParseFloat(p.EntryPrice, 64)
	return f
}

// Mark returns the mark price as a float.
func (p PositionRisk) Mark() float64 {
	f, _ := strconv.ParseFloat(p.MarkPrice, 64)
	return f
}

// OpenOrder mirrors /fapi/v1/openOrders rows.
type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
}

// SymbolInfo is the slice of exchangeInfo the bot needs for order rounding.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

type exchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}
