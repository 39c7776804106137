package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxBatchOrders is the exchange limit on /fapi/v1/batchOrders.
const MaxBatchOrders = 5

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is the authenticated request sender. Every request consults the
// governor before hitting the wire and reports headers and status back to it
// afterwards, so no call path can bypass admission control.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	gov        *Governor
}

// NewClient builds a futures client around an explicitly injected governor.
func NewClient(cfg Config, gov *Governor) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		gov:        gov,
	}
}

// do sends one request through the governor. Admission denials are waited out
// using the governor's retry hint, bounded by ctx; nothing is recorded for a
// request that was never sent.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, p Priority, signed bool) ([]byte, error) {
	weight := Weight(path, method, params)
	isOrder := OrderWeight(path, method)

	for {
		d := c.gov.Admit(weight, p)
		if d.Allowed && isOrder {
			d = c.gov.AdmitOrder(p)
		}
		if d.Allowed {
			break
		}
		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	// The request consumed quota whatever the status was.
	c.gov.Record(weight)
	if isOrder {
		c.gov.RecordOrder()
	}
	c.gov.ObserveHeaders(res.Header)
	c.gov.ObserveResponse(res.StatusCode)

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

// GetServerTime fetches the futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", url.Values{}, PriorityLow, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// GetExchangeInfo returns per-symbol precision specs.
func (c *Client) GetExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, PriorityLow, false)
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	out := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		out[s.Symbol] = s
	}
	return out, nil
}

// GetPositionRisk returns the live position snapshot; symbol optional.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, PriorityCritical, true)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// PlaceOrder submits one order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest, p Priority) (OrderResult, error) {
	params, err := encodeOrder(req)
	if err != nil {
		return OrderResult{}, err
	}
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, p, true)
	if err != nil {
		return OrderResult{}, err
	}
	var res OrderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return res, nil
}

// PlaceBatchOrders submits up to MaxBatchOrders orders in one call. Extra
// orders are truncated with a warning, never silently dropped.
func (c *Client) PlaceBatchOrders(ctx context.Context, reqs []OrderRequest, p Priority) ([]BatchOrderResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > MaxBatchOrders {
		log.Printf("client: batch of %d orders truncated to %d", len(reqs), MaxBatchOrders)
		reqs = reqs[:MaxBatchOrders]
	}

	batch := make([]map[string]string, 0, len(reqs))
	for _, r := range reqs {
		params, err := encodeOrder(r)
		if err != nil {
			return nil, err
		}
		m := make(map[string]string, len(params))
		for k := range params {
			m[k] = params.Get(k)
		}
		batch = append(batch, m)
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("batchOrders", string(raw))
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/batchOrders", params, p, true)
	if err != nil {
		return nil, err
	}
	var results []BatchOrderResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode batch orders: %w", err)
	}
	return results, nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, PriorityCritical, true)
	return err
}

// GetOpenOrders returns open orders; symbol optional (omitting it is 40x the
// weight, see the weight table).
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, PriorityNormal, true)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, PriorityLow, true)
	return err
}

// CreateListenKey opens a user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, PriorityNormal, false)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, PriorityNormal, false)
	return err
}

// encodeOrder validates and encodes an order. The positionSide/reduceOnly
// exclusivity is enforced here as a last line of defense: the exchange
// rejects reduceOnly in hedge mode.
func encodeOrder(req OrderRequest) (url.Values, error) {
	if req.PositionSide != "" && req.ReduceOnly {
		return nil, errors.New("positionSide and reduceOnly are mutually exclusive")
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", strings.ToUpper(req.Type))
	if req.Qty > 0 {
		params.Set("quantity", formatFloat(req.Qty))
	}
	if req.Price > 0 {
		params.Set("price", formatFloat(req.Price))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.WorkingType != "" {
		params.Set("workingType", req.WorkingType)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	return params, nil
}
