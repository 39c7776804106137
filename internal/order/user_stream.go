package order

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"liqcore/internal/monitor"
)

// streamClient is the listen-key slice of the futures client.
type streamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

const (
	keepAliveInterval = 30 * time.Minute
	maxStreamBackoff  = 60 * time.Second
)

// UserStream listens to the USDT-M futures user-data stream and routes order
// executions into typed channels: entry fills to the fill channel, TP/SL fills
// to the exit channel.
type UserStream struct {
	client  streamClient
	testnet bool
	fills   chan<- monitor.FillEvent
	exits   chan<- monitor.ExitFill
	dialer  *websocket.Dialer
}

func NewUserStream(client streamClient, testnet bool, fills chan<- monitor.FillEvent, exits chan<- monitor.ExitFill) *UserStream {
	return &UserStream{
		client:  client,
		testnet: testnet,
		fills:   fills,
		exits:   exits,
		dialer:  websocket.DefaultDialer,
	}
}

// Run keeps one connection to the user-data stream alive until ctx is done.
// Listen keys expire server-side after 60 minutes without a keepalive, so each
// (re)connection creates a fresh key and pings it every 30 minutes.
func (s *UserStream) Run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		listenKey, err := s.client.CreateListenKey(ctx)
		if err != nil {
			log.Printf("user stream: create listen key: %v, retrying in %v", err, delay)
			if !sleep(ctx, delay) {
				return
			}
			delay = bump(delay)
			continue
		}

		conn, _, err := s.dialer.DialContext(ctx, s.streamURL(listenKey), nil)
		if err != nil {
			log.Printf("user stream: dial: %v, retrying in %v", err, delay)
			if !sleep(ctx, delay) {
				return
			}
			delay = bump(delay)
			continue
		}

		log.Printf("user stream: connected (testnet=%v)", s.testnet)
		delay = time.Second
		s.readLoop(ctx, conn, listenKey)
		_ = conn.Close()
	}
}

func (s *UserStream) streamURL(listenKey string) string {
	host := "fstream.binance.com"
	if s.testnet {
		host = "fstream.binancefuture.com"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

func (s *UserStream) readLoop(ctx context.Context, conn *websocket.Conn, listenKey string) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Printf("user stream: keepalive: %v", err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("user stream: read: %v", err)
			}
			return
		}
		s.handleMessage(msg)
	}
}

// handleMessage decodes the event envelope. The e field is probed through a
// RawMessage first; some events carry non-string payloads there.
func (s *UserStream) handleMessage(msg []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("user stream: parse: %v", err)
		return
	}

	v, ok := raw["e"]
	if !ok {
		return
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil {
		return
	}

	switch eventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderTradeUpdate(msg)
	case "listenKeyExpired":
		log.Println("user stream: listen key expired, reconnecting")
	default:
		// ACCOUNT_UPDATE and the rest are not needed here.
	}
}

type orderTradeUpdate struct {
	Data struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		PositionSide  string `json:"ps"`
		OrderType     string `json:"o"`
		Status        string `json:"X"`
		ExecutionType string `json:"x"`
		OrderID       int64  `json:"i"`
		AvgPrice      string `json:"ap"`
		LastPrice     string `json:"L"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		CumQuote      string `json:"Z"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
}

// handleOrderTradeUpdate routes a trade execution. Reducing orders (TP/SL legs
// and anything reduce-only) become exit fills once fully filled; everything
// else is an entry fill for its executed quantity.
func (s *UserStream) handleOrderTradeUpdate(msg []byte) {
	var wrap orderTradeUpdate
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("user stream: order update parse: %v", err)
		return
	}
	d := wrap.Data

	if strings.ToUpper(d.ExecutionType) != "TRADE" {
		return
	}

	if isReducing(d.OrderType, d.ReduceOnly) {
		if strings.ToUpper(d.Status) != "FILLED" {
			return
		}
		select {
		case s.exits <- monitor.ExitFill{Symbol: d.Symbol, OrderID: d.OrderID}:
		default:
			log.Printf("user stream: exit channel full, dropping fill for order %d", d.OrderID)
		}
		return
	}

	qty := toFloat(d.LastQty)
	price := toFloat(d.LastPrice)
	if price == 0 {
		if cumQty := toFloat(d.CumQty); cumQty > 0 {
			price = toFloat(d.CumQuote) / cumQty
		}
	}
	if qty <= 0 || price <= 0 {
		return
	}

	select {
	case s.fills <- monitor.FillEvent{
		Symbol:       d.Symbol,
		Side:         d.Side,
		PositionSide: d.PositionSide,
		Qty:          qty,
		Price:        price,
		OrderID:      d.OrderID,
	}:
	default:
		log.Printf("user stream: fill channel full, dropping fill for order %d", d.OrderID)
	}
}

func isReducing(orderType string, reduceOnly bool) bool {
	switch strings.ToUpper(orderType) {
	case "TAKE_PROFIT_MARKET", "STOP_MARKET", "TAKE_PROFIT", "STOP":
		return true
	}
	return reduceOnly
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func bump(d time.Duration) time.Duration {
	d *= 2
	if d > maxStreamBackoff {
		d = maxStreamBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
