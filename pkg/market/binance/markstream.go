package market

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// PriceTick is one mark-price update from the aggregate stream.
type PriceTick struct {
	Symbol    string
	MarkPrice float64
	EventTime int64
}

const (
	maxReconnectDelay = 60 * time.Second
	pingInterval      = 5 * time.Minute
)

// MarkStream maintains one persistent connection to the aggregate mark-price
// feed (!markPrice@arr). Every received update is dispatched synchronously to
// the handler, so ticks for a symbol are handled in receipt order.
type MarkStream struct {
	streamURL    string
	handler      func(PriceTick)
	initialDelay time.Duration
	dialer       *websocket.Dialer
}

// NewMarkStream builds the stream client; testnet toggles the host.
func NewMarkStream(testnet bool, initialDelay time.Duration, handler func(PriceTick)) *MarkStream {
	host := "fstream.binance.com"
	if testnet {
		host = "fstream.binancefuture.com"
	}
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/!markPrice@arr"}
	return &MarkStream{
		streamURL:    u.String(),
		handler:      handler,
		initialDelay: initialDelay,
		dialer:       websocket.DefaultDialer,
	}
}

// Run connects and keeps reconnecting until ctx is done. Backoff doubles from
// the initial delay up to 60s and resets after any successful connection.
func (s *MarkStream) Run(ctx context.Context) {
	delay := s.initialDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.streamURL, nil)
		if err != nil {
			log.Printf("mark stream: dial error: %v, retrying in %v", err, delay)
			if !sleep(ctx, delay) {
				return
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		log.Printf("mark stream: connected to %s", s.streamURL)
		delay = s.initialDelay
		s.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

// readLoop reads until the connection breaks. A keep-alive ping goes out
// periodically; malformed or irrelevant messages are skipped without tearing
// the connection down.
func (s *MarkStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)); err != nil {
					log.Printf("mark stream: ping error: %v", err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("mark stream: read error: %v", err)
			}
			return
		}
		for _, tick := range parseMarkPrices(msg) {
			s.handler(tick)
		}
	}
}

type markPriceEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// parseMarkPrices accepts both the array stream shape and a single-object
// payload. Anything else comes back empty.
func parseMarkPrices(msg []byte) []PriceTick {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil
	}

	var events []markPriceEvent
	if msg[0] == '[' {
		if err := json.Unmarshal(msg, &events); err != nil {
			log.Printf("mark stream: parse error: %v", err)
			return nil
		}
	} else {
		var one markPriceEvent
		if err := json.Unmarshal(msg, &one); err != nil {
			log.Printf("mark stream: parse error: %v", err)
			return nil
		}
		events = []markPriceEvent{one}
	}

	ticks := make([]PriceTick, 0, len(events))
	for _, e := range events {
		if e.Event != "markPriceUpdate" || e.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(e.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		ticks = append(ticks, PriceTick{Symbol: e.Symbol, MarkPrice: price, EventTime: e.EventTime})
	}
	return ticks
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
