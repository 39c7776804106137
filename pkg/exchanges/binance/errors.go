package binance

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Exchange error codes the monitor branches on.
const (
	codeUnknownOrder       = -2011 // cancel/query target no longer exists
	codeInsufficientMargin = -2019
	codeReduceOnlyRejected = -2022 // position already gone
)

// APIError is a decoded Binance error body ({"code":..,"msg":..}).
type APIError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Status int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code %d: %s (http %d)", e.Code, e.Msg, e.Status)
}

// parseAPIError extracts a typed error from a non-2xx response body. Bodies
// that are not the standard error shape come back as a plain error.
func parseAPIError(status int, body []byte) error {
	var e APIError
	if err := json.Unmarshal(body, &e); err == nil && e.Code != 0 {
		e.Status = status
		return &e
	}
	return fmt.Errorf("binance: http %d: %s", status, string(body))
}

// IsPositionGone reports whether an order failure means the position the
// order targeted no longer exists (already closed by TP/SL or liquidation).
func IsPositionGone(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.Code == codeReduceOnlyRejected || e.Code == codeUnknownOrder
	}
	return false
}

// IsUnknownOrder reports a cancel that targeted an already-gone order.
// Treated as success on the cancel path.
func IsUnknownOrder(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.Code == codeUnknownOrder
	}
	return false
}

// IsInsufficientMargin reports a transient margin rejection; the position
// still exists and the order may succeed on a later attempt.
func IsInsufficientMargin(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.Code == codeInsufficientMargin
	}
	return false
}
