package db

import "time"

// Trade statuses persisted alongside the exchange-reported ones.
const (
	StatusFilled        = "FILLED"
	StatusClosed        = "CLOSED"
	StatusClosedPhantom = "CLOSED_PHANTOM" // tracked locally, absent on the exchange
)

// Trade is one persisted fill or closure row.
type Trade struct {
	ID            string
	Symbol        string
	OrderID       int64
	ParentOrderID int64 // entry order this closure belongs to, 0 for entries
	Side          string
	PositionSide  string
	Qty           float64
	Price         float64
	Status        string
	OrderType     string
	TrancheID     int
	TPOrderID     int64
	SLOrderID     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TrancheGroup is one row of the recovery query: the surviving net quantity
// and average entry of a persisted tranche.
type TrancheGroup struct {
	Symbol       string
	PositionSide string
	TrancheID    int
	NetQty       float64
	AvgPrice     float64
	TPOrderID    int64
	SLOrderID    int64
}
