package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an executed order.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is one executed order, append-only.
type Trade struct {
	ID           int64
	InstrumentID string
	Name         string
	Side         string
	Qty          int64
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Market       string
	Currency     string
	OrderID      string
	Reason       string
	CreatedAt    time.Time
}

// PnLRecord captures a realised round trip.
type PnLRecord struct {
	ID           int64
	InstrumentID string
	Name         string
	BuyPrice     decimal.Decimal
	SellPrice    decimal.Decimal
	Qty          int64
	PnL          decimal.Decimal
	PnLRate      decimal.Decimal
	Market       string
	Currency     string
	CreatedAt    time.Time
}

// DailyAction marks a once-per-day action as completed.
type DailyAction struct {
	Date        string
	Action      string
	CompletedAt time.Time
	Details     string
}

// PnLSummary aggregates realised results.
type PnLSummary struct {
	TotalPnL   decimal.Decimal
	TradeCount int
	WinCount   int
	LossCount  int
	WinRate    decimal.Decimal
}

// TickerSummary aggregates realised results per instrument.
type TickerSummary struct {
	InstrumentID string
	Name         string
	Currency     string
	TradeCount   int
	TotalPnL     decimal.Decimal
	AvgPnLRate   decimal.Decimal
}
