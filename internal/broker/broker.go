package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

var (
	// ErrNotConfigured indicates no broker handles the requested market.
	ErrNotConfigured = errors.New("broker: market not configured")
)

// Holding is a read-only position snapshot.
type Holding struct {
	InstrumentID string
	Name         string
	Qty          int64
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	PnL          decimal.Decimal
	PnLRate      decimal.Decimal
	Market       market.Market
	Currency     string
	Exchange     string
}

// Summary aggregates account figures for one currency.
type Summary struct {
	Currency  string
	Cash      decimal.Decimal
	TotalEval decimal.Decimal
	TotalPnL  decimal.Decimal
}

// Balance is the account state for one or more markets.
type Balance struct {
	Holdings  []Holding
	Summaries map[string]Summary
}

// Cash returns the cash available in currency.
func (b Balance) Cash(currency string) decimal.Decimal {
	if s, ok := b.Summaries[currency]; ok {
		return s.Cash
	}
	return decimal.Zero
}

// Held returns the set of instrument ids with a positive quantity.
func (b Balance) Held() map[string]struct{} {
	held := make(map[string]struct{}, len(b.Holdings))
	for _, h := range b.Holdings {
		if h.Qty > 0 {
			held[h.InstrumentID] = struct{}{}
		}
	}
	return held
}

// OrderResult is the broker's answer to a single market order.
type OrderResult struct {
	InstrumentID string
	Name         string
	Success      bool
	Message      string
	OrderID      string
	Qty          int64
	Price        decimal.Decimal
	Market       market.Market
	Currency     string
}

// Broker is the brokerage surface the engine consumes.
type Broker interface {
	Balance(ctx context.Context, m market.Market) (Balance, error)
	Price(ctx context.Context, instrumentID string, m market.Market) (decimal.Decimal, error)
	Buy(ctx context.Context, instrumentID string, qty int64, m market.Market) (OrderResult, error)
	Sell(ctx context.Context, instrumentID string, qty int64, m market.Market) (OrderResult, error)
	IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error)
	IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error)
}

// APIError carries the upstream HTTP status and broker message.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d code %s: %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// StatusCode exposes the HTTP status for retry classification.
func (e *APIError) StatusCode() int {
	return e.Status
}
