package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/market"
)

// ErrNoCash is returned when there is nothing to allocate.
var ErrNoCash = errors.New("engine: no cash available")

// Allocation failure messages.
const (
	MsgPriceUnavailable   = "price unavailable"
	MsgBudgetInsufficient = "budget insufficient"
	MsgBalanceExhausted   = "insufficient remaining balance"
)

// Allocator splits cash equally over buy targets and places market buys.
type Allocator struct {
	broker broker.Broker
	logger zerolog.Logger
}

// NewAllocator constructs an allocator over b.
func NewAllocator(b broker.Broker, logger zerolog.Logger) *Allocator {
	return &Allocator{broker: b, logger: logger.With().Str("component", "allocator").Logger()}
}

// Allocate places one order per target in order. Every target yields a
// result; the sum of successful amounts never exceeds cash.
func (a *Allocator) Allocate(ctx context.Context, targets []BuyTarget, cash decimal.Decimal) ([]broker.OrderResult, error) {
	if !cash.IsPositive() {
		return nil, ErrNoCash
	}
	if len(targets) == 0 {
		return nil, nil
	}

	budget := cash.Div(decimal.NewFromInt(int64(len(targets)))).Floor()
	spent := decimal.Zero
	results := make([]broker.OrderResult, 0, len(targets))

	for _, t := range targets {
		m := t.Market
		if m == "" {
			m = market.Detect(t.InstrumentID)
		}
		currency := t.Currency
		if currency == "" {
			currency = m.Currency()
		}
		res := broker.OrderResult{InstrumentID: t.InstrumentID, Name: t.Name, Market: m, Currency: currency}

		price, err := a.broker.Price(ctx, t.InstrumentID, m)
		if err != nil {
			a.logger.Warn().Err(err).Str("instrument", t.InstrumentID).Msg("price refresh failed, using reference price")
			price = t.ReferencePrice
		}
		if !price.IsPositive() {
			res.Message = MsgPriceUnavailable
			results = append(results, res)
			continue
		}
		res.Price = price

		qty := budget.Div(price).Floor().IntPart()
		if qty <= 0 {
			res.Message = fmt.Sprintf("%s (%s)", MsgBudgetInsufficient, budget.String())
			results = append(results, res)
			continue
		}

		remaining := cash
		if bal, err := a.broker.Balance(ctx, m); err == nil {
			remaining = bal.Cash(currency)
		} else {
			a.logger.Warn().Err(err).Str("instrument", t.InstrumentID).Msg("balance refresh failed, using initial cash")
		}
		limit := decimal.Min(remaining, cash.Sub(spent))
		if price.Mul(decimal.NewFromInt(qty)).GreaterThan(limit) {
			qty = limit.Div(price).Floor().IntPart()
			if qty <= 0 {
				res.Message = MsgBalanceExhausted
				results = append(results, res)
				continue
			}
		}
		res.Qty = qty

		order, err := a.broker.Buy(ctx, t.InstrumentID, qty, m)
		if err != nil {
			res.Message = err.Error()
			a.logger.Error().Err(err).Str("event", "BUY_ERROR").Str("instrument", t.InstrumentID).Msg("buy failed")
			results = append(results, res)
			continue
		}
		res.Success = order.Success
		res.Message = order.Message
		res.OrderID = order.OrderID
		if res.Success {
			spent = spent.Add(price.Mul(decimal.NewFromInt(qty)))
		}
		a.logger.Info().Str("event", "BUY").Str("instrument", t.InstrumentID).Int64("qty", qty).
			Str("price", price.String()).Bool("success", res.Success).Msg(res.Message)
		results = append(results, res)
	}
	return results, nil
}

// Invested sums the amounts of successful orders.
func Invested(results []broker.OrderResult) decimal.Decimal {
	total := decimal.Zero
	for _, r := range results {
		if r.Success {
			total = total.Add(r.Price.Mul(decimal.NewFromInt(r.Qty)))
		}
	}
	return total
}
