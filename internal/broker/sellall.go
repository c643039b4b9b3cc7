package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

// SellResult extends an order result with the cost basis of the closed lot.
type SellResult struct {
	OrderResult
	AvgPrice  decimal.Decimal
	SellPrice decimal.Decimal
	Exchange  string
}

// SellAll closes every holding of m with market orders, pausing between orders.
// Each holding yields one result; broker errors become failed results.
func SellAll(ctx context.Context, b Broker, m market.Market, pause time.Duration) ([]SellResult, error) {
	bal, err := b.Balance(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	results := make([]SellResult, 0, len(bal.Holdings))
	submitted := 0
	for _, h := range bal.Holdings {
		if h.Qty <= 0 {
			continue
		}
		if submitted > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(pause):
			}
		}

		mk := h.Market
		if mk == "" {
			mk = market.Detect(h.InstrumentID)
		}
		res := SellResult{
			OrderResult: OrderResult{
				InstrumentID: h.InstrumentID,
				Name:         h.Name,
				Qty:          h.Qty,
				Market:       mk,
				Currency:     mk.Currency(),
			},
			AvgPrice: h.AvgPrice,
			Exchange: h.Exchange,
		}
		if h.Currency != "" {
			res.Currency = h.Currency
		}

		order, err := b.Sell(ctx, h.InstrumentID, h.Qty, mk)
		submitted++
		if err != nil {
			res.Message = err.Error()
			results = append(results, res)
			continue
		}
		res.Success = order.Success
		res.Message = order.Message
		res.OrderID = order.OrderID

		price, err := b.Price(ctx, h.InstrumentID, mk)
		if err != nil || !price.IsPositive() {
			price = h.CurrentPrice
		}
		res.SellPrice = price
		res.Price = price
		results = append(results, res)
	}
	return results, nil
}
