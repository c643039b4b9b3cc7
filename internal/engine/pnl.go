package engine

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// RealizedPnL returns (sell-avg)*qty and the percentage move rounded to 2 places.
// The rate is zero when the average price is unknown.
func RealizedPnL(avg, sell decimal.Decimal, qty int64) (pnl, rate decimal.Decimal) {
	diff := sell.Sub(avg)
	pnl = diff.Mul(decimal.NewFromInt(qty))
	if !avg.IsPositive() {
		return pnl, decimal.Zero
	}
	return pnl, diff.Div(avg).Mul(hundred).Round(2)
}
