package storage

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Summarize totals records; a zero pnl counts as a loss.
func Summarize(records []PnLRecord) PnLSummary {
	out := PnLSummary{TotalPnL: decimal.Zero, WinRate: decimal.Zero}
	for _, r := range records {
		out.TotalPnL = out.TotalPnL.Add(r.PnL)
		out.TradeCount++
		if r.PnL.IsPositive() {
			out.WinCount++
		} else {
			out.LossCount++
		}
	}
	if out.TradeCount > 0 {
		out.WinRate = decimal.NewFromInt(int64(out.WinCount)).
			Div(decimal.NewFromInt(int64(out.TradeCount))).
			Mul(decimal.NewFromInt(100)).
			Round(1)
	}
	return out
}

// SummarizeByTicker groups records per instrument, best total first.
func SummarizeByTicker(records []PnLRecord) []TickerSummary {
	index := make(map[string]int)
	var out []TickerSummary
	rateSums := make([]decimal.Decimal, 0)
	for _, r := range records {
		i, ok := index[r.InstrumentID]
		if !ok {
			i = len(out)
			index[r.InstrumentID] = i
			out = append(out, TickerSummary{
				InstrumentID: r.InstrumentID,
				Name:         r.Name,
				Currency:     r.Currency,
				TotalPnL:     decimal.Zero,
			})
			rateSums = append(rateSums, decimal.Zero)
		}
		out[i].TradeCount++
		out[i].TotalPnL = out[i].TotalPnL.Add(r.PnL)
		rateSums[i] = rateSums[i].Add(r.PnLRate)
	}
	for i := range out {
		out[i].AvgPnLRate = rateSums[i].Div(decimal.NewFromInt(int64(out[i].TradeCount))).Round(2)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].TotalPnL.GreaterThan(out[b].TotalPnL)
	})
	return out
}
