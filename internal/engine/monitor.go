package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/market"
)

// ExitKind distinguishes the two automatic exits.
type ExitKind string

const (
	StopLoss   ExitKind = "stop_loss"
	TakeProfit ExitKind = "take_profit"
)

// Thresholds are percentage levels; StopLossPct is negative.
type Thresholds struct {
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Classify returns the exit triggered by rate, if any. Stop loss wins.
func (t Thresholds) Classify(rate decimal.Decimal) (ExitKind, bool) {
	if rate.LessThanOrEqual(t.StopLossPct) {
		return StopLoss, true
	}
	if rate.GreaterThanOrEqual(t.TakeProfitPct) {
		return TakeProfit, true
	}
	return "", false
}

// ExitResult reports one attempted automatic exit.
type ExitResult struct {
	Holding   broker.Holding
	Kind      ExitKind
	Success   bool
	Message   string
	OrderID   string
	SellPrice decimal.Decimal
}

// Monitor scans holdings for stop-loss and take-profit exits.
type Monitor struct {
	broker     broker.Broker
	ledger     *Ledger
	markets    []market.Market
	thresholds map[market.Market]Thresholds
	logger     zerolog.Logger
}

// NewMonitor watches the given markets with per-market thresholds.
func NewMonitor(b broker.Broker, ledger *Ledger, thresholds map[market.Market]Thresholds, logger zerolog.Logger) *Monitor {
	markets := make([]market.Market, 0, len(thresholds))
	for _, m := range []market.Market{market.KR, market.US} {
		if _, ok := thresholds[m]; ok {
			markets = append(markets, m)
		}
	}
	return &Monitor{
		broker:     b,
		ledger:     ledger,
		markets:    markets,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "monitor").Logger(),
	}
}

// Scan checks every in-session market once. Each instrument exits at most once per day.
func (mon *Monitor) Scan(ctx context.Context) ([]ExitResult, error) {
	var results []ExitResult
	for _, m := range mon.markets {
		open, err := mon.broker.IsMarketOpenNow(ctx, m)
		if err != nil {
			mon.logger.Warn().Err(err).Str("market", string(m)).Msg("session check failed")
			continue
		}
		if !open {
			continue
		}
		bal, err := mon.broker.Balance(ctx, m)
		if err != nil {
			mon.logger.Error().Err(err).Str("market", string(m)).Msg("balance unavailable, skipping scan")
			continue
		}
		if len(bal.Holdings) > 0 {
			mon.logger.Info().Str("event", "MONITOR_SCAN").Str("market", string(m)).Int("holdings", len(bal.Holdings)).Msg("scanning holdings")
		}
		for _, h := range bal.Holdings {
			if h.Qty <= 0 {
				continue
			}
			res, triggered := mon.check(ctx, m, h)
			if triggered {
				results = append(results, res)
			}
		}
	}
	return results, ctx.Err()
}

func (mon *Monitor) check(ctx context.Context, m market.Market, h broker.Holding) (ExitResult, bool) {
	kind, ok := mon.thresholds[m].Classify(h.PnLRate)
	if !ok {
		return ExitResult{}, false
	}
	key := ExitKey(m, h.InstrumentID)
	done, err := mon.ledger.IsDone(ctx, key, m)
	if err != nil {
		mon.logger.Error().Err(err).Str("instrument", h.InstrumentID).Msg("ledger check failed, skipping")
		return ExitResult{}, false
	}
	if done {
		mon.logger.Info().Str("event", "MONITOR_SKIP_DONE").Str("instrument", h.InstrumentID).Msg("already exited today")
		return ExitResult{}, false
	}

	res := ExitResult{Holding: h, Kind: kind}
	order, err := mon.broker.Sell(ctx, h.InstrumentID, h.Qty, m)
	if err != nil {
		res.Message = err.Error()
		mon.logger.Error().Err(err).Str("event", "MONITOR_SELL_ERROR").Str("instrument", h.InstrumentID).Msg("exit order failed")
		return res, true
	}
	if !order.Success {
		res.Message = order.Message
		mon.logger.Warn().Str("event", "MONITOR_SELL_FAIL").Str("instrument", h.InstrumentID).Msg(order.Message)
		return res, true
	}
	res.Success = true
	res.OrderID = order.OrderID

	rateText := fmt.Sprintf("%+.1f%%", h.PnLRate.InexactFloat64())
	if _, err := mon.ledger.MarkDone(ctx, key, rateText, m); err != nil {
		mon.logger.Error().Err(err).Str("instrument", h.InstrumentID).Msg("mark exit failed")
	}

	price, err := mon.broker.Price(ctx, h.InstrumentID, m)
	if err != nil || !price.IsPositive() {
		price = h.CurrentPrice
	}
	res.SellPrice = price

	currency := h.Currency
	if currency == "" {
		currency = m.Currency()
	}
	fill := Fill{
		InstrumentID: h.InstrumentID,
		Name:         h.Name,
		Qty:          h.Qty,
		Price:        price,
		Market:       m,
		Currency:     currency,
		OrderID:      order.OrderID,
		Reason:       fmt.Sprintf("stop-loss/take-profit auto sell (%s)", rateText),
	}
	if err := mon.ledger.RecordSell(ctx, fill, h.AvgPrice); err != nil {
		mon.logger.Error().Err(err).Str("instrument", h.InstrumentID).Msg("record exit failed")
	}
	mon.logger.Info().Str("event", "MONITOR_SELL_DONE").Str("instrument", h.InstrumentID).
		Str("kind", string(kind)).Int64("qty", h.Qty).Str("rate", h.PnLRate.StringFixed(2)).Msg("exit executed")
	return res, true
}
