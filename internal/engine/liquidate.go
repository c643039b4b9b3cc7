package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/market"
)

// LiquidationReport summarises an end-of-day close.
type LiquidationReport struct {
	Results   []broker.SellResult
	Retried   []broker.SellResult
	TotalPnL  decimal.Decimal
	Invested  decimal.Decimal
	Recovered decimal.Decimal
}

// Failed counts holdings still open after the retry pass.
func (r LiquidationReport) Failed() int {
	n := 0
	for _, res := range r.Retried {
		if !res.Success {
			n++
		}
	}
	return n
}

// Liquidator closes every position of a market, retrying failures once.
type Liquidator struct {
	broker     broker.Broker
	ledger     *Ledger
	pause      time.Duration
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

// NewLiquidator constructs a liquidator. pause separates orders; retryDelay precedes the retry pass.
func NewLiquidator(b broker.Broker, ledger *Ledger, pause, retryDelay time.Duration, logger zerolog.Logger) *Liquidator {
	return &Liquidator{
		broker:     b,
		ledger:     ledger,
		pause:      pause,
		retryDelay: retryDelay,
		sleep:      sleepCtx,
		logger:     logger.With().Str("component", "liquidator").Logger(),
	}
}

// Liquidate sells all holdings of m at market and records each fill.
func (l *Liquidator) Liquidate(ctx context.Context, m market.Market) (LiquidationReport, error) {
	report := LiquidationReport{TotalPnL: decimal.Zero, Invested: decimal.Zero, Recovered: decimal.Zero}

	results, err := broker.SellAll(ctx, l.broker, m, l.pause)
	report.Results = results
	if err != nil {
		return report, err
	}

	var failed []broker.SellResult
	for _, sr := range results {
		if !sr.Success {
			l.logger.Warn().Str("event", "AUTO_SELL_FAIL").Str("instrument", sr.InstrumentID).Msg(sr.Message)
			failed = append(failed, sr)
			continue
		}
		l.settle(ctx, &report, sr, "day-trade auto sell")
	}

	if len(failed) == 0 {
		return report, nil
	}
	l.logger.Info().Int("failed", len(failed)).Dur("delay", l.retryDelay).Msg("retrying failed sells")
	if err := l.sleep(ctx, l.retryDelay); err != nil {
		return report, err
	}

	for _, sr := range failed {
		retry := sr
		order, err := l.broker.Sell(ctx, sr.InstrumentID, sr.Qty, sr.Market)
		switch {
		case err != nil:
			retry.Message = err.Error()
		case !order.Success:
			retry.Message = order.Message
		default:
			retry.Success = true
			retry.Message = order.Message
			retry.OrderID = order.OrderID
			price, err := l.broker.Price(ctx, sr.InstrumentID, sr.Market)
			if err != nil {
				price = decimal.Zero
			}
			retry.SellPrice = price
			retry.Price = price
			l.settle(ctx, &report, retry, "day-trade retry sell")
		}
		report.Retried = append(report.Retried, retry)
	}
	return report, nil
}

func (l *Liquidator) settle(ctx context.Context, report *LiquidationReport, sr broker.SellResult, reason string) {
	fill := Fill{
		InstrumentID: sr.InstrumentID,
		Name:         sr.Name,
		Qty:          sr.Qty,
		Price:        sr.SellPrice,
		Market:       sr.Market,
		Currency:     sr.Currency,
		OrderID:      sr.OrderID,
		Reason:       reason,
	}
	if err := l.ledger.RecordSell(ctx, fill, sr.AvgPrice); err != nil {
		l.logger.Error().Err(err).Str("instrument", sr.InstrumentID).Msg("record sell failed")
	}
	qty := decimal.NewFromInt(sr.Qty)
	pnl, _ := RealizedPnL(sr.AvgPrice, sr.SellPrice, sr.Qty)
	report.TotalPnL = report.TotalPnL.Add(pnl)
	report.Invested = report.Invested.Add(sr.AvgPrice.Mul(qty))
	report.Recovered = report.Recovered.Add(sr.SellPrice.Mul(qty))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
