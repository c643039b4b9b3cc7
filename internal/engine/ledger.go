package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
	"kis-daytrader/internal/storage"
)

// Daily action names; each is suffixed with the market.
const (
	ActionMorningBuy    = "morning_buy"
	ActionAfternoonSell = "afternoon_sell"
	actionExit          = "stop_loss"
)

// ActionKey scopes action to one market.
func ActionKey(action string, m market.Market) string {
	return fmt.Sprintf("%s_%s", action, m)
}

// ExitKey is the once-per-day guard for a stop-loss or take-profit exit.
func ExitKey(m market.Market, instrumentID string) string {
	return fmt.Sprintf("%s_%s_%s", actionExit, m, instrumentID)
}

// Store is everything the engine persists.
type Store interface {
	storage.TradeStore
	storage.PnLStore
	storage.DailyStateStore
}

// Ledger resolves "today" per market and records trades and round trips.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewLedger wraps store.
func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Today is the calendar date of m's exchange.
func (l *Ledger) Today(m market.Market) string {
	return market.DateKey(l.now(), market.DefaultSession(m).Location)
}

// IsDone reports whether key was completed today on m's calendar.
func (l *Ledger) IsDone(ctx context.Context, key string, m market.Market) (bool, error) {
	return l.store.IsActionDone(ctx, l.Today(m), key)
}

// MarkDone records key for today; false means it was already recorded.
func (l *Ledger) MarkDone(ctx context.Context, key, details string, m market.Market) (bool, error) {
	inserted, err := l.store.MarkActionDone(ctx, l.Today(m), key, details)
	if err != nil {
		return false, err
	}
	l.logger.Info().Str("event", "ACTION_DONE").Str("action", key).Bool("inserted", inserted).Msg(details)
	return inserted, nil
}

// State lists today's completed actions for m.
func (l *Ledger) State(ctx context.Context, m market.Market) ([]storage.DailyAction, error) {
	return l.store.DailyState(ctx, l.Today(m))
}

// Fill describes one executed order to record.
type Fill struct {
	InstrumentID string
	Name         string
	Qty          int64
	Price        decimal.Decimal
	Market       market.Market
	Currency     string
	OrderID      string
	Reason       string
}

func (l *Ledger) trade(f Fill, side string) storage.Trade {
	return storage.Trade{
		InstrumentID: f.InstrumentID,
		Name:         f.Name,
		Side:         side,
		Qty:          f.Qty,
		Price:        f.Price,
		Amount:       f.Price.Mul(decimal.NewFromInt(f.Qty)),
		Market:       string(f.Market),
		Currency:     f.Currency,
		OrderID:      f.OrderID,
		Reason:       f.Reason,
		CreatedAt:    l.now(),
	}
}

// RecordBuy appends a buy trade.
func (l *Ledger) RecordBuy(ctx context.Context, f Fill) error {
	return l.store.RecordTrade(ctx, l.trade(f, storage.SideBuy))
}

// RecordSell appends a sell trade and, when both prices are known, its round trip.
func (l *Ledger) RecordSell(ctx context.Context, f Fill, avgPrice decimal.Decimal) error {
	if err := l.store.RecordTrade(ctx, l.trade(f, storage.SideSell)); err != nil {
		return err
	}
	if !avgPrice.IsPositive() || !f.Price.IsPositive() {
		return nil
	}
	pnl, rate := RealizedPnL(avgPrice, f.Price, f.Qty)
	return l.store.RecordPnL(ctx, storage.PnLRecord{
		InstrumentID: f.InstrumentID,
		Name:         f.Name,
		BuyPrice:     avgPrice,
		SellPrice:    f.Price,
		Qty:          f.Qty,
		PnL:          pnl,
		PnLRate:      rate,
		Market:       string(f.Market),
		Currency:     f.Currency,
		CreatedAt:    l.now(),
	})
}
