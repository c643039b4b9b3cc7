package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

// AlpacaOptions configure the US equities adapter.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
}

type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetClock() (*alpaca.Clock, error)
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

type alpacaQuotes interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// Alpaca routes US orders and quotes through the Alpaca trading API.
type Alpaca struct {
	trade   alpacaTrading
	quotes  alpacaQuotes
	session market.Session
	logger  zerolog.Logger

	calendarMu sync.Mutex
	calendar   map[string]bool
}

// NewAlpaca constructs the adapter.
func NewAlpaca(opts AlpacaOptions, logger zerolog.Logger) *Alpaca {
	trade := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	quotes := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.DataURL,
	})
	return newAlpaca(trade, quotes, logger)
}

func newAlpaca(trade alpacaTrading, quotes alpacaQuotes, logger zerolog.Logger) *Alpaca {
	return &Alpaca{
		trade:    trade,
		quotes:   quotes,
		session:  market.DefaultSession(market.US),
		logger:   logger.With().Str("component", "alpaca").Logger(),
		calendar: make(map[string]bool),
	}
}

// Balance maps Alpaca positions and account cash to the USD summary.
func (a *Alpaca) Balance(ctx context.Context, m market.Market) (Balance, error) {
	if err := a.check(ctx, m); err != nil {
		return Balance{}, err
	}
	acct, err := a.trade.GetAccount()
	if err != nil {
		return Balance{}, fmt.Errorf("alpaca account: %w", err)
	}
	positions, err := a.trade.GetPositions()
	if err != nil {
		return Balance{}, fmt.Errorf("alpaca positions: %w", err)
	}

	bal := Balance{Summaries: map[string]Summary{}}
	totalPnL := decimal.Zero
	for _, p := range positions {
		qty := p.Qty.IntPart()
		if qty <= 0 {
			continue
		}
		h := Holding{
			InstrumentID: p.Symbol,
			Name:         p.Symbol,
			Qty:          qty,
			AvgPrice:     p.AvgEntryPrice,
			Market:       market.US,
			Currency:     "USD",
			Exchange:     p.Exchange,
		}
		if p.CurrentPrice != nil {
			h.CurrentPrice = *p.CurrentPrice
		}
		if p.UnrealizedPL != nil {
			h.PnL = *p.UnrealizedPL
		}
		if p.UnrealizedPLPC != nil {
			h.PnLRate = p.UnrealizedPLPC.Mul(decimal.NewFromInt(100)).Round(2)
		} else if p.AvgEntryPrice.IsPositive() && h.CurrentPrice.IsPositive() {
			h.PnLRate = h.CurrentPrice.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Mul(decimal.NewFromInt(100)).Round(2)
		}
		totalPnL = totalPnL.Add(h.PnL)
		bal.Holdings = append(bal.Holdings, h)
	}

	bal.Summaries["USD"] = Summary{
		Currency:  "USD",
		Cash:      acct.Cash,
		TotalEval: acct.Equity,
		TotalPnL:  totalPnL,
	}
	return bal, nil
}

// Price returns the latest trade price.
func (a *Alpaca) Price(ctx context.Context, id string, m market.Market) (decimal.Decimal, error) {
	if err := a.check(ctx, m); err != nil {
		return decimal.Zero, err
	}
	trade, err := a.quotes.GetLatestTrade(strings.ToUpper(id), marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca latest trade %s: %w", id, err)
	}
	if trade == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(trade.Price), nil
}

func (a *Alpaca) Buy(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	return a.order(ctx, "buy", id, qty, m)
}

func (a *Alpaca) Sell(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	return a.order(ctx, "sell", id, qty, m)
}

func (a *Alpaca) order(ctx context.Context, side, id string, qty int64, m market.Market) (OrderResult, error) {
	if err := a.check(ctx, m); err != nil {
		return OrderResult{}, err
	}
	if qty <= 0 {
		return OrderResult{}, fmt.Errorf("order quantity must be positive, got %d", qty)
	}
	symbol := strings.ToUpper(id)
	q := decimal.NewFromInt(qty)
	result := OrderResult{InstrumentID: symbol, Qty: qty, Market: market.US, Currency: "USD"}

	order, err := a.trade.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpaca.Side(side),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		// Rejections are reported as failed results, not transport errors.
		result.Message = err.Error()
		a.logger.Warn().Err(err).Str("side", side).Str("instrument", symbol).Msg("alpaca order rejected")
		return result, nil
	}
	result.Success = true
	result.OrderID = order.ID
	result.Message = order.Status
	a.logger.Info().Str("side", side).Str("instrument", symbol).Int64("qty", qty).Str("order_id", order.ID).Msg("alpaca order submitted")
	return result, nil
}

// IsMarketOpen reports whether day is a US trading day per the Alpaca calendar.
// Lookups are cached per date; a failed lookup is an error, never an assumed open day.
func (a *Alpaca) IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error) {
	if err := a.check(ctx, m); err != nil {
		return false, err
	}
	if !a.session.IsWeekday(day) {
		return false, nil
	}

	local := day.In(a.session.Location)
	key := local.Format(time.DateOnly)
	a.calendarMu.Lock()
	cached, ok := a.calendar[key]
	a.calendarMu.Unlock()
	if ok {
		return cached, nil
	}

	days, err := a.trade.GetCalendar(alpaca.GetCalendarRequest{Start: local, End: local})
	if err != nil {
		return false, fmt.Errorf("alpaca calendar %s: %w", key, err)
	}
	open := false
	for _, d := range days {
		if d.Date == key {
			open = true
			break
		}
	}
	a.calendarMu.Lock()
	a.calendar[key] = open
	a.calendarMu.Unlock()
	return open, nil
}

// IsMarketOpenNow asks the Alpaca clock.
func (a *Alpaca) IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error) {
	if err := a.check(ctx, m); err != nil {
		return false, err
	}
	clock, err := a.trade.GetClock()
	if err != nil {
		return false, fmt.Errorf("alpaca clock: %w", err)
	}
	return clock.IsOpen, nil
}

func (a *Alpaca) check(ctx context.Context, m market.Market) error {
	if m == market.KR {
		return fmt.Errorf("%w: alpaca serves US only", ErrNotConfigured)
	}
	return ctx.Err()
}

var _ Broker = (*Alpaca)(nil)
