package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/storage"
)

type fakeBroker struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	holdings  []broker.Holding
	closed    bool
	failSells map[string]int
	buys      []string
	sells     []string
	balErr    error
}

func (f *fakeBroker) Balance(ctx context.Context, m market.Market) (broker.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return broker.Balance{}, f.balErr
	}
	cur := m.Currency()
	return broker.Balance{
		Holdings:  append([]broker.Holding(nil), f.holdings...),
		Summaries: map[string]broker.Summary{cur: {Currency: cur, Cash: f.cash}},
	}, nil
}

func (f *fakeBroker) Price(ctx context.Context, id string, m market.Market) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[id]
	if !ok {
		return decimal.Zero, errors.New("no quote")
	}
	return p, nil
}

func (f *fakeBroker) Buy(ctx context.Context, id string, qty int64, m market.Market) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, id)
	f.cash = f.cash.Sub(f.prices[id].Mul(decimal.NewFromInt(qty)))
	return broker.OrderResult{InstrumentID: id, Success: true, OrderID: "B-" + id, Qty: qty}, nil
}

func (f *fakeBroker) Sell(ctx context.Context, id string, qty int64, m market.Market) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSells[id] > 0 {
		f.failSells[id]--
		return broker.OrderResult{InstrumentID: id, Message: "order rejected"}, nil
	}
	f.sells = append(f.sells, id)
	return broker.OrderResult{InstrumentID: id, Success: true, OrderID: "S-" + id, Qty: qty}, nil
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error) {
	return !f.closed, nil
}

func (f *fakeBroker) IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error) {
	return !f.closed, nil
}

type scriptedEngine struct {
	verdicts map[string]analysis.Verdict
	errs     map[string]error
	calls    []string
}

func (s *scriptedEngine) Evaluate(ctx context.Context, symbol, date string) (analysis.Decision, error) {
	s.calls = append(s.calls, symbol)
	if err := s.errs[symbol]; err != nil {
		return analysis.Decision{}, err
	}
	v, ok := s.verdicts[symbol]
	if !ok {
		v = analysis.Hold
	}
	return analysis.Decision{Symbol: symbol, Date: date, Verdict: v}, nil
}

func newTestLedger(t *testing.T) (*Ledger, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("打开账本失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewLedger(store, zerolog.Nop()), store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
