package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

type stubBroker struct {
	holdings []Holding
	cash     decimal.Decimal
	price    decimal.Decimal
	priceErr error
	failSell map[string]bool
	sold     []string
}

func (s *stubBroker) Balance(ctx context.Context, m market.Market) (Balance, error) {
	cur := m.Currency()
	return Balance{Holdings: s.holdings, Summaries: map[string]Summary{cur: {Currency: cur, Cash: s.cash}}}, nil
}

func (s *stubBroker) Price(ctx context.Context, id string, m market.Market) (decimal.Decimal, error) {
	return s.price, s.priceErr
}

func (s *stubBroker) Buy(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	return OrderResult{InstrumentID: id, Success: true, Qty: qty}, nil
}

func (s *stubBroker) Sell(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	if s.failSell[id] {
		return OrderResult{InstrumentID: id, Message: "rejected"}, nil
	}
	s.sold = append(s.sold, id)
	return OrderResult{InstrumentID: id, Success: true, OrderID: "o-" + id, Qty: qty}, nil
}

func (s *stubBroker) IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error) {
	return true, nil
}

func (s *stubBroker) IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error) {
	return true, nil
}

func TestRouterMergesBalances(t *testing.T) {
	kr := &stubBroker{holdings: []Holding{{InstrumentID: "005930", Qty: 1, Market: market.KR}}, cash: decimal.NewFromInt(1000)}
	us := &stubBroker{holdings: []Holding{{InstrumentID: "AAPL", Qty: 2, Market: market.US}}, cash: decimal.NewFromInt(50)}
	r := NewRouter(map[market.Market]Broker{market.KR: kr, market.US: us})

	bal, err := r.Balance(context.Background(), market.All)
	if err != nil {
		t.Fatalf("合并余额失败: %v", err)
	}
	if len(bal.Holdings) != 2 || !bal.Cash("KRW").Equal(decimal.NewFromInt(1000)) || !bal.Cash("USD").Equal(decimal.NewFromInt(50)) {
		t.Fatalf("合并结果错误: %+v", bal)
	}
	if _, ok := bal.Held()["AAPL"]; !ok {
		t.Fatal("Held 应包含 AAPL")
	}
}

func TestRouterUnknownMarket(t *testing.T) {
	r := NewRouter(map[market.Market]Broker{market.KR: &stubBroker{}})
	if _, err := r.Price(context.Background(), "AAPL", market.US); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置市场应返回 ErrNotConfigured: %v", err)
	}
}

func TestSellAllReportsEachHolding(t *testing.T) {
	b := &stubBroker{
		holdings: []Holding{
			{InstrumentID: "A", Name: "A", Qty: 5, AvgPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(105), Market: market.KR},
			{InstrumentID: "B", Name: "B", Qty: 2, AvgPrice: decimal.NewFromInt(50), CurrentPrice: decimal.NewFromInt(48), Market: market.KR},
		},
		priceErr: errors.New("quote down"),
		failSell: map[string]bool{"B": true},
	}

	results, err := SellAll(context.Background(), b, market.KR, 0)
	if err != nil {
		t.Fatalf("SellAll 失败: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("每个持仓应有一条结果, 实际 %d", len(results))
	}
	if !results[0].Success || !results[0].SellPrice.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("报价失败时应回退当前价: %+v", results[0])
	}
	if results[1].Success || results[1].Message != "rejected" {
		t.Fatalf("B 应失败: %+v", results[1])
	}
	if !results[1].AvgPrice.Equal(decimal.NewFromInt(50)) {
		t.Fatal("失败结果仍应携带成本价以便重试")
	}
}

type fakeAlpacaTrading struct {
	placed        []alpaca.PlaceOrderRequest
	reject        bool
	holidays      map[string]bool
	calendarCalls int
	calendarErr   error
}

func (f *fakeAlpacaTrading) GetAccount() (*alpaca.Account, error) {
	return &alpaca.Account{Cash: decimal.NewFromInt(5000), Equity: decimal.NewFromInt(7000)}, nil
}

func (f *fakeAlpacaTrading) GetPositions() ([]alpaca.Position, error) {
	cur := decimal.NewFromInt(110)
	plpc := decimal.RequireFromString("0.1")
	return []alpaca.Position{{Symbol: "AAPL", Qty: decimal.NewFromInt(3), AvgEntryPrice: decimal.NewFromInt(100), CurrentPrice: &cur, UnrealizedPLPC: &plpc}}, nil
}

func (f *fakeAlpacaTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if f.reject {
		return nil, errors.New("insufficient buying power")
	}
	f.placed = append(f.placed, req)
	return &alpaca.Order{ID: "ord-1", Status: "accepted"}, nil
}

func (f *fakeAlpacaTrading) GetClock() (*alpaca.Clock, error) {
	return &alpaca.Clock{IsOpen: true}, nil
}

func (f *fakeAlpacaTrading) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calendarCalls++
	if f.calendarErr != nil {
		return nil, f.calendarErr
	}
	var days []alpaca.CalendarDay
	for d := req.Start; !d.After(req.End); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday || f.holidays[key] {
			continue
		}
		days = append(days, alpaca.CalendarDay{Date: key, Open: "09:30", Close: "16:00"})
	}
	return days, nil
}

type fakeQuotes struct{}

func (fakeQuotes) GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	return &marketdata.Trade{Price: 123.45}, nil
}

func TestAlpacaAdapter(t *testing.T) {
	trade := &fakeAlpacaTrading{}
	a := newAlpaca(trade, fakeQuotes{}, zerolog.Nop())
	ctx := context.Background()

	bal, err := a.Balance(ctx, market.US)
	if err != nil {
		t.Fatalf("余额失败: %v", err)
	}
	if len(bal.Holdings) != 1 || !bal.Holdings[0].PnLRate.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("收益率应换算为百分比: %+v", bal.Holdings)
	}
	if !bal.Cash("USD").Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("现金错误: %s", bal.Cash("USD"))
	}

	price, _ := a.Price(ctx, "aapl", market.US)
	if !price.Equal(decimal.RequireFromString("123.45")) {
		t.Fatalf("价格错误: %s", price)
	}

	res, err := a.Buy(ctx, "aapl", 2, market.US)
	if err != nil || !res.Success || res.OrderID != "ord-1" {
		t.Fatalf("下单失败: %+v %v", res, err)
	}
	if trade.placed[0].Symbol != "AAPL" || !trade.placed[0].Qty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("下单请求错误: %+v", trade.placed[0])
	}

	trade.reject = true
	res, err = a.Sell(ctx, "AAPL", 1, market.US)
	if err != nil || res.Success {
		t.Fatalf("拒单应返回失败结果而非 error: %+v %v", res, err)
	}

	if _, err := a.Price(ctx, "005930", market.KR); !errors.Is(err, ErrNotConfigured) {
		t.Fatal("Alpaca 不应处理 KR 市场")
	}
}

func TestAlpacaMarketDayUsesCalendar(t *testing.T) {
	trade := &fakeAlpacaTrading{holidays: map[string]bool{"2026-11-26": true}}
	a := newAlpaca(trade, fakeQuotes{}, zerolog.Nop())
	ctx := context.Background()
	ny := market.DefaultSession(market.US).Location

	thanksgiving := time.Date(2026, 11, 26, 10, 0, 0, 0, ny)
	open, err := a.IsMarketOpen(ctx, thanksgiving, market.US)
	if err != nil || open {
		t.Fatalf("感恩节应休市: %v %v", open, err)
	}
	if open, _ := a.IsMarketOpen(ctx, thanksgiving, market.US); open || trade.calendarCalls != 1 {
		t.Fatalf("同日应命中缓存, 调用次数 %d", trade.calendarCalls)
	}

	open, err = a.IsMarketOpen(ctx, time.Date(2026, 11, 27, 10, 0, 0, 0, ny), market.US)
	if err != nil || !open {
		t.Fatalf("交易日应开市: %v %v", open, err)
	}

	if open, _ := a.IsMarketOpen(ctx, time.Date(2026, 11, 28, 10, 0, 0, 0, ny), market.US); open || trade.calendarCalls != 2 {
		t.Fatalf("周末不应查询日历且应休市, 调用次数 %d", trade.calendarCalls)
	}
}

func TestAlpacaMarketDayLookupFailure(t *testing.T) {
	trade := &fakeAlpacaTrading{calendarErr: errors.New("calendar down")}
	a := newAlpaca(trade, fakeQuotes{}, zerolog.Nop())
	day := time.Date(2026, 11, 27, 10, 0, 0, 0, market.DefaultSession(market.US).Location)
	if open, err := a.IsMarketOpen(context.Background(), day, market.US); err == nil || open {
		t.Fatalf("日历查询失败应报错且不视为开市: %v %v", open, err)
	}
}

func TestSellAllPausesOnlyBetweenOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &stubBroker{
		holdings: []Holding{
			{InstrumentID: "Z", Qty: 0, Market: market.KR},
			{InstrumentID: "A", Qty: 1, Market: market.KR},
		},
		price: decimal.NewFromInt(10),
	}
	results, err := SellAll(ctx, b, market.KR, time.Hour)
	if err != nil || len(results) != 1 || !results[0].Success {
		t.Fatalf("跳过的空仓不应在首单前暂停: %+v %v", results, err)
	}

	b = &stubBroker{
		holdings: []Holding{
			{InstrumentID: "A", Qty: 1, Market: market.KR},
			{InstrumentID: "Z", Qty: 0, Market: market.KR},
			{InstrumentID: "B", Qty: 1, Market: market.KR},
		},
		price: decimal.NewFromInt(10),
	}
	results, err = SellAll(ctx, b, market.KR, time.Hour)
	if !errors.Is(err, context.Canceled) || len(results) != 1 {
		t.Fatalf("两笔订单之间应暂停: %+v %v", results, err)
	}
}
