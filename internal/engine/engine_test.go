package engine

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/signals"
)

func TestGateTryAcquire(t *testing.T) {
	var g Gate
	release, ok := g.TryAcquire()
	if !ok {
		t.Fatal("空闲时应获取成功")
	}
	if _, again := g.TryAcquire(); again {
		t.Fatal("持有期间应立即返回忙碌")
	}
	release()
	release()
	next, ok := g.TryAcquire()
	if !ok {
		t.Fatal("释放后应可再次获取")
	}
	next()
}

func TestPipelineRun(t *testing.T) {
	eng := &scriptedEngine{
		verdicts: map[string]analysis.Verdict{"000660.KS": analysis.Buy, "035720.KS": analysis.Buy},
		errs:     map[string]error{"005380.KS": errors.New("engine timeout")},
	}
	p := NewPipeline(eng, PipelineOptions{CallTimeout: time.Second}, zerolog.Nop())

	candidates := []signals.Candidate{
		{InstrumentID: "005930", Score: 60, Market: market.KR},
		{InstrumentID: "000660", Score: 55, Price: dec("120000"), Market: market.KR, Currency: "KRW"},
		{InstrumentID: "005380", Score: 50, Market: market.KR},
		{InstrumentID: "035420", Score: 45, Market: market.KR},
		{InstrumentID: "035720", Score: 40, Market: market.KR},
	}
	held := map[string]struct{}{"005930": {}}

	targets, evals := p.Run(context.Background(), candidates, held, 3)

	if len(eng.calls) != 3 || eng.calls[0] != "000660.KS" || eng.calls[2] != "035420.KS" {
		t.Fatalf("应按顺序分析前 3 个未持有候选: %v", eng.calls)
	}
	if len(evals) != 3 || evals[1].Err == nil {
		t.Fatalf("失败的分析应出现在结果中: %+v", evals)
	}
	if len(targets) != 1 || targets[0].InstrumentID != "000660" || !targets[0].ReferencePrice.Equal(dec("120000")) || targets[0].Score != 55 {
		t.Fatalf("BUY 目标错误: %+v", targets)
	}
}

func TestAllocateEqualSplit(t *testing.T) {
	b := &fakeBroker{
		cash:   dec("999"),
		prices: map[string]decimal.Decimal{"A": dec("100"), "B": dec("250"), "C": dec("400")},
	}
	a := NewAllocator(b, zerolog.Nop())
	targets := []BuyTarget{
		{InstrumentID: "A", Market: market.KR},
		{InstrumentID: "B", Market: market.KR},
		{InstrumentID: "C", Market: market.KR},
	}

	results, err := a.Allocate(context.Background(), targets, dec("999"))
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("每个目标都应有结果: %d", len(results))
	}
	if !results[0].Success || results[0].Qty != 3 || !results[1].Success || results[1].Qty != 1 {
		t.Fatalf("数量应为 3 和 1: %+v", results)
	}
	if results[2].Success {
		t.Fatalf("第三个目标应预算不足: %+v", results[2])
	}
	if got := results[2].Message; !strings.HasPrefix(got, MsgBudgetInsufficient) {
		t.Fatalf("失败原因错误: %q", got)
	}
	if !Invested(results).Equal(dec("550")) {
		t.Fatalf("投入金额应为 550: %s", Invested(results))
	}
}

func TestAllocateNoCash(t *testing.T) {
	a := NewAllocator(&fakeBroker{}, zerolog.Nop())
	if _, err := a.Allocate(context.Background(), []BuyTarget{{InstrumentID: "A"}}, decimal.Zero); !errors.Is(err, ErrNoCash) {
		t.Fatalf("现金为 0 应返回 ErrNoCash: %v", err)
	}
}

func TestAllocateFallsBackToReferencePrice(t *testing.T) {
	b := &fakeBroker{cash: dec("1000"), prices: map[string]decimal.Decimal{}}
	a := NewAllocator(b, zerolog.Nop())
	results, err := a.Allocate(context.Background(), []BuyTarget{
		{InstrumentID: "A", ReferencePrice: dec("300"), Market: market.KR},
		{InstrumentID: "B", Market: market.KR},
	}, dec("1000"))
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	if !results[0].Success || results[0].Qty != 1 || !results[0].Price.Equal(dec("300")) {
		t.Fatalf("报价失败应回退参考价: %+v", results[0])
	}
	if results[1].Success || results[1].Message != MsgPriceUnavailable {
		t.Fatalf("无价格应失败: %+v", results[1])
	}
}

func TestAllocateCapsByRemainingBalance(t *testing.T) {
	// The broker reports less cash than the caller believed.
	b := &fakeBroker{cash: dec("150"), prices: map[string]decimal.Decimal{"A": dec("100"), "B": dec("100")}}
	a := NewAllocator(b, zerolog.Nop())
	results, _ := a.Allocate(context.Background(), []BuyTarget{
		{InstrumentID: "A", Market: market.KR},
		{InstrumentID: "B", Market: market.KR},
	}, dec("400"))
	if !results[0].Success || results[0].Qty != 1 {
		t.Fatalf("应按剩余余额下调数量: %+v", results[0])
	}
	if results[1].Success || results[1].Message != MsgBalanceExhausted {
		t.Fatalf("余额耗尽应失败: %+v", results[1])
	}
}

func TestAllocateNeverOverspends(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(6)
		cash := decimal.NewFromInt(int64(rng.Intn(100000)))
		prices := map[string]decimal.Decimal{}
		targets := make([]BuyTarget, 0, n)
		for j := 0; j < n; j++ {
			id := string(rune('A' + j))
			prices[id] = decimal.NewFromInt(int64(1 + rng.Intn(30000)))
			targets = append(targets, BuyTarget{InstrumentID: id, Market: market.KR})
		}
		brokerCash := cash.Sub(decimal.NewFromInt(int64(rng.Intn(5000))))
		b := &fakeBroker{cash: brokerCash, prices: prices}
		results, err := NewAllocator(b, zerolog.Nop()).Allocate(context.Background(), targets, cash)
		if !cash.IsPositive() {
			if !errors.Is(err, ErrNoCash) {
				t.Fatalf("现金非正应返回 ErrNoCash")
			}
			continue
		}
		if got := Invested(results); got.GreaterThan(cash) {
			t.Fatalf("第 %d 轮超支: invested=%s cash=%s", i, got, cash)
		}
		if len(results) != n {
			t.Fatalf("结果数应等于目标数")
		}
	}
}

func TestMonitorSellsOncePerDay(t *testing.T) {
	ledger, store := newTestLedger(t)
	b := &fakeBroker{
		prices: map[string]decimal.Decimal{"005930": dec("66150")},
		holdings: []broker.Holding{{
			InstrumentID: "005930", Name: "Samsung", Qty: 10,
			AvgPrice: dec("70000"), CurrentPrice: dec("66150"), PnLRate: dec("-5.5"),
			Market: market.KR, Currency: "KRW",
		}},
	}
	mon := NewMonitor(b, ledger, map[market.Market]Thresholds{
		market.KR: {StopLossPct: dec("-5"), TakeProfitPct: dec("10")},
	}, zerolog.Nop())

	sells := 0
	for i := 0; i < 10; i++ {
		results, err := mon.Scan(context.Background())
		if err != nil {
			t.Fatalf("扫描失败: %v", err)
		}
		sells += len(results)
	}
	if sells != 1 || len(b.sells) != 1 {
		t.Fatalf("同一天应只卖出一次, 实际结果 %d 卖单 %d", sells, len(b.sells))
	}

	pnl, _ := store.RecentPnL(context.Background(), 10)
	if len(pnl) != 1 || !pnl[0].PnL.Equal(dec("-38500")) || !pnl[0].PnLRate.Equal(dec("-5.5")) {
		t.Fatalf("盈亏记录错误: %+v", pnl)
	}
	trades, _ := store.RecentTrades(context.Background(), 10)
	if len(trades) != 1 || trades[0].Reason != "stop-loss/take-profit auto sell (-5.5%)" {
		t.Fatalf("交易记录错误: %+v", trades)
	}
}

func TestMonitorRetriesAfterFailedExit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	b := &fakeBroker{
		prices:    map[string]decimal.Decimal{},
		failSells: map[string]int{"AAPL": 1},
		holdings: []broker.Holding{{
			InstrumentID: "AAPL", Qty: 2, AvgPrice: dec("100"), CurrentPrice: dec("112"),
			PnLRate: dec("12"), Market: market.US,
		}},
	}
	mon := NewMonitor(b, ledger, map[market.Market]Thresholds{
		market.US: {StopLossPct: dec("-5"), TakeProfitPct: dec("10")},
	}, zerolog.Nop())

	first, _ := mon.Scan(context.Background())
	if len(first) != 1 || first[0].Success || first[0].Kind != TakeProfit {
		t.Fatalf("首次卖出应失败且为止盈: %+v", first)
	}
	second, _ := mon.Scan(context.Background())
	if len(second) != 1 || !second[0].Success || !second[0].SellPrice.Equal(dec("112")) {
		t.Fatalf("失败不应标记完成, 下次扫描应重试: %+v", second)
	}
}

func TestMonitorSkipsClosedMarket(t *testing.T) {
	ledger, _ := newTestLedger(t)
	b := &fakeBroker{closed: true, holdings: []broker.Holding{{InstrumentID: "A", Qty: 1, PnLRate: dec("-20"), Market: market.KR}}}
	mon := NewMonitor(b, ledger, map[market.Market]Thresholds{market.KR: {StopLossPct: dec("-5"), TakeProfitPct: dec("10")}}, zerolog.Nop())
	results, _ := mon.Scan(context.Background())
	if len(results) != 0 || len(b.sells) != 0 {
		t.Fatal("休市时不应卖出")
	}
}

func TestThresholdBoundaries(t *testing.T) {
	th := Thresholds{StopLossPct: dec("-5"), TakeProfitPct: dec("10")}
	cases := []struct {
		rate string
		kind ExitKind
		ok   bool
	}{
		{"-5", StopLoss, true},
		{"-4.99", "", false},
		{"10", TakeProfit, true},
		{"9.99", "", false},
	}
	for _, tc := range cases {
		kind, ok := th.Classify(dec(tc.rate))
		if kind != tc.kind || ok != tc.ok {
			t.Fatalf("rate=%s 期望 %s/%v, 实际 %s/%v", tc.rate, tc.kind, tc.ok, kind, ok)
		}
	}
}

func TestLiquidateRetriesOnce(t *testing.T) {
	ledger, store := newTestLedger(t)
	b := &fakeBroker{
		prices:    map[string]decimal.Decimal{"A": dec("110"), "B": dec("45")},
		failSells: map[string]int{"B": 1},
		holdings: []broker.Holding{
			{InstrumentID: "A", Qty: 2, AvgPrice: dec("100"), CurrentPrice: dec("110"), Market: market.KR},
			{InstrumentID: "B", Qty: 4, AvgPrice: dec("50"), CurrentPrice: dec("45"), Market: market.KR},
		},
	}
	l := NewLiquidator(b, ledger, 0, time.Minute, zerolog.Nop())
	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error { slept += d; return nil }

	report, err := l.Liquidate(context.Background(), market.KR)
	if err != nil {
		t.Fatalf("清仓失败: %v", err)
	}
	if slept != time.Minute {
		t.Fatalf("重试前应等待 1 分钟: %s", slept)
	}
	if len(report.Retried) != 1 || !report.Retried[0].Success || report.Failed() != 0 {
		t.Fatalf("B 应在重试后成功: %+v", report.Retried)
	}
	if !report.TotalPnL.Equal(dec("0")) {
		t.Fatalf("总盈亏应为 20-20=0: %s", report.TotalPnL)
	}
	trades, _ := store.RecentTrades(context.Background(), 10)
	if len(trades) != 2 || trades[0].Reason != "day-trade retry sell" {
		t.Fatalf("交易记录错误: %+v", trades)
	}
	pnl, _ := store.RecentPnL(context.Background(), 10)
	if len(pnl) != 2 {
		t.Fatalf("两笔盈亏都应记录: %+v", pnl)
	}
}

func TestRealizedPnL(t *testing.T) {
	pnl, rate := RealizedPnL(dec("70000"), dec("73500"), 3)
	if !pnl.Equal(dec("10500")) || !rate.Equal(dec("5")) {
		t.Fatalf("盈亏计算错误: %s %s", pnl, rate)
	}
	_, rate = RealizedPnL(decimal.Zero, dec("10"), 1)
	if !rate.IsZero() {
		t.Fatal("成本未知时收益率应为 0")
	}
}

func TestLedgerKeysAreScopedPerMarket(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	if ok, _ := ledger.MarkDone(ctx, ActionKey(ActionMorningBuy, market.KR), "", market.KR); !ok {
		t.Fatal("首次标记应成功")
	}
	done, _ := ledger.IsDone(ctx, ActionKey(ActionMorningBuy, market.US), market.US)
	if done {
		t.Fatal("KR 的完成状态不应影响 US")
	}
	if ExitKey(market.KR, "005930") != "stop_loss_KR_005930" {
		t.Fatalf("键格式错误: %s", ExitKey(market.KR, "005930"))
	}
}
