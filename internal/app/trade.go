package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/pretty"

	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/engine"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/service"
)

// AnalyzeOptions configure the analyze command.
type AnalyzeOptions struct {
	Ticker string
	Date   string
	JSON   bool
}

// Analyze runs one ticker through the analysis engine and prints the result.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := rt.service.Analyze(ctx, opts.Ticker, opts.Date)
	if err != nil {
		return err
	}
	if opts.JSON {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = a.Out.Write(pretty.Pretty(raw))
		return err
	}
	fmt.Fprintln(a.Out, analysis.Summary(d))
	return nil
}

// ScoreOptions configure the score command.
type ScoreOptions struct {
	Market string
	Count  int
}

// Score prints the scored candidates of each market.
func (a *App) Score(ctx context.Context, opts ScoreOptions) error {
	markets, err := a.resolveMarkets(opts.Market)
	if err != nil {
		return err
	}
	count := opts.Count
	if count <= 0 {
		count = a.Config.Trading.CandidateCount
	}

	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, m := range markets {
		cands, err := rt.service.Candidates(ctx, m, count)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s candidates", m)))
		if len(cands) == 0 {
			fmt.Fprintln(a.Out, "no candidates")
			continue
		}
		w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tCode\tName\tScore\tPrice\tChange%\tSignals")
		for i, c := range cands {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%+.2f\t%s\n",
				i+1, c.InstrumentID, c.Name, c.Score, c.Price.String(), c.PercentChange, strings.Join(c.Signals, ", "))
		}
		w.Flush()
	}
	return nil
}

// TopOptions configure the top command.
type TopOptions struct {
	Market string
	Count  int
}

// Top analyses the market leaders and prints suggested orders without placing them.
func (a *App) Top(ctx context.Context, opts TopOptions) error {
	markets, err := a.resolveMarkets(opts.Market)
	if err != nil {
		return err
	}
	count := opts.Count
	if count <= 0 {
		count = 5
	}

	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, m := range markets {
		report, err := rt.service.Top(ctx, m, count)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		a.printTop(report)

		if len(report.Buys) > 0 {
			open, err := rt.broker.IsMarketOpenNow(ctx, m)
			if err == nil && !open {
				fmt.Fprintln(a.Out, warnStyle.Render("market is closed now; buy suggestions are for reference only"))
			}
		}
	}
	return nil
}

func (a *App) printTop(report service.TopReport) {
	fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s top %d analysis", report.Market, len(report.Leaders))))
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Code\tName\tPrice\tVerdict")
	for _, ev := range report.Evaluations {
		verdict := string(ev.Decision.Verdict)
		if ev.Err != nil {
			verdict = "ERROR: " + sanitizeInline(ev.Err.Error())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Candidate.InstrumentID, ev.Candidate.Name, ev.Candidate.Price.String(), verdict)
	}
	w.Flush()

	for _, s := range report.Buys {
		if s.Qty <= 0 {
			fmt.Fprintf(a.Out, "BUY  %s (%s): budget insufficient (%s per name)\n", s.Target.Name, s.Target.InstrumentID, s.Budget.String())
			continue
		}
		amount := s.Target.ReferencePrice.Mul(decimal.NewFromInt(s.Qty))
		fmt.Fprintf(a.Out, "BUY  %s (%s): %d x %s = %s\n", s.Target.Name, s.Target.InstrumentID, s.Qty, s.Target.ReferencePrice.String(), amount.String())
	}
	for _, h := range report.Sells {
		fmt.Fprintf(a.Out, "SELL %s (%s): held %d, rate %s%%\n", h.Name, h.InstrumentID, h.Qty, h.PnLRate.StringFixed(2))
	}
}

// TriggerOptions select the markets of a manual trigger.
type TriggerOptions struct {
	Market string
}

// BuyNow runs the morning buy immediately.
func (a *App) BuyNow(ctx context.Context, opts TriggerOptions) error {
	markets, err := a.resolveMarkets(opts.Market)
	if err != nil {
		return err
	}
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, m := range markets {
		report, err := rt.service.MorningBuy(ctx, m)
		switch {
		case errors.Is(err, service.ErrSkipped), errors.Is(err, engine.ErrBusy):
			fmt.Fprintf(a.Out, "%s: skipped (%v)\n", m, err)
			continue
		case err != nil:
			return fmt.Errorf("%s: %w", m, err)
		}
		fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s morning buy", m)))
		if len(report.Orders) == 0 {
			fmt.Fprintf(a.Out, "%d candidates analysed, no orders placed\n", len(report.Evaluations))
			continue
		}
		a.printOrders(report.Orders)
		fmt.Fprintf(a.Out, "invested %s of %s %s\n", report.Invested.StringFixed(2), report.Cash.StringFixed(2), m.Currency())
	}
	return nil
}

func (a *App) printOrders(orders []broker.OrderResult) {
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Code\tName\tQty\tPrice\tStatus")
	for _, o := range orders {
		status := "OK " + o.OrderID
		if !o.Success {
			status = "FAIL " + sanitizeInline(o.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", o.InstrumentID, o.Name, o.Qty, o.Price.String(), status)
	}
	w.Flush()
}

// Liquidate sells every holding of the selected markets now.
func (a *App) Liquidate(ctx context.Context, opts TriggerOptions) error {
	markets, err := a.resolveMarkets(opts.Market)
	if err != nil {
		return err
	}
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, m := range markets {
		report, err := rt.service.Liquidate(ctx, m)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s liquidation", m)))
		if len(report.Results) == 0 {
			fmt.Fprintln(a.Out, "no holdings")
			continue
		}
		w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "Code\tName\tQty\tAvg\tSell\tStatus")
		for _, r := range append(append([]broker.SellResult(nil), report.Results...), report.Retried...) {
			status := "OK"
			if !r.Success {
				status = "FAIL " + sanitizeInline(r.Message)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", r.InstrumentID, r.Name, r.Qty, r.AvgPrice.String(), r.SellPrice.String(), status)
		}
		w.Flush()
		fmt.Fprintf(a.Out, "realised pnl %s %s\n", pnlStyle(report.TotalPnL).Render(report.TotalPnL.StringFixed(2)), m.Currency())
	}
	return nil
}

// MonitorOnce runs a single stop-loss/take-profit scan.
func (a *App) MonitorOnce(ctx context.Context) error {
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return rt.service.MonitorTick(ctx, time.Now())
}

// SellOptions configure a manual sell.
type SellOptions struct {
	Ticker  string
	Qty     int64
	Confirm func(prompt string) (bool, error)
}

// Sell closes one holding at market after confirmation.
func (a *App) Sell(ctx context.Context, opts SellOptions) error {
	ticker := strings.ToUpper(strings.TrimSpace(opts.Ticker))
	if err := market.ValidateTicker(ticker); err != nil {
		return err
	}
	m := market.Detect(ticker)
	id := market.Normalize(ticker)

	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bal, err := rt.broker.Balance(ctx, m)
	if err != nil {
		return err
	}
	var holding *broker.Holding
	for i := range bal.Holdings {
		if bal.Holdings[i].InstrumentID == id {
			holding = &bal.Holdings[i]
			break
		}
	}
	if holding == nil || holding.Qty <= 0 {
		return fmt.Errorf("%s is not held", id)
	}
	qty := holding.Qty
	if opts.Qty > 0 && opts.Qty < qty {
		qty = opts.Qty
	}

	if opts.Confirm != nil {
		ok, err := opts.Confirm(fmt.Sprintf("Sell %d x %s (%s) at market?", qty, holding.Name, id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(a.Out, "cancelled")
			return nil
		}
	}

	order, err := rt.broker.Sell(ctx, id, qty, m)
	if err != nil {
		return err
	}
	if !order.Success {
		return fmt.Errorf("sell rejected: %s", order.Message)
	}
	price, err := rt.broker.Price(ctx, id, m)
	if err != nil || !price.IsPositive() {
		price = holding.CurrentPrice
	}
	err = rt.ledger.RecordSell(ctx, engine.Fill{
		InstrumentID: id,
		Name:         holding.Name,
		Qty:          qty,
		Price:        price,
		Market:       m,
		Currency:     m.Currency(),
		OrderID:      order.OrderID,
		Reason:       "manual sell",
	}, holding.AvgPrice)
	if err != nil {
		a.Logger.Error().Err(err).Str("instrument", id).Msg("record manual sell failed")
	}
	pnl, rate := engine.RealizedPnL(holding.AvgPrice, price, qty)
	fmt.Fprintf(a.Out, "sold %d x %s at %s (order %s), pnl %s (%s%%)\n",
		qty, id, price.String(), order.OrderID, pnlStyle(pnl).Render(pnl.StringFixed(2)), rate.StringFixed(2))
	return nil
}
