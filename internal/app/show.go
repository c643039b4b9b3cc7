package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/engine"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/version"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	gainStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	lossStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// pnlStyle colours gains red and losses blue, as Korean brokers do.
func pnlStyle(v decimal.Decimal) lipgloss.Style {
	switch v.Sign() {
	case 1:
		return gainStyle
	case -1:
		return lossStyle
	default:
		return mutedStyle
	}
}

// Balance prints holdings and cash per market.
func (a *App) Balance(ctx context.Context, marketFlag string) error {
	markets, err := a.resolveMarkets(marketFlag)
	if err != nil {
		return err
	}
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, m := range markets {
		bal, err := rt.broker.Balance(ctx, m)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s balance", m)))
		if len(bal.Holdings) == 0 {
			fmt.Fprintln(a.Out, "no holdings")
		} else {
			w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Code\tName\tQty\tAvg\tCurrent\tPnL\tRate%")
			for _, h := range bal.Holdings {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					h.InstrumentID, h.Name, h.Qty, h.AvgPrice.String(), h.CurrentPrice.String(),
					h.PnL.StringFixed(2), h.PnLRate.StringFixed(2))
			}
			w.Flush()
		}
		for _, s := range bal.Summaries {
			fmt.Fprintf(a.Out, "cash %s %s | eval %s | pnl %s\n",
				s.Cash.StringFixed(2), s.Currency, s.TotalEval.StringFixed(2), pnlStyle(s.TotalPnL).Render(s.TotalPnL.StringFixed(2)))
		}
	}
	return nil
}

// Status prints sessions, schedules, thresholds and today's completed actions.
func (a *App) Status(ctx context.Context) error {
	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now()
	fmt.Fprintln(a.Out, headerStyle.Render(version.String()))
	fmt.Fprintf(a.Out, "mode: %s | ledger: %s\n", a.mode(), a.Config.Database.Driver)

	for _, m := range a.Config.EnabledMarkets() {
		mc := a.Config.Market(m)
		session := market.DefaultSession(m)
		state := "closed"
		if open, err := rt.broker.IsMarketOpenNow(ctx, m); err == nil && open {
			state = "open"
		}
		fmt.Fprintln(a.Out, headerStyle.Render(fmt.Sprintf("%s market", m)))
		fmt.Fprintf(a.Out, "local time %s | session %s-%s | %s\n",
			now.In(session.Location).Format("2006-01-02 15:04"), session.Open, session.Close, state)
		fmt.Fprintf(a.Out, "buy %s | sell %s | stop-loss %.1f%% | take-profit %.1f%% | max order %.0f %s\n",
			mc.BuyTime, mc.SellTime, mc.StopLossPct, mc.TakeProfitPct, mc.MaxOrderAmount, m.Currency())

		actions, err := rt.ledger.State(ctx, m)
		if err != nil {
			return err
		}
		done := map[string]string{}
		for _, act := range actions {
			done[act.Action] = act.CompletedAt.In(session.Location).Format("15:04:05")
		}
		for _, action := range []string{engine.ActionMorningBuy, engine.ActionAfternoonSell} {
			key := engine.ActionKey(action, m)
			if at, ok := done[key]; ok {
				fmt.Fprintf(a.Out, "  %-24s done at %s\n", key, at)
			} else {
				fmt.Fprintf(a.Out, "  %-24s %s\n", key, mutedStyle.Render("pending"))
			}
		}
		exitPrefix := engine.ExitKey(m, "")
		for _, act := range actions {
			if strings.HasPrefix(act.Action, exitPrefix) {
				fmt.Fprintf(a.Out, "  %-24s %s\n", act.Action, act.Details)
			}
		}
	}
	return nil
}

// PnL prints the cumulative and per-ticker realised results.
func (a *App) PnL(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	total, err := store.TotalSummary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, headerStyle.Render("realised pnl"))
	fmt.Fprintf(a.Out, "total %s | trades %d | wins %d | losses %d | win rate %s%%\n",
		pnlStyle(total.TotalPnL).Render(total.TotalPnL.StringFixed(2)),
		total.TradeCount, total.WinCount, total.LossCount, total.WinRate.StringFixed(1))

	tickers, err := store.TickerSummary(ctx)
	if err != nil {
		return err
	}
	if len(tickers) > 0 {
		w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "Code\tName\tTrades\tPnL\tAvg Rate%")
		for _, t := range tickers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s %s\t%s\n", t.InstrumentID, t.Name, t.TradeCount,
				t.TotalPnL.StringFixed(2), t.Currency, t.AvgPnLRate.StringFixed(2))
		}
		w.Flush()
	}

	records, err := store.RecentPnL(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	fmt.Fprintln(a.Out, headerStyle.Render("recent round trips"))
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Time (UTC)\tCode\tName\tQty\tBuy\tSell\tPnL\tRate%")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.InstrumentID, r.Name, r.Qty,
			r.BuyPrice.String(), r.SellPrice.String(), r.PnL.StringFixed(2), r.PnLRate.StringFixed(2))
	}
	w.Flush()
	return nil
}

// Trades prints the most recent executed orders.
func (a *App) Trades(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trades, err := store.RecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(a.Out, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSide\tCode\tName\tQty\tPrice\tAmount\tOrder\tReason")
	for _, t := range trades {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.Side,
			t.InstrumentID,
			t.Name,
			t.Qty,
			t.Price.String(),
			t.Amount.StringFixed(2),
			t.OrderID,
			sanitizeInline(t.Reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
