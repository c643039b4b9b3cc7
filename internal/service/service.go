package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kis-daytrader/internal/alerting"
	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/engine"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/scheduler"
	"kis-daytrader/internal/signals"
	"kis-daytrader/internal/storage"
)

// ErrSkipped marks a trigger that intentionally did nothing.
var ErrSkipped = errors.New("service: trigger skipped")

// SignalFetcher returns one list per configured ranking source.
type SignalFetcher interface {
	FetchAll(ctx context.Context) (signals.Lists, map[string]error)
}

// MarketPlan is the per-market wiring and schedule.
type MarketPlan struct {
	Fetcher        SignalFetcher
	Leaders        signals.FetchFunc
	BuyAt          market.TimeOfDay
	SellAt         market.TimeOfDay
	MaxOrderAmount decimal.Decimal
}

// Deps are the collaborators of the service.
type Deps struct {
	Broker     broker.Broker
	Pipeline   *engine.Pipeline
	Allocator  *engine.Allocator
	Monitor    *engine.Monitor
	Liquidator *engine.Liquidator
	Ledger     *engine.Ledger
	Gate       *engine.Gate
	Locker     storage.AdvisoryLocker
	Notifier   alerting.Notifier
}

// Options tune the service.
type Options struct {
	Markets        map[market.Market]MarketPlan
	Picks          int
	CandidateCount int
	LockKey        int64
	Mode           string
	ReportDir      string
}

// Service orchestrates the daily trading triggers.
type Service struct {
	deps   Deps
	opts   Options
	locker storage.AdvisoryLocker
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the trading service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Gate == nil {
		deps.Gate = &engine.Gate{}
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		locker: deps.Locker,
		now:    time.Now,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Markets lists the configured markets, KR first.
func (s *Service) Markets() []market.Market {
	out := make([]market.Market, 0, len(s.opts.Markets))
	for m := range s.opts.Markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plan returns the wiring for m.
func (s *Service) Plan(m market.Market) (MarketPlan, error) {
	plan, ok := s.opts.Markets[m]
	if !ok {
		return MarketPlan{}, fmt.Errorf("%w: %s", broker.ErrNotConfigured, m)
	}
	return plan, nil
}

// Candidates fetches every ranking source of m and scores them.
func (s *Service) Candidates(ctx context.Context, m market.Market, topK int) ([]signals.Candidate, error) {
	plan, err := s.Plan(m)
	if err != nil {
		return nil, err
	}
	if plan.Fetcher == nil {
		return nil, fmt.Errorf("no ranking sources for %s", m)
	}
	lists, failures := plan.Fetcher.FetchAll(ctx)
	for name, ferr := range failures {
		s.logger.Warn().Err(ferr).Str("market", string(m)).Str("source", name).Msg("source contributed an empty list")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return signals.Score(lists, topK), nil
}

// BuyReport summarises one morning buy run.
type BuyReport struct {
	Market      market.Market
	Candidates  []signals.Candidate
	Evaluations []engine.Evaluation
	Targets     []engine.BuyTarget
	Orders      []broker.OrderResult
	Cash        decimal.Decimal
	Invested    decimal.Decimal
}

// MorningBuy scores, analyses and buys for m once per day.
func (s *Service) MorningBuy(ctx context.Context, m market.Market) (BuyReport, error) {
	report := BuyReport{Market: m}
	logger := s.logger.With().Str("market", string(m)).Logger()

	open, err := s.deps.Broker.IsMarketOpen(ctx, s.now(), m)
	if err != nil {
		return report, fmt.Errorf("check market day: %w", err)
	}
	if !open {
		logger.Info().Str("event", "AUTO_BUY_SKIP").Msg("market holiday")
		return report, fmt.Errorf("%w: market closed", ErrSkipped)
	}

	release, ok := s.deps.Gate.TryAcquire()
	if !ok {
		logger.Info().Str("event", "AUTO_BUY_SKIP").Msg("analysis gate busy")
		return report, engine.ErrBusy
	}
	defer release()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		logger.Info().Str("event", "AUTO_BUY_SKIP").Msg("advisory lock held by another process")
		return report, engine.ErrBusy
	}
	if unlock != nil {
		defer unlock()
	}

	key := engine.ActionKey(engine.ActionMorningBuy, m)
	done, err := s.deps.Ledger.IsDone(ctx, key, m)
	if err != nil {
		return report, fmt.Errorf("check ledger: %w", err)
	}
	if done {
		logger.Info().Str("event", "AUTO_BUY_SKIP").Msg("morning buy already done today")
		return report, fmt.Errorf("%w: already done", ErrSkipped)
	}

	logger.Info().Str("event", "AUTO_BUY_START").Int("picks", s.opts.Picks).Msg("morning buy started")
	candidates, err := s.Candidates(ctx, m, s.opts.CandidateCount)
	if err != nil {
		return report, fmt.Errorf("score candidates: %w", err)
	}
	report.Candidates = candidates
	if len(candidates) == 0 {
		logger.Info().Str("event", "AUTO_BUY_NO_CANDIDATE").Msg("no scored candidates")
		return report, nil
	}

	bal, err := s.deps.Broker.Balance(ctx, m)
	if err != nil {
		return report, fmt.Errorf("load holdings: %w", err)
	}

	report.Targets, report.Evaluations = s.deps.Pipeline.Run(ctx, candidates, bal.Held(), s.opts.Picks)
	if len(report.Targets) == 0 {
		logger.Info().Str("event", "AUTO_BUY_NO_BUY_TARGET").Msg("no BUY verdicts")
		s.notify(ctx, alerting.Notification{
			Kind: alerting.KindMorningBuy, Market: string(m), Title: "morning buy",
			Lines: []string{"analysis complete, no BUY targets"},
		})
		return report, nil
	}

	fresh, err := s.deps.Broker.Balance(ctx, m)
	if err != nil {
		return report, fmt.Errorf("load cash: %w", err)
	}
	report.Cash = fresh.Cash(m.Currency())

	report.Orders, err = s.deps.Allocator.Allocate(ctx, report.Targets, report.Cash)
	if err != nil {
		logger.Warn().Err(err).Str("event", "AUTO_BUY_NO_CASH").Msg("allocation aborted")
		return report, err
	}

	scores := make(map[string]int, len(report.Targets))
	names := make([]string, 0, len(report.Targets))
	for _, t := range report.Targets {
		scores[t.InstrumentID] = t.Score
		names = append(names, t.Name)
	}
	lines := make([]string, 0, len(report.Orders))
	for _, o := range report.Orders {
		lines = append(lines, describeOrder(o))
		if !o.Success {
			continue
		}
		err := s.deps.Ledger.RecordBuy(ctx, engine.Fill{
			InstrumentID: o.InstrumentID,
			Name:         o.Name,
			Qty:          o.Qty,
			Price:        o.Price,
			Market:       o.Market,
			Currency:     o.Currency,
			OrderID:      o.OrderID,
			Reason:       fmt.Sprintf("day-trade auto buy (score=%d)", scores[o.InstrumentID]),
		})
		if err != nil {
			logger.Error().Err(err).Str("instrument", o.InstrumentID).Msg("record buy failed")
		}
	}
	report.Invested = engine.Invested(report.Orders)

	if _, err := s.deps.Ledger.MarkDone(ctx, key, "bought: "+strings.Join(names, ", "), m); err != nil {
		logger.Error().Err(err).Msg("mark morning buy failed")
	}
	logger.Info().Str("event", "AUTO_BUY_DONE").Int("targets", len(report.Targets)).
		Str("invested", report.Invested.String()).Msg("morning buy finished")

	lines = append(lines,
		fmt.Sprintf("invested: %s %s", report.Invested.StringFixed(2), m.Currency()),
		fmt.Sprintf("cash left: %s %s", report.Cash.Sub(report.Invested).StringFixed(2), m.Currency()),
	)
	s.notify(ctx, alerting.Notification{
		Kind: alerting.KindMorningBuy, Market: string(m),
		Title: fmt.Sprintf("morning buy (%d targets)", len(report.Targets)), Lines: lines,
	})
	return report, nil
}

// AfternoonSell liquidates m once per day.
func (s *Service) AfternoonSell(ctx context.Context, m market.Market) (engine.LiquidationReport, error) {
	logger := s.logger.With().Str("market", string(m)).Logger()

	open, err := s.deps.Broker.IsMarketOpen(ctx, s.now(), m)
	if err != nil {
		return engine.LiquidationReport{}, fmt.Errorf("check market day: %w", err)
	}
	if !open {
		logger.Info().Str("event", "AUTO_SELL_SKIP").Msg("market holiday")
		return engine.LiquidationReport{}, fmt.Errorf("%w: market closed", ErrSkipped)
	}

	key := engine.ActionKey(engine.ActionAfternoonSell, m)
	done, err := s.deps.Ledger.IsDone(ctx, key, m)
	if err != nil {
		return engine.LiquidationReport{}, fmt.Errorf("check ledger: %w", err)
	}
	if done {
		logger.Info().Str("event", "AUTO_SELL_SKIP").Msg("afternoon sell already done today")
		return engine.LiquidationReport{}, fmt.Errorf("%w: already done", ErrSkipped)
	}

	return s.liquidate(ctx, m, key)
}

// Liquidate closes every holding of m now, outside the daily schedule.
func (s *Service) Liquidate(ctx context.Context, m market.Market) (engine.LiquidationReport, error) {
	return s.liquidate(ctx, m, "")
}

func (s *Service) liquidate(ctx context.Context, m market.Market, key string) (engine.LiquidationReport, error) {
	logger := s.logger.With().Str("market", string(m)).Logger()

	bal, err := s.deps.Broker.Balance(ctx, m)
	if err != nil {
		return engine.LiquidationReport{}, fmt.Errorf("load holdings: %w", err)
	}
	if len(bal.Holdings) == 0 {
		logger.Info().Str("event", "AUTO_SELL_EMPTY").Msg("no holdings")
		return engine.LiquidationReport{}, nil
	}

	logger.Info().Str("event", "AUTO_SELL_START").Int("holdings", len(bal.Holdings)).Msg("liquidation started")
	report, err := s.deps.Liquidator.Liquidate(ctx, m)
	if err != nil {
		return report, fmt.Errorf("liquidate: %w", err)
	}

	if key != "" {
		if _, err := s.deps.Ledger.MarkDone(ctx, key, fmt.Sprintf("%d sold", len(report.Results)), m); err != nil {
			logger.Error().Err(err).Msg("mark afternoon sell failed")
		}
	}
	logger.Info().Str("event", "AUTO_SELL_DONE").Int("sold", len(report.Results)).
		Str("total_pnl", report.TotalPnL.String()).Msg("liquidation finished")

	lines := make([]string, 0, len(report.Results)+len(report.Retried))
	for _, r := range report.Results {
		lines = append(lines, describeSell(r, ""))
	}
	for _, r := range report.Retried {
		lines = append(lines, describeSell(r, "[retry] "))
	}
	pnl := report.TotalPnL
	s.notify(ctx, alerting.Notification{
		Kind: alerting.KindAfternoonSell, Market: string(m), Title: "afternoon liquidation",
		Lines: lines, PnL: &pnl,
	})
	return report, nil
}

// MonitorTick runs one position scan; it matches scheduler.TickFunc.
func (s *Service) MonitorTick(ctx context.Context, at time.Time) error {
	results, err := s.deps.Monitor.Scan(ctx)
	for _, r := range results {
		title := "stop-loss exit"
		if r.Kind == engine.TakeProfit {
			title = "take-profit exit"
		}
		line := fmt.Sprintf("%s (%s) x%d rate %s%%", r.Holding.Name, r.Holding.InstrumentID, r.Holding.Qty, r.Holding.PnLRate.StringFixed(2))
		if r.Success {
			line += " sold at " + r.SellPrice.String()
		} else {
			line += " FAILED: " + r.Message
		}
		s.notify(ctx, alerting.Notification{
			Kind: alerting.KindExit, Market: string(r.Holding.Market), Title: title, Lines: []string{line},
		})
	}
	return err
}

// Analyze validates ticker and runs it through the analysis engine under the gate.
func (s *Service) Analyze(ctx context.Context, ticker, date string) (analysis.Decision, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if err := market.ValidateTicker(ticker); err != nil {
		return analysis.Decision{}, err
	}
	release, ok := s.deps.Gate.TryAcquire()
	if !ok {
		return analysis.Decision{}, engine.ErrBusy
	}
	defer release()

	m := market.Detect(ticker)
	id := market.Normalize(ticker)
	if date == "" {
		date = market.DateKey(s.now(), market.DefaultSession(m).Location)
	} else {
		day, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
		if err != nil {
			return analysis.Decision{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", date)
		}
		date = day.Format(time.DateOnly)
	}
	if _, err := s.Plan(m); err == nil {
		price, err := s.deps.Broker.Price(ctx, id, m)
		if err != nil || !price.IsPositive() {
			return analysis.Decision{}, fmt.Errorf("ticker %s has no market data", ticker)
		}
	}

	decision, err := s.deps.Pipeline.Evaluate(ctx, ticker, date)
	if err != nil {
		return analysis.Decision{}, err
	}
	if s.opts.ReportDir != "" {
		if path, err := analysis.WriteReport(s.opts.ReportDir, decision, s.now()); err != nil {
			s.logger.Warn().Err(err).Msg("write report failed")
		} else {
			s.logger.Info().Str("path", path).Msg("report written")
		}
	}
	s.notify(ctx, alerting.Notification{
		Kind: alerting.KindAnalysis, Title: "analysis", Lines: []string{analysis.Summary(decision)},
	})
	return decision, nil
}

// Suggestion is a manual buy proposal sized from the market's order cap.
type Suggestion struct {
	Target engine.BuyTarget
	Qty    int64
	Budget decimal.Decimal
}

// TopReport is the result of analysing the market leaders.
type TopReport struct {
	Market      market.Market
	Leaders     []signals.Entry
	Evaluations []engine.Evaluation
	Buys        []Suggestion
	Sells       []broker.Holding
}

// Top analyses the n market leaders of m and proposes orders without placing any.
func (s *Service) Top(ctx context.Context, m market.Market, n int) (TopReport, error) {
	report := TopReport{Market: m}
	plan, err := s.Plan(m)
	if err != nil {
		return report, err
	}
	if plan.Leaders == nil {
		return report, fmt.Errorf("no leader list for %s", m)
	}

	release, ok := s.deps.Gate.TryAcquire()
	if !ok {
		return report, engine.ErrBusy
	}
	defer release()

	leaders, err := plan.Leaders(ctx)
	if err != nil {
		return report, fmt.Errorf("load leaders: %w", err)
	}
	if len(leaders) > n {
		leaders = leaders[:n]
	}
	report.Leaders = leaders

	candidates := make([]signals.Candidate, 0, len(leaders))
	for _, e := range leaders {
		candidates = append(candidates, signals.Candidate{
			InstrumentID: e.InstrumentID, Name: e.Name, Price: e.Price,
			PercentChange: e.PercentChange, Market: m, Currency: m.Currency(),
		})
	}
	targets, evals := s.deps.Pipeline.Run(ctx, candidates, nil, len(candidates))
	report.Evaluations = evals

	if len(targets) > 0 {
		budget := plan.MaxOrderAmount.Div(decimal.NewFromInt(int64(len(targets)))).Floor()
		for _, t := range targets {
			sug := Suggestion{Target: t, Budget: budget}
			if t.ReferencePrice.IsPositive() {
				sug.Qty = budget.Div(t.ReferencePrice).Floor().IntPart()
			}
			report.Buys = append(report.Buys, sug)
		}
	}

	sellIDs := make(map[string]struct{})
	for _, ev := range evals {
		if ev.Err == nil && ev.Decision.Verdict == analysis.Sell {
			sellIDs[ev.Candidate.InstrumentID] = struct{}{}
		}
	}
	if len(sellIDs) > 0 {
		if bal, err := s.deps.Broker.Balance(ctx, m); err == nil {
			for _, h := range bal.Holdings {
				if _, ok := sellIDs[h.InstrumentID]; ok && h.Qty > 0 {
					report.Sells = append(report.Sells, h)
				}
			}
		}
	}
	return report, nil
}

// Run registers the daily buy and sell jobs of every market, starts the
// position monitor and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context, daily *scheduler.Daily, monitor *scheduler.Scheduler) error {
	var jobs []scheduler.Job
	for _, m := range s.Markets() {
		m := m
		plan := s.opts.Markets[m]
		loc := market.DefaultSession(m).Location
		jobs = append(jobs,
			scheduler.Job{
				Name: engine.ActionKey(engine.ActionMorningBuy, m), At: plan.BuyAt, Location: loc,
				Run: func(ctx context.Context) error { return s.trigger(ctx, m, "morning buy", s.morningBuy) },
			},
			scheduler.Job{
				Name: engine.ActionKey(engine.ActionAfternoonSell, m), At: plan.SellAt, Location: loc,
				Run: func(ctx context.Context) error { return s.trigger(ctx, m, "afternoon sell", s.afternoonSell) },
			},
		)
	}
	if err := daily.Register(ctx, jobs...); err != nil {
		return fmt.Errorf("register daily jobs: %w", err)
	}
	for _, j := range jobs {
		if next, ok := daily.Next(j.Name); ok {
			s.logger.Info().Str("job", j.Name).Time("next", next).Msg("daily job scheduled")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daily.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx, s.MonitorTick) })
	return g.Wait()
}

func (s *Service) morningBuy(ctx context.Context, m market.Market) error {
	_, err := s.MorningBuy(ctx, m)
	return err
}

func (s *Service) afternoonSell(ctx context.Context, m market.Market) error {
	_, err := s.AfternoonSell(ctx, m)
	return err
}

// trigger runs a scheduled action and reports unexpected failures.
func (s *Service) trigger(ctx context.Context, m market.Market, label string, fn func(context.Context, market.Market) error) error {
	err := fn(ctx, m)
	if err == nil || errors.Is(err, ErrSkipped) || errors.Is(err, engine.ErrBusy) {
		return nil
	}
	s.logger.Error().Err(err).Str("market", string(m)).Str("trigger", label).Msg("scheduled trigger failed")
	s.notify(ctx, alerting.Notification{
		Kind: alerting.KindError, Market: string(m), Title: label + " failed", Lines: []string{err.Error()},
	})
	return err
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.deps.Notifier == nil {
		return
	}
	note.Mode = s.opts.Mode
	note.At = s.now()
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch notification")
	}
}

func describeOrder(o broker.OrderResult) string {
	if o.Success {
		return fmt.Sprintf("OK %s (%s) %d x %s = %s", o.Name, o.InstrumentID, o.Qty, o.Price.String(),
			o.Price.Mul(decimal.NewFromInt(o.Qty)).String())
	}
	return fmt.Sprintf("FAIL %s (%s): %s", o.Name, o.InstrumentID, o.Message)
}

func describeSell(r broker.SellResult, prefix string) string {
	if !r.Success {
		return fmt.Sprintf("%sFAIL %s (%s): %s", prefix, r.Name, r.InstrumentID, r.Message)
	}
	pnl, rate := engine.RealizedPnL(r.AvgPrice, r.SellPrice, r.Qty)
	return fmt.Sprintf("%sOK %s (%s) %d | %s -> %s | %s (%s%%)", prefix, r.Name, r.InstrumentID, r.Qty,
		r.AvgPrice.String(), r.SellPrice.String(), pnl.StringFixed(2), rate.StringFixed(2))
}
