package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/alerting"
	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/internal/engine"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/scheduler"
	"kis-daytrader/internal/service"
	"kis-daytrader/internal/signals"
	"kis-daytrader/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	gate engine.Gate
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the wired object graph shared by one command invocation.
type runtime struct {
	broker  broker.Broker
	store   storage.Ledger
	ledger  *engine.Ledger
	service *service.Service
}

func (a *App) newKIS() *broker.KIS {
	cfg := a.Config.KIS
	return broker.NewKIS(broker.KISOptions{
		AppKey:           cfg.AppKey,
		AppSecret:        cfg.AppSecret,
		AccountNo:        cfg.AccountNo,
		Virtual:          cfg.Virtual,
		BaseURL:          cfg.BaseURL,
		Timeout:          cfg.Timeout,
		ExchangeID:       cfg.ExchangeID,
		USVolumeRankPath: cfg.USVolumeRankPath,
		USVolumeRankTrID: cfg.USVolumeRankTrID,
		USExchanges:      cfg.USExchanges,
	}, a.Logger)
}

func (a *App) newBroker(kis *broker.KIS) broker.Broker {
	routes := map[market.Market]broker.Broker{market.KR: kis}
	if a.Config.Alpaca.Enabled {
		cfg := a.Config.Alpaca
		routes[market.US] = broker.NewAlpaca(broker.AlpacaOptions{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
			DataURL:   cfg.DataURL,
		}, a.Logger)
	}
	return broker.NewRouter(routes)
}

func (a *App) newPlans(kis *broker.KIS) map[market.Market]service.MarketPlan {
	t := a.Config.Trading
	opts := signals.FetcherOptions{
		Delay:       t.SourceDelay,
		CallTimeout: t.CallTimeout,
		Retries:     t.RetryAttempts,
		BaseBackoff: t.RetryBaseDelay,
	}

	plans := make(map[market.Market]service.MarketPlan)
	for _, m := range a.Config.EnabledMarkets() {
		mc := a.Config.Market(m)
		buyAt, _ := market.ParseTimeOfDay(mc.BuyTime)
		sellAt, _ := market.ParseTimeOfDay(mc.SellTime)
		plan := service.MarketPlan{
			BuyAt:          buyAt,
			SellAt:         sellAt,
			MaxOrderAmount: decimal.NewFromFloat(mc.MaxOrderAmount),
		}
		switch m {
		case market.KR:
			plan.Fetcher = signals.NewFetcher(signals.RankerSources(kis, t.RankingCount), opts, a.Logger)
			plan.Leaders = func(ctx context.Context) ([]signals.Entry, error) {
				return kis.TopMarketCap(ctx, t.RankingCount)
			}
		case market.US:
			plan.Fetcher = signals.NewFetcher(signals.USSources(kis, t.RankingCount), opts, a.Logger)
			plan.Leaders = func(ctx context.Context) ([]signals.Entry, error) {
				return kis.USVolumeRank(ctx, t.RankingCount)
			}
		}
		plans[m] = plan
	}
	return plans
}

func (a *App) thresholds() map[market.Market]engine.Thresholds {
	out := make(map[market.Market]engine.Thresholds)
	for _, m := range a.Config.EnabledMarkets() {
		mc := a.Config.Market(m)
		out[m] = engine.Thresholds{
			StopLossPct:   decimal.NewFromFloat(mc.StopLossPct),
			TakeProfitPct: decimal.NewFromFloat(mc.TakeProfitPct),
		}
	}
	return out
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.Ledger, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close ledger failed")
		}
	}
	return store, closer, nil
}

func (a *App) mode() string {
	if a.Config.KIS.Virtual {
		return "paper"
	}
	return "live"
}

// open wires the broker, ledger and engine components into a service.
func (a *App) open(ctx context.Context) (*runtime, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	kis := a.newKIS()
	b := a.newBroker(kis)
	ledger := engine.NewLedger(store, a.Logger)
	t := a.Config.Trading

	svc := service.New(service.Deps{
		Broker: b,
		Pipeline: engine.NewPipeline(
			analysis.NewHTTPEngine(analysis.HTTPOptions{
				BaseURL: a.Config.Analysis.BaseURL,
				APIKey:  a.Config.Analysis.APIKey,
				Timeout: a.Config.Analysis.Timeout,
			}, a.Logger),
			engine.PipelineOptions{CallTimeout: a.Config.Analysis.Timeout},
			a.Logger,
		),
		Allocator:  engine.NewAllocator(b, a.Logger),
		Monitor:    engine.NewMonitor(b, ledger, a.thresholds(), a.Logger),
		Liquidator: engine.NewLiquidator(b, ledger, t.OrderPause, t.SellRetryDelay, a.Logger),
		Ledger:     ledger,
		Gate:       &a.gate,
		Locker:     locker,
		Notifier:   a.newNotifier(),
	}, service.Options{
		Markets:        a.newPlans(kis),
		Picks:          t.Picks,
		CandidateCount: t.CandidateCount,
		LockKey:        a.Config.Database.AdvisoryLockKey,
		Mode:           a.mode(),
		ReportDir:      a.Config.Analysis.ReportDir,
	}, a.Logger)

	return &runtime{broker: b, store: store, ledger: ledger, service: svc}, closeStore, nil
}

// Run executes the long-running trading service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, closeStore, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	daily := scheduler.NewDaily(a.Logger)
	monitor := scheduler.New(scheduler.Options{
		Interval:     a.Config.Trading.MonitorInterval,
		AlignToStart: true,
	}, a.Logger)

	a.Logger.Info().Strs("markets", marketNames(a.Config.EnabledMarkets())).Str("mode", a.mode()).
		Dur("monitor_interval", a.Config.Trading.MonitorInterval).Msg("starting trading service")
	err = rt.service.Run(ctx, daily, monitor)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("trading service stopped")
	return nil
}

func marketNames(ms []market.Market) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m))
	}
	return out
}

func (a *App) resolveMarkets(raw string) ([]market.Market, error) {
	if raw == "" {
		return a.Config.EnabledMarkets(), nil
	}
	m, err := market.Parse(raw)
	if err != nil {
		return nil, err
	}
	if m == market.All {
		return a.Config.EnabledMarkets(), nil
	}
	return []market.Market{m}, nil
}

// ExportOptions hold parameters for exporting realised pnl history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxRows int
}

// ShowOptions configure the trades command.
type ShowOptions struct {
	Limit int
}
