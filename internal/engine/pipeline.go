package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/analysis"
	"kis-daytrader/internal/market"
	"kis-daytrader/internal/signals"
)

// BuyTarget is a candidate the analysis engine voted BUY on.
type BuyTarget struct {
	InstrumentID   string
	Name           string
	Score          int
	ReferencePrice decimal.Decimal
	Market         market.Market
	Currency       string
}

// Evaluation is the outcome for one analysed candidate.
type Evaluation struct {
	Candidate signals.Candidate
	Symbol    string
	Decision  analysis.Decision
	Err       error
}

// PipelineOptions tune the decision pipeline.
type PipelineOptions struct {
	CallTimeout time.Duration
}

// Pipeline runs candidates through the analysis engine one at a time.
type Pipeline struct {
	engine analysis.Engine
	opts   PipelineOptions
	now    func() time.Time
	logger zerolog.Logger
}

// NewPipeline constructs a pipeline around engine.
func NewPipeline(engine analysis.Engine, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		engine: engine,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run drops held instruments, evaluates up to maxPicks candidates in order and
// returns the BUY targets in that same order. Failed evaluations are reported
// in the evaluations slice and skipped.
func (p *Pipeline) Run(ctx context.Context, candidates []signals.Candidate, held map[string]struct{}, maxPicks int) ([]BuyTarget, []Evaluation) {
	runID := uuid.New().String()
	logger := p.logger.With().Str("run_id", runID).Logger()

	filtered := make([]signals.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := held[c.InstrumentID]; ok {
			continue
		}
		filtered = append(filtered, c)
	}
	if maxPicks >= 0 && len(filtered) > maxPicks {
		filtered = filtered[:maxPicks]
	}
	logger.Info().Str("event", "PIPELINE_START").Int("raw", len(candidates)).Int("filtered", len(filtered)).Msg("evaluating candidates")

	var (
		targets     []BuyTarget
		evaluations = make([]Evaluation, 0, len(filtered))
	)
	for _, c := range filtered {
		if ctx.Err() != nil {
			break
		}
		ev := p.evaluate(ctx, c)
		evaluations = append(evaluations, ev)
		if ev.Err != nil {
			logger.Error().Err(ev.Err).Str("event", "ANALYZE_ERROR").Str("instrument", c.InstrumentID).Msg("candidate dropped")
			continue
		}
		logger.Info().Str("event", "ANALYZED").Str("instrument", c.InstrumentID).
			Str("verdict", string(ev.Decision.Verdict)).Int("score", c.Score).Msg("candidate analysed")
		if ev.Decision.Verdict == analysis.Buy {
			targets = append(targets, BuyTarget{
				InstrumentID:   c.InstrumentID,
				Name:           c.Name,
				Score:          c.Score,
				ReferencePrice: c.Price,
				Market:         c.Market,
				Currency:       c.Currency,
			})
		}
	}
	return targets, evaluations
}

// Evaluate analyses one symbol outside of a scored run.
func (p *Pipeline) Evaluate(ctx context.Context, ticker, date string) (analysis.Decision, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.engine.Evaluate(callCtx, market.TradingSymbol(ticker), date)
}

func (p *Pipeline) evaluate(ctx context.Context, c signals.Candidate) Evaluation {
	m := c.Market
	if m == "" {
		m = market.Detect(c.InstrumentID)
	}
	date := market.DateKey(p.now(), market.DefaultSession(m).Location)
	symbol := market.TradingSymbol(c.InstrumentID)

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	decision, err := p.engine.Evaluate(callCtx, symbol, date)
	return Evaluation{Candidate: c, Symbol: symbol, Decision: decision, Err: err}
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.CallTimeout)
}
