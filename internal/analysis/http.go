package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
)

const propagatePath = "/propagate"

// HTTPOptions configure the remote analysis engine client.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPEngine calls a remote multi-agent analysis service.
type HTTPEngine struct {
	client *resty.Client
	logger zerolog.Logger
}

type propagateRequest struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
}

type propagateResponse struct {
	Decision string `json:"decision"`
	State    State  `json:"state"`
}

// NewHTTPEngine constructs the client.
func NewHTTPEngine(opts HTTPOptions, logger zerolog.Logger) *HTTPEngine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &HTTPEngine{
		client: client,
		logger: logger.With().Str("component", "analysis_engine").Logger(),
	}
}

// Evaluate submits symbol/date and parses the verdict from the response.
func (e *HTTPEngine) Evaluate(ctx context.Context, symbol, date string) (Decision, error) {
	started := time.Now()
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(propagateRequest{Symbol: symbol, Date: date}).
		Post(propagatePath)
	if err != nil {
		return Decision{}, fmt.Errorf("call analysis engine: %w", err)
	}
	if resp.IsError() {
		return Decision{}, fmt.Errorf("analysis engine status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	parsed, err := decodePropagate(resp.Body())
	if err != nil {
		return Decision{}, err
	}

	verdict, err := ParseVerdict(parsed.Decision)
	if err != nil {
		verdict, err = ParseVerdict(parsed.State.FinalDecision)
		if err != nil {
			return Decision{}, fmt.Errorf("parse verdict for %s: %w", symbol, err)
		}
	}

	e.logger.Info().Str("symbol", symbol).Str("date", date).Str("verdict", string(verdict)).
		Dur("elapsed", time.Since(started)).Msg("analysis completed")

	return Decision{
		Symbol:    symbol,
		Date:      date,
		Verdict:   verdict,
		Narrative: parsed.State.FinalDecision,
		Plan:      firstNonEmpty(parsed.State.InvestmentPlan, parsed.State.TraderPlan),
		State:     parsed.State,
	}, nil
}

// decodePropagate tolerates the slightly broken JSON language models emit.
func decodePropagate(body []byte) (propagateResponse, error) {
	var out propagateResponse
	if err := json.Unmarshal(body, &out); err == nil {
		return out, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(body))
	if err != nil {
		return out, fmt.Errorf("repair analysis response: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return out, fmt.Errorf("decode analysis response: %w", err)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ Engine = (*HTTPEngine)(nil)
