package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the engine's final call.
type Verdict string

const (
	Buy  Verdict = "BUY"
	Sell Verdict = "SELL"
	Hold Verdict = "HOLD"
)

var proposalPattern = regexp.MustCompile(`(?i)FINAL TRANSACTION PROPOSAL:\s*\*{0,2}\s*(BUY|SELL|HOLD)\b\s*\*{0,2}`)

// Decision is an immutable engine result.
type Decision struct {
	Symbol    string
	Date      string
	Verdict   Verdict
	Narrative string
	Plan      string
	State     State
}

// State holds the engine's free text report sections.
type State struct {
	MarketReport       string      `json:"market_report"`
	SentimentReport    string      `json:"sentiment_report"`
	NewsReport         string      `json:"news_report"`
	FundamentalsReport string      `json:"fundamentals_report"`
	InvestmentPlan     string      `json:"investment_plan"`
	TraderPlan         string      `json:"trader_investment_plan"`
	FinalDecision      string      `json:"final_trade_decision"`
	InvestmentDebate   DebateState `json:"investment_debate_state"`
	RiskDebate         RiskState   `json:"risk_debate_state"`
}

// DebateState is the research team exchange.
type DebateState struct {
	BullHistory   string `json:"bull_history"`
	BearHistory   string `json:"bear_history"`
	JudgeDecision string `json:"judge_decision"`
}

// RiskState is the risk team exchange.
type RiskState struct {
	AggressiveHistory   string `json:"aggressive_history"`
	ConservativeHistory string `json:"conservative_history"`
	NeutralHistory      string `json:"neutral_history"`
	JudgeDecision       string `json:"judge_decision"`
}

// Engine evaluates one symbol as of a date.
type Engine interface {
	Evaluate(ctx context.Context, symbol, date string) (Decision, error)
}

// ParseVerdict accepts a bare BUY/SELL/HOLD token (any case, surrounding
// markdown or punctuation trimmed) or a "FINAL TRANSACTION PROPOSAL: **X**"
// line. Any other text is an error; free prose is never mined for a verdict.
func ParseVerdict(raw string) (Verdict, error) {
	cleaned := strings.ToUpper(strings.Trim(strings.TrimSpace(raw), "*.!\"'` "))
	switch Verdict(cleaned) {
	case Buy, Sell, Hold:
		return Verdict(cleaned), nil
	}

	matches := proposalPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no verdict in %q", truncate(raw, 80))
	}
	verdict := Verdict(strings.ToUpper(matches[0][1]))
	for _, m := range matches[1:] {
		if Verdict(strings.ToUpper(m[1])) != verdict {
			return "", fmt.Errorf("conflicting proposals in %q", truncate(raw, 80))
		}
	}
	return verdict, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
