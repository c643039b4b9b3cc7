package analysis

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type section struct {
	title string
	parts [][2]string
}

// BuildReport renders the decision state as Markdown.
func BuildReport(d Decision, generated time.Time) string {
	s := d.State
	sections := []section{
		{title: "I. Analyst Team", parts: [][2]string{
			{"Market Analyst", s.MarketReport},
			{"Social Media Analyst", s.SentimentReport},
			{"News Analyst", s.NewsReport},
			{"Fundamentals Analyst", s.FundamentalsReport},
		}},
		{title: "II. Research Team", parts: [][2]string{
			{"Bull Researcher", s.InvestmentDebate.BullHistory},
			{"Bear Researcher", s.InvestmentDebate.BearHistory},
			{"Research Manager", s.InvestmentDebate.JudgeDecision},
		}},
		{title: "III. Trading Team", parts: [][2]string{
			{"Trader", s.TraderPlan},
		}},
		{title: "IV. Risk Management Team", parts: [][2]string{
			{"Aggressive Analyst", s.RiskDebate.AggressiveHistory},
			{"Conservative Analyst", s.RiskDebate.ConservativeHistory},
			{"Neutral Analyst", s.RiskDebate.NeutralHistory},
		}},
		{title: "V. Portfolio Manager", parts: [][2]string{
			{"Portfolio Manager", s.RiskDebate.JudgeDecision},
		}},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Trading Analysis Report: %s\n\n", d.Symbol)
	fmt.Fprintf(&b, "Generated: %s\n\n", generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Decision: **%s** (as of %s)\n", d.Verdict, d.Date)

	for _, sec := range sections {
		var body []string
		for _, p := range sec.parts {
			if strings.TrimSpace(p[1]) == "" {
				continue
			}
			body = append(body, fmt.Sprintf("### %s\n%s", p[0], p[1]))
		}
		if len(body) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sec.title, strings.Join(body, "\n\n"))
	}
	return b.String()
}

// Summary is a short plain text digest for notifications.
func Summary(d Decision) string {
	lines := []string{
		fmt.Sprintf("Symbol: %s", d.Symbol),
		fmt.Sprintf("Decision: %s", d.Verdict),
	}
	if plan := strings.TrimSpace(d.Plan); plan != "" {
		runes := []rune(plan)
		if len(runes) > 300 {
			plan = string(runes[:300]) + "…"
		}
		lines = append(lines, "Plan: "+plan)
	}
	return strings.Join(lines, "\n")
}

// WriteReport stores the Markdown report under dir and returns its path.
func WriteReport(dir string, d Decision, generated time.Time) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.md", strings.ReplaceAll(d.Symbol, "/", "_"), d.Date)
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid report name %q", name)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(BuildReport(d, generated)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
