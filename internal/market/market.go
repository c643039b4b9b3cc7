package market

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// Market identifies an exchange group with its own session and currency.
type Market string

const (
	KR  Market = "KR"
	US  Market = "US"
	All Market = "ALL"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// Parse accepts kr/us/all in any case.
func Parse(raw string) (Market, error) {
	switch Market(strings.ToUpper(strings.TrimSpace(raw))) {
	case KR:
		return KR, nil
	case US:
		return US, nil
	case All, "":
		return All, nil
	default:
		return "", fmt.Errorf("unknown market %q", raw)
	}
}

// Currency returns the settlement currency code.
func (m Market) Currency() string {
	if m == US {
		return "USD"
	}
	return "KRW"
}

// Lower is used to build daily action keys.
func (m Market) Lower() string {
	return strings.ToLower(string(m))
}

// Detect infers the market from a ticker: .KS/.KQ suffixes and 6-digit codes are KR.
func Detect(ticker string) Market {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if strings.HasSuffix(t, ".KS") || strings.HasSuffix(t, ".KQ") {
		return KR
	}
	if isKRCode(t) {
		return KR
	}
	return US
}

// Normalize strips exchange suffixes so the broker sees its native code.
func Normalize(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if strings.HasSuffix(t, ".KS") || strings.HasSuffix(t, ".KQ") {
		return t[:len(t)-3]
	}
	return t
}

// TradingSymbol maps a broker code to the symbol the analysis engine expects.
func TradingSymbol(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if strings.HasSuffix(t, ".KS") || strings.HasSuffix(t, ".KQ") {
		return t
	}
	if isKRCode(t) {
		return t + ".KS"
	}
	return t
}

// ValidateTicker checks the textual shape of a user supplied ticker.
func ValidateTicker(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("ticker is required")
	}
	if !tickerPattern.MatchString(ticker) {
		return fmt.Errorf("invalid ticker %q (examples: AAPL, BRK-B, 005930)", ticker)
	}
	return nil
}

func isKRCode(t string) bool {
	if len(t) != 6 {
		return false
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DateKey formats t as the ledger's calendar date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.DateOnly)
}
