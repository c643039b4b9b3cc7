package signals

import (
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

// Source names referenced by the point table.
const (
	SourceVolume      = "volume"
	SourcePower       = "power"
	SourceFluctuation = "fluctuation"
	SourceBulk        = "bulk"
	SourceMarketCap   = "market_cap"
)

// priority is the order used to resolve percent change, name and price.
var priority = []string{SourceFluctuation, SourceVolume, SourcePower, SourceBulk, SourceMarketCap}

// Entry is one row of one ranked list.
type Entry struct {
	InstrumentID  string
	Name          string
	Price         decimal.Decimal
	PercentChange float64
	Rank          int
	// Value holds the list specific figure: volume, relative strength, buy count or market cap.
	Value    float64
	Market   market.Market
	Currency string
}

// Lists holds one fetched list per source name.
type Lists map[string][]Entry

// Candidate is a scored instrument.
type Candidate struct {
	InstrumentID  string
	Name          string
	Price         decimal.Decimal
	PercentChange float64
	Score         int
	Signals       []string
	Market        market.Market
	Currency      string
}
