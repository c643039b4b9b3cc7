package signals

import (
	"fmt"
	"sort"
)

const (
	pctCeiling = 10.0
	pctFloor   = -3.0
)

// Score merges the ranked lists into candidates sorted by composite score.
// Ties keep first-seen order, walking sources fluctuation, volume, power, bulk, market_cap.
func Score(lists Lists, topK int) []Candidate {
	lookups := make(map[string]map[string]Entry, len(priority))
	var universe []string
	seen := make(map[string]struct{})

	for _, name := range priority {
		lookup := make(map[string]Entry, len(lists[name]))
		for _, e := range lists[name] {
			if e.InstrumentID == "" {
				continue
			}
			if _, dup := lookup[e.InstrumentID]; dup {
				continue
			}
			lookup[e.InstrumentID] = e
			if _, ok := seen[e.InstrumentID]; !ok {
				seen[e.InstrumentID] = struct{}{}
				universe = append(universe, e.InstrumentID)
			}
		}
		lookups[name] = lookup
	}

	scored := make([]Candidate, 0, len(universe))
	for _, id := range universe {
		canonical, ok := resolve(lookups, id)
		if !ok {
			continue
		}
		pct := canonical.PercentChange
		if pct > pctCeiling || pct < pctFloor {
			continue
		}

		c := Candidate{
			InstrumentID:  id,
			Name:          canonical.Name,
			Price:         canonical.Price,
			PercentChange: pct,
			Market:        canonical.Market,
			Currency:      canonical.Currency,
		}

		if e, ok := lookups[SourceVolume][id]; ok {
			c.add(10, fmt.Sprintf("volume rank %d", e.Rank))
		}
		if e, ok := lookups[SourcePower][id]; ok {
			switch {
			case e.Value >= 120:
				c.add(25, fmt.Sprintf("strength %.0f (strong buy pressure)", e.Value))
			case e.Value >= 100:
				c.add(15, fmt.Sprintf("strength %.0f", e.Value))
			}
		}
		if _, ok := lookups[SourceFluctuation][id]; ok {
			switch {
			case pct > 0 && pct <= 3:
				c.add(20, fmt.Sprintf("change %+.1f%% (moderate)", pct))
			case pct > 3 && pct <= 7:
				c.add(10, fmt.Sprintf("change %+.1f%%", pct))
			}
		}
		if e, ok := lookups[SourceBulk][id]; ok {
			c.add(15, fmt.Sprintf("block buy rank %d", e.Rank))
		}
		if e, ok := lookups[SourceMarketCap][id]; ok {
			c.add(5, fmt.Sprintf("market cap rank %d", e.Rank))
		}

		if c.Score <= 0 {
			continue
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK >= 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

func resolve(lookups map[string]map[string]Entry, id string) (Entry, bool) {
	for _, name := range priority {
		if e, ok := lookups[name][id]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

func (c *Candidate) add(points int, signal string) {
	c.Score += points
	c.Signals = append(c.Signals, signal)
}
