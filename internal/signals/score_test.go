package signals

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func entry(id string, pct float64, rank int, value float64) Entry {
	return Entry{InstrumentID: id, Name: id, Price: decimal.NewFromInt(1000), PercentChange: pct, Rank: rank, Value: value}
}

func TestScoreThreeSourceCandidate(t *testing.T) {
	lists := Lists{
		SourceVolume:      {entry("X", 2.0, 1, 0)},
		SourcePower:       {entry("X", 2.0, 1, 130)},
		SourceFluctuation: {entry("X", 2.0, 1, 0)},
		SourceBulk:        nil,
		SourceMarketCap:   nil,
	}

	got := Score(lists, 10)
	if len(got) != 1 {
		t.Fatalf("期望 1 个候选, 实际 %d", len(got))
	}
	if got[0].Score != 55 {
		t.Fatalf("期望得分 55, 实际 %d", got[0].Score)
	}
	if len(got[0].Signals) != 3 {
		t.Fatalf("期望 3 个信号, 实际 %v", got[0].Signals)
	}
}

func TestScoreExcludesOverheatedCandidate(t *testing.T) {
	lists := Lists{
		SourceVolume:      {entry("HOT", 12, 1, 0), entry("OK", 1, 2, 0)},
		SourcePower:       {entry("HOT", 12, 1, 150)},
		SourceFluctuation: {entry("HOT", 12, 1, 0)},
	}

	got := Score(lists, 10)
	for _, c := range got {
		if c.InstrumentID == "HOT" {
			t.Fatal("涨幅 +12% 的标的应被排除")
		}
	}
	if len(got) != 1 || got[0].InstrumentID != "OK" {
		t.Fatalf("仅应保留 OK, 实际 %+v", got)
	}
}

func TestScoreBoundaryPercentChange(t *testing.T) {
	lists := Lists{
		SourceFluctuation: {entry("TEN", 10, 1, 0), entry("NEG3", -3, 2, 0), entry("BELOW", -3.01, 3, 0)},
		SourceVolume:      {entry("TEN", 10, 1, 0), entry("NEG3", -3, 2, 0), entry("BELOW", -3.01, 3, 0)},
	}
	got := Score(lists, 10)
	ids := map[string]bool{}
	for _, c := range got {
		ids[c.InstrumentID] = true
	}
	if !ids["TEN"] || !ids["NEG3"] {
		t.Fatalf("+10%% 与 -3%% 应保留: %+v", got)
	}
	if ids["BELOW"] {
		t.Fatal("-3.01% 应被排除")
	}
}

func TestScorePercentChangePriority(t *testing.T) {
	// fluctuation wins over volume when both list the instrument.
	lists := Lists{
		SourceVolume:      {entry("A", 15, 1, 0)},
		SourceFluctuation: {entry("A", 2, 1, 0)},
	}
	got := Score(lists, 10)
	if len(got) != 1 || got[0].PercentChange != 2 {
		t.Fatalf("应使用 fluctuation 的涨跌幅, 实际 %+v", got)
	}
	if got[0].Score != 30 {
		t.Fatalf("期望 10+20=30, 实际 %d", got[0].Score)
	}
}

func TestScoreDropsZeroAndSortsStable(t *testing.T) {
	lists := Lists{
		SourceFluctuation: {entry("ZERO", -1, 1, 0), entry("B", 4, 2, 0)},
		SourceMarketCap:   {entry("C", 0, 1, 0), entry("D", 0, 2, 0)},
		SourceBulk:        {entry("E", 1, 1, 0)},
	}
	got := Score(lists, 10)
	order := ""
	for _, c := range got {
		order += c.InstrumentID + fmt.Sprint(c.Score) + " "
	}
	// E 15, B 10, C 5, D 5; ZERO has no points.
	if order != "E15 B10 C5 D5 " {
		t.Fatalf("排序不符合预期: %s", order)
	}

	if top := Score(lists, 2); len(top) != 2 {
		t.Fatalf("topK=2 应只返回 2 个, 实际 %d", len(top))
	}
}

func TestScoreNeverEmitsOutOfRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{SourceVolume, SourcePower, SourceFluctuation, SourceBulk, SourceMarketCap}
	for round := 0; round < 200; round++ {
		lists := Lists{}
		for _, name := range names {
			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("T%02d", rng.Intn(20))
				pct := rng.Float64()*30 - 15
				lists[name] = append(lists[name], entry(id, pct, i+1, rng.Float64()*200))
			}
		}
		for _, c := range Score(lists, 50) {
			if c.PercentChange > 10 || c.PercentChange < -3 {
				t.Fatalf("候选 %s 涨跌幅 %.2f 超出范围", c.InstrumentID, c.PercentChange)
			}
			if c.Score != expectedScore(lists, c) {
				t.Fatalf("候选 %s 得分 %d 与逐项求和不一致", c.InstrumentID, c.Score)
			}
		}
	}
}

func expectedScore(lists Lists, c Candidate) int {
	first := func(name string) (Entry, bool) {
		for _, e := range lists[name] {
			if e.InstrumentID == c.InstrumentID {
				return e, true
			}
		}
		return Entry{}, false
	}
	total := 0
	if _, ok := first(SourceVolume); ok {
		total += 10
	}
	if e, ok := first(SourcePower); ok {
		if e.Value >= 120 {
			total += 25
		} else if e.Value >= 100 {
			total += 15
		}
	}
	if _, ok := first(SourceFluctuation); ok {
		if c.PercentChange > 0 && c.PercentChange <= 3 {
			total += 20
		} else if c.PercentChange > 3 && c.PercentChange <= 7 {
			total += 10
		}
	}
	if _, ok := first(SourceBulk); ok {
		total += 15
	}
	if _, ok := first(SourceMarketCap); ok {
		total += 5
	}
	return total
}
