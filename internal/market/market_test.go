package market

import (
	"testing"
	"time"
)

func TestDetectAndSymbol(t *testing.T) {
	cases := []struct {
		in     string
		market Market
		symbol string
	}{
		{"005930", KR, "005930.KS"},
		{"005930.KQ", KR, "005930.KQ"},
		{"aapl", US, "AAPL"},
		{"BRK-B", US, "BRK-B"},
		{"12345", US, "12345"},
	}
	for _, tc := range cases {
		if got := Detect(tc.in); got != tc.market {
			t.Fatalf("Detect(%s) 期望 %s, 实际 %s", tc.in, tc.market, got)
		}
		if got := TradingSymbol(tc.in); got != tc.symbol {
			t.Fatalf("TradingSymbol(%s) 期望 %s, 实际 %s", tc.in, tc.symbol, got)
		}
	}
	if Normalize("005930.KS") != "005930" {
		t.Fatal("Normalize 应去掉 .KS 后缀")
	}
}

func TestValidateTicker(t *testing.T) {
	for _, ok := range []string{"AAPL", "BRK-B", "005930", "7203.T"} {
		if err := ValidateTicker(ok); err != nil {
			t.Fatalf("%s 应合法: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "aapl", "-X", "ABCDEFGHIJKLMNOPQ"} {
		if err := ValidateTicker(bad); err == nil {
			t.Fatalf("%q 应非法", bad)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:30")
	if err != nil || tod.Hour != 9 || tod.Minute != 30 {
		t.Fatalf("解析 09:30 失败: %v %+v", err, tod)
	}
	for _, bad := range []string{"9", "24:00", "12:60", "ab:cd"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("%q 应解析失败", bad)
		}
	}
}

func TestSessionWindow(t *testing.T) {
	kr := DefaultSession(KR)
	open := time.Date(2026, 10, 14, 9, 0, 0, 0, kr.Location)
	if !kr.WithinHours(open) {
		t.Fatal("09:00 应在 KR 交易时段内")
	}
	if kr.WithinHours(open.Add(6*time.Hour + 31*time.Minute)) {
		t.Fatal("15:31 应在 KR 交易时段外")
	}
	sat := time.Date(2026, 10, 17, 10, 0, 0, 0, kr.Location)
	if kr.IsWeekday(sat) {
		t.Fatal("周六不是交易日")
	}

	us := DefaultSession(US)
	// 22:30 KST on a Wednesday is 09:30 New York (EDT).
	if !us.WithinHours(time.Date(2026, 10, 14, 22, 30, 0, 0, kr.Location)) {
		t.Fatal("纽约 09:30 应在 US 交易时段内")
	}
}
