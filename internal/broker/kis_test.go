package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
	"kis-daytrader/internal/signals"
)

func newKISServer(t *testing.T, handler http.HandlerFunc) (*KIS, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc(kisTokenPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":               "tok",
			"access_token_token_expired": time.Now().Add(24 * time.Hour).Format(kisTokenTimeLayout),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "Bearer tok" {
			t.Fatalf("缺少 Bearer token: %q", r.Header.Get("authorization"))
		}
		if r.Header.Get("appkey") != "key" || r.Header.Get("tr_id") == "" {
			t.Fatalf("缺少 appkey/tr_id 请求头")
		}
		handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	k := NewKIS(KISOptions{AppKey: "key", AppSecret: "secret", AccountNo: "12345678-01", Virtual: true, BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	return k, &tokenCalls
}

func TestKISBalance(t *testing.T) {
	k, tokenCalls := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != kisBalancePath {
			t.Fatalf("路径错误: %s", r.URL.Path)
		}
		if r.Header.Get("tr_id") != "VTTC8434R" {
			t.Fatalf("模拟盘应使用 VTTC8434R, 实际 %s", r.Header.Get("tr_id"))
		}
		if r.URL.Query().Get("CANO") != "12345678" || r.URL.Query().Get("ACNT_PRDT_CD") != "01" {
			t.Fatalf("账户号拆分错误: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output1": []map[string]string{
				{"pdno": "005930", "prdt_name": "Samsung", "hldg_qty": "10", "pchs_avg_pric": "70000.0", "prpr": "66000", "evlu_pfls_amt": "-40000", "evlu_pfls_rt": "-5.71"},
				{"pdno": "000660", "prdt_name": "Hynix", "hldg_qty": "0", "pchs_avg_pric": "0", "prpr": "0", "evlu_pfls_amt": "0", "evlu_pfls_rt": "0"},
			},
			"output2": []map[string]string{{"tot_evlu_amt": "1,660,000", "evlu_pfls_smtl_amt": "-40000", "dnca_tot_amt": "1000000"}},
		})
	})

	bal, err := k.Balance(context.Background(), market.KR)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if len(bal.Holdings) != 1 {
		t.Fatalf("数量为 0 的持仓应被过滤, 实际 %d", len(bal.Holdings))
	}
	h := bal.Holdings[0]
	if h.InstrumentID != "005930" || h.Qty != 10 || !h.PnLRate.Equal(decimal.RequireFromString("-5.71")) {
		t.Fatalf("持仓解析错误: %+v", h)
	}
	if !bal.Cash("KRW").Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("现金解析错误: %s", bal.Cash("KRW"))
	}
	if !bal.Summaries["KRW"].TotalEval.Equal(decimal.NewFromInt(1660000)) {
		t.Fatalf("总评估额应忽略千分位逗号")
	}

	if _, err := k.Balance(context.Background(), market.KR); err != nil {
		t.Fatalf("第二次查询失败: %v", err)
	}
	if atomic.LoadInt32(tokenCalls) != 1 {
		t.Fatalf("token 应被缓存, 实际签发 %d 次", *tokenCalls)
	}
}

func TestKISOrder(t *testing.T) {
	var body map[string]string
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != kisOrderPath || r.Method != http.MethodPost {
			t.Fatalf("应 POST 下单路径, 实际 %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("tr_id") != "VTTC0011U" {
			t.Fatalf("模拟盘卖出应使用 VTTC0011U, 实际 %s", r.Header.Get("tr_id"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "msg1": "ok", "output": map[string]string{"ODNO": "0001"}})
	})

	res, err := k.Sell(context.Background(), "005930.KS", 3, market.KR)
	if err != nil {
		t.Fatalf("卖出失败: %v", err)
	}
	if !res.Success || res.OrderID != "0001" {
		t.Fatalf("下单结果解析错误: %+v", res)
	}
	if body["PDNO"] != "005930" || body["ORD_QTY"] != "3" || body["ORD_DVSN"] != "01" || body["ORD_UNPR"] != "0" {
		t.Fatalf("下单请求体错误: %+v", body)
	}
}

func TestKISOrderRejected(t *testing.T) {
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rt_cd": "1", "msg1": "insufficient"})
	})
	res, err := k.Buy(context.Background(), "005930", 1, market.KR)
	if err != nil {
		t.Fatalf("业务拒绝不应返回 error: %v", err)
	}
	if res.Success || res.Message != "insufficient" {
		t.Fatalf("应返回失败结果: %+v", res)
	}
}

func TestKISRankingParsesRows(t *testing.T) {
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != kisVolumePowerPath {
			t.Fatalf("路径错误: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": []map[string]string{
				{"stck_shrn_iscd": "005930", "hts_kor_isnm": " Samsung ", "data_rank": "1", "stck_prpr": "70000", "prdy_ctrt": "1.25", "tday_rltv": "131.5"},
				{"stck_shrn_iscd": "", "hts_kor_isnm": "blank"},
			},
		})
	})
	entries, err := k.VolumePower(context.Background(), 30)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("空代码行应被跳过, 实际 %d", len(entries))
	}
	e := entries[0]
	if e.InstrumentID != "005930" || e.Name != "Samsung" || e.Value != 131.5 || e.PercentChange != 1.25 || e.Rank != 1 {
		t.Fatalf("排行解析错误: %+v", e)
	}
}

func TestKISRankingErrorsClassify(t *testing.T) {
	var status int32 = http.StatusServiceUnavailable
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"msg1":"busy"}`))
	})

	_, err := k.BulkTrans(context.Background(), 30)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("应返回带状态码的 APIError: %v", err)
	}
	if !signals.Retryable(err) {
		t.Fatal("503 应可重试")
	}

	atomic.StoreInt32(&status, http.StatusForbidden)
	_, err = k.BulkTrans(context.Background(), 30)
	if signals.Retryable(err) {
		t.Fatal("403 不应重试")
	}
}

func TestKISRankingMalformedIsPermanent(t *testing.T) {
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	_, err := k.TopMarketCap(context.Background(), 30)
	if err == nil {
		t.Fatal("非 JSON 响应应报错")
	}
	if signals.Retryable(err) {
		t.Fatal("格式错误不应重试")
	}
}

func TestKISVirtualHolidayIsWeekdayOnly(t *testing.T) {
	k, _ := newKISServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("模拟盘不应调用休市接口")
	})
	loc := market.DefaultSession(market.KR).Location
	open, err := k.IsMarketOpen(context.Background(), time.Date(2026, 10, 14, 10, 0, 0, 0, loc), market.KR)
	if err != nil || !open {
		t.Fatalf("周三应开市: %v %v", open, err)
	}
	open, _ = k.IsMarketOpen(context.Background(), time.Date(2026, 10, 18, 10, 0, 0, 0, loc), market.KR)
	if open {
		t.Fatal("周日应休市")
	}
}

func TestKISRealHolidayLookupCached(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc(kisTokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "access_token_token_expired": "2099-01-01 00:00:00"})
	})
	mux.HandleFunc(kisHolidayPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"output": []map[string]string{{"bass_dt": r.URL.Query().Get("BASS_DT"), "opnd_yn": "N"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	k := NewKIS(KISOptions{AppKey: "key", AppSecret: "secret", AccountNo: "1-01", BaseURL: srv.URL}, zerolog.Nop())
	day := time.Date(2026, 10, 9, 10, 0, 0, 0, market.DefaultSession(market.KR).Location)
	for i := 0; i < 3; i++ {
		open, err := k.IsMarketOpen(context.Background(), day, market.KR)
		if err != nil || open {
			t.Fatalf("休市日应返回 false: %v %v", open, err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("休市结果应缓存, 实际调用 %d 次", calls)
	}
}
