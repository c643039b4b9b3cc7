package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

const (
	kisBalancePath = "/uapi/domestic-stock/v1/trading/inquire-balance"
	kisPricePath   = "/uapi/domestic-stock/v1/quotations/inquire-price"
	kisOrderPath   = "/uapi/domestic-stock/v1/trading/order-cash"
	kisHolidayPath = "/uapi/domestic-stock/v1/quotations/chk-holiday"

	kisPriceTrID   = "FHKST01010100"
	kisHolidayTrID = "CTCA0903R"
)

type kisBalanceResponse struct {
	Output1 []struct {
		Pdno        string    `json:"pdno"`
		PrdtName    string    `json:"prdt_name"`
		HldgQty     kisNumber `json:"hldg_qty"`
		PchsAvgPric kisNumber `json:"pchs_avg_pric"`
		Prpr        kisNumber `json:"prpr"`
		EvluPflsAmt kisNumber `json:"evlu_pfls_amt"`
		EvluPflsRt  kisNumber `json:"evlu_pfls_rt"`
	} `json:"output1"`
	Output2 []struct {
		TotEvluAmt      kisNumber `json:"tot_evlu_amt"`
		EvluPflsSmtlAmt kisNumber `json:"evlu_pfls_smtl_amt"`
		DncaTotAmt      kisNumber `json:"dnca_tot_amt"`
	} `json:"output2"`
}

type kisPriceResponse struct {
	Output struct {
		StckPrpr kisNumber `json:"stck_prpr"`
	} `json:"output"`
}

type kisOrderResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		ODNO string `json:"ODNO"`
	} `json:"output"`
}

type kisHolidayResponse struct {
	Output []struct {
		BassDt string `json:"bass_dt"`
		OpndYn string `json:"opnd_yn"`
	} `json:"output"`
}

// Balance returns domestic holdings with quantity > 0 and the KRW summary.
func (k *KIS) Balance(ctx context.Context, m market.Market) (Balance, error) {
	if m == market.US {
		return Balance{}, errUSNotRouted
	}
	trID := "TTTC8434R"
	if k.opts.Virtual {
		trID = "VTTC8434R"
	}

	var resp kisBalanceResponse
	err := k.get(ctx, kisBalancePath, trID, map[string]string{
		"CANO":                  k.cano,
		"ACNT_PRDT_CD":          k.acntPrdtCd,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "01",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}, &resp)
	if err != nil {
		return Balance{}, err
	}

	bal := Balance{Summaries: map[string]Summary{}}
	for _, item := range resp.Output1 {
		qty := item.HldgQty.Int()
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			InstrumentID: item.Pdno,
			Name:         item.PrdtName,
			Qty:          qty,
			AvgPrice:     item.PchsAvgPric.Decimal(),
			CurrentPrice: item.Prpr.Decimal(),
			PnL:          item.EvluPflsAmt.Decimal(),
			PnLRate:      item.EvluPflsRt.Decimal(),
			Market:       market.KR,
			Currency:     "KRW",
			Exchange:     k.opts.ExchangeID,
		})
	}

	summary := Summary{Currency: "KRW"}
	if len(resp.Output2) > 0 {
		s := resp.Output2[0]
		summary.TotalEval = s.TotEvluAmt.Decimal()
		summary.TotalPnL = s.EvluPflsSmtlAmt.Decimal()
		summary.Cash = s.DncaTotAmt.Decimal()
	}
	bal.Summaries["KRW"] = summary
	return bal, nil
}

// Price returns the last traded price of a domestic instrument.
func (k *KIS) Price(ctx context.Context, id string, m market.Market) (decimal.Decimal, error) {
	if m == market.US {
		return decimal.Zero, errUSNotRouted
	}
	var resp kisPriceResponse
	err := k.get(ctx, kisPricePath, kisPriceTrID, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         market.Normalize(id),
	}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	return resp.Output.StckPrpr.Decimal(), nil
}

// Buy submits a domestic market buy.
func (k *KIS) Buy(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	return k.order(ctx, "BUY", id, qty, m)
}

// Sell submits a domestic market sell.
func (k *KIS) Sell(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	return k.order(ctx, "SELL", id, qty, m)
}

func (k *KIS) order(ctx context.Context, side, id string, qty int64, m market.Market) (OrderResult, error) {
	if m == market.US {
		return OrderResult{}, errUSNotRouted
	}
	if qty <= 0 {
		return OrderResult{}, fmt.Errorf("order quantity must be positive, got %d", qty)
	}

	trID := "TTTC0012U"
	sllType := ""
	if k.opts.Virtual {
		trID = "VTTC0012U"
	}
	if side == "SELL" {
		trID = "TTTC0011U"
		if k.opts.Virtual {
			trID = "VTTC0011U"
		}
		sllType = "00"
	}

	code := market.Normalize(id)
	var resp kisOrderResponse
	err := k.post(ctx, kisOrderPath, trID, map[string]string{
		"CANO":            k.cano,
		"ACNT_PRDT_CD":    k.acntPrdtCd,
		"PDNO":            code,
		"EXCG_ID_DVSN_CD": k.opts.ExchangeID,
		"ORD_DVSN":        "01",
		"ORD_QTY":         strconv.FormatInt(qty, 10),
		"ORD_UNPR":        "0",
		"SLL_TYPE":        sllType,
		"CNDT_PRIC":       "",
	}, &resp)
	if err != nil {
		return OrderResult{}, err
	}

	result := OrderResult{
		InstrumentID: code,
		Success:      resp.RtCd == "0",
		Message:      resp.Msg1,
		OrderID:      resp.Output.ODNO,
		Qty:          qty,
		Market:       market.KR,
		Currency:     "KRW",
	}
	k.logger.Info().Str("side", side).Str("instrument", code).Int64("qty", qty).
		Bool("success", result.Success).Str("order_id", result.OrderID).Msg("kis order submitted")
	return result, nil
}

// IsMarketOpen reports whether day is a domestic trading day.
// Paper trading has no holiday endpoint, so weekdays count as open there.
func (k *KIS) IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error) {
	if m == market.US {
		return false, errUSNotRouted
	}
	if !k.session.IsWeekday(day) {
		return false, nil
	}
	if k.opts.Virtual {
		return true, nil
	}

	key := day.In(k.session.Location).Format("20060102")
	k.holidayMu.Lock()
	cached, ok := k.holidays[key]
	k.holidayMu.Unlock()
	if ok {
		return cached, nil
	}

	var resp kisHolidayResponse
	err := k.get(ctx, kisHolidayPath, kisHolidayTrID, map[string]string{
		"BASS_DT":     key,
		"CTX_AREA_FK": "",
		"CTX_AREA_NK": "",
	}, &resp)
	if err != nil {
		k.logger.Warn().Err(err).Str("date", key).Msg("holiday lookup failed; assuming open")
		return true, nil
	}

	open := true
	for _, item := range resp.Output {
		if item.BassDt == key {
			open = item.OpndYn == "Y"
			break
		}
	}
	k.holidayMu.Lock()
	k.holidays[key] = open
	k.holidayMu.Unlock()
	return open, nil
}

// IsMarketOpenNow reports whether the domestic regular session is running.
func (k *KIS) IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error) {
	now := k.now()
	open, err := k.IsMarketOpen(ctx, now, m)
	if err != nil || !open {
		return false, err
	}
	return k.session.WithinHours(now), nil
}

var _ Broker = (*KIS)(nil)
