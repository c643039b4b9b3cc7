package broker

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"kis-daytrader/internal/market"
	"kis-daytrader/internal/signals"
)

const (
	kisVolumeRankPath  = "/uapi/domestic-stock/v1/quotations/volume-rank"
	kisVolumePowerPath = "/uapi/domestic-stock/v1/ranking/volume-power"
	kisFluctuationPath = "/uapi/domestic-stock/v1/ranking/fluctuation"
	kisBulkTransPath   = "/uapi/domestic-stock/v1/ranking/bulk-trans-num"
	kisMarketCapPath   = "/uapi/domestic-stock/v1/ranking/market-cap"

	kisVolumeRankTrID  = "FHPST01710000"
	kisVolumePowerTrID = "FHPST01680000"
	kisFluctuationTrID = "FHPST01700000"
	kisBulkTransTrID   = "FHKST190900C0"
	kisMarketCapTrID   = "FHPST01740000"
)

type kisRankRow struct {
	MkscShrnIscd string    `json:"mksc_shrn_iscd"`
	StckShrnIscd string    `json:"stck_shrn_iscd"`
	HtsKorIsnm   string    `json:"hts_kor_isnm"`
	DataRank     kisNumber `json:"data_rank"`
	StckPrpr     kisNumber `json:"stck_prpr"`
	PrdyCtrt     kisNumber `json:"prdy_ctrt"`
	TdayRltv     kisNumber `json:"tday_rltv"`
	AcmlVol      kisNumber `json:"acml_vol"`
	ShnuCntgCsnu kisNumber `json:"shnu_cntg_csnu"`
	StckAvls     kisNumber `json:"stck_avls"`
}

type kisRankResponse struct {
	Output []kisRankRow `json:"output"`
}

func (r kisRankRow) ticker() string {
	if r.MkscShrnIscd != "" {
		return r.MkscShrnIscd
	}
	return r.StckShrnIscd
}

// rank fetches one list once; retries belong to the signal fetcher.
func (k *KIS) rank(ctx context.Context, path, trID string, params map[string]string, count int, value func(kisRankRow) float64) ([]signals.Entry, error) {
	var resp kisRankResponse
	if err := k.get(ctx, path, trID, params, &resp); err != nil {
		return nil, err
	}

	rows := resp.Output
	if count > 0 && len(rows) > count {
		rows = rows[:count]
	}
	entries := make([]signals.Entry, 0, len(rows))
	for i, row := range rows {
		id := row.ticker()
		if id == "" {
			continue
		}
		rank := int(row.DataRank.Int())
		if rank == 0 {
			rank = i + 1
		}
		entries = append(entries, signals.Entry{
			InstrumentID:  id,
			Name:          strings.TrimSpace(row.HtsKorIsnm),
			Price:         row.StckPrpr.Decimal(),
			PercentChange: row.PrdyCtrt.Float(),
			Rank:          rank,
			Value:         value(row),
			Market:        market.KR,
			Currency:      "KRW",
		})
	}
	return entries, nil
}

// VolumeRank lists the domestic volume leaders.
func (k *KIS) VolumeRank(ctx context.Context, count int) ([]signals.Entry, error) {
	return k.rank(ctx, kisVolumeRankPath, kisVolumeRankTrID, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_COND_SCR_DIV_CODE":  "20171",
		"FID_INPUT_ISCD":         "0001",
		"FID_DIV_CLS_CODE":       "1",
		"FID_BLNG_CLS_CODE":      "0",
		"FID_TRGT_CLS_CODE":      "111111111",
		"FID_TRGT_EXLS_CLS_CODE": "0000000000",
		"FID_INPUT_PRICE_1":      "",
		"FID_INPUT_PRICE_2":      "",
		"FID_VOL_CNT":            "",
		"FID_INPUT_DATE_1":       "",
	}, count, func(r kisRankRow) float64 { return r.AcmlVol.Float() })
}

// VolumePower lists the relative strength leaders; Value is tday_rltv.
func (k *KIS) VolumePower(ctx context.Context, count int) ([]signals.Entry, error) {
	return k.rank(ctx, kisVolumePowerPath, kisVolumePowerTrID, map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20168",
		"fid_input_iscd":         "0001",
		"fid_div_cls_code":       "1",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	}, count, func(r kisRankRow) float64 { return r.TdayRltv.Float() })
}

// FluctuationRank lists the percent change leaders.
func (k *KIS) FluctuationRank(ctx context.Context, count int) ([]signals.Entry, error) {
	return k.rank(ctx, kisFluctuationPath, kisFluctuationTrID, map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20170",
		"fid_input_iscd":         "0000",
		"fid_rank_sort_cls_code": "0",
		"fid_input_cnt_1":        strconv.Itoa(count),
		"fid_prc_cls_code":       "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_rsfl_rate1":         "",
		"fid_rsfl_rate2":         "",
	}, count, func(r kisRankRow) float64 { return r.AcmlVol.Float() })
}

// BulkTrans lists the block trade buy leaders; Value is the buy fill count.
func (k *KIS) BulkTrans(ctx context.Context, count int) ([]signals.Entry, error) {
	return k.rank(ctx, kisBulkTransPath, kisBulkTransTrID, map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "11909",
		"fid_input_iscd":         "0001",
		"fid_rank_sort_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_input_price_1":      "",
		"fid_aply_rang_prc_1":    "",
		"fid_aply_rang_prc_2":    "",
		"fid_input_iscd_2":       "",
		"fid_trgt_exls_cls_code": "0",
		"fid_trgt_cls_code":      "0",
		"fid_vol_cnt":            "",
	}, count, func(r kisRankRow) float64 { return r.ShnuCntgCsnu.Float() })
}

// TopMarketCap lists the largest listed companies; Value is market cap in KRW.
func (k *KIS) TopMarketCap(ctx context.Context, count int) ([]signals.Entry, error) {
	return k.rank(ctx, kisMarketCapPath, kisMarketCapTrID, map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20174",
		"fid_input_iscd":         "0001",
		"fid_div_cls_code":       "1",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	}, count, func(r kisRankRow) float64 { return r.StckAvls.Float() * 1e8 })
}

type kisUSRankRow struct {
	Symb     string    `json:"symb"`
	Ticker   string    `json:"ticker"`
	Pdno     string    `json:"pdno"`
	Name     string    `json:"name"`
	PrdtName string    `json:"prdt_name"`
	Last     kisNumber `json:"last"`
	Rate     kisNumber `json:"rate"`
	Vol      kisNumber `json:"vol"`
}

// USVolumeRank queries the configured overseas ranking endpoint per exchange
// and merges the rows by volume. Unconfigured endpoints yield an empty list.
func (k *KIS) USVolumeRank(ctx context.Context, count int) ([]signals.Entry, error) {
	if k.opts.USVolumeRankPath == "" || k.opts.USVolumeRankTrID == "" {
		return nil, nil
	}
	exchanges := k.opts.USExchanges
	if len(exchanges) == 0 {
		exchanges = []string{"NASD", "NYSE", "AMEX"}
	}

	var (
		entries []signals.Entry
		lastErr error
	)
	for _, ex := range exchanges {
		var resp struct {
			Output []kisUSRankRow `json:"output"`
		}
		err := k.get(ctx, k.opts.USVolumeRankPath, k.opts.USVolumeRankTrID, map[string]string{
			"EXCD": ex,
			"NREC": strconv.Itoa(count),
		}, &resp)
		if err != nil {
			k.logger.Warn().Err(err).Str("exchange", ex).Msg("overseas volume rank failed")
			lastErr = err
			continue
		}
		rows := resp.Output
		if count > 0 && len(rows) > count {
			rows = rows[:count]
		}
		for _, row := range rows {
			id := strings.ToUpper(strings.TrimSpace(firstNonEmpty(row.Symb, row.Ticker, row.Pdno)))
			if id == "" {
				continue
			}
			entries = append(entries, signals.Entry{
				InstrumentID:  id,
				Name:          strings.TrimSpace(firstNonEmpty(row.Name, row.PrdtName, id)),
				Price:         row.Last.Decimal(),
				PercentChange: row.Rate.Float(),
				Value:         row.Vol.Float(),
				Market:        market.US,
				Currency:      "USD",
			})
		}
	}
	if len(entries) == 0 && lastErr != nil {
		return nil, lastErr
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Value > entries[j].Value })
	if count > 0 && len(entries) > count {
		entries = entries[:count]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var (
	_ signals.Ranker   = (*KIS)(nil)
	_ signals.USRanker = (*KIS)(nil)
)
