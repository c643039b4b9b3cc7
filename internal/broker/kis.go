package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

const (
	kisRealURL    = "https://openapi.koreainvestment.com:9443"
	kisVirtualURL = "https://openapivts.koreainvestment.com:29443"

	kisTokenPath       = "/oauth2/tokenP"
	kisTokenTimeLayout = "2006-01-02 15:04:05"
)

// KISOptions parameterise the Korea Investment & Securities REST client.
type KISOptions struct {
	AppKey     string
	AppSecret  string
	AccountNo  string
	Virtual    bool
	BaseURL    string
	Timeout    time.Duration
	ExchangeID string

	USVolumeRankPath string
	USVolumeRankTrID string
	USExchanges      []string
}

// KIS talks to the KIS Open API for the domestic market.
type KIS struct {
	opts       KISOptions
	client     *resty.Client
	logger     zerolog.Logger
	cano       string
	acntPrdtCd string
	session    market.Session
	now        func() time.Time

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time

	holidayMu sync.Mutex
	holidays  map[string]bool
}

// NewKIS constructs the client. Credentials are checked by config validation.
func NewKIS(opts KISOptions, logger zerolog.Logger) *KIS {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = kisRealURL
		if opts.Virtual {
			baseURL = kisVirtualURL
		}
	}
	if opts.ExchangeID == "" {
		opts.ExchangeID = "KRX"
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("content-type", "application/json; charset=utf-8")

	cano, prdt := splitAccount(opts.AccountNo)
	return &KIS{
		opts:       opts,
		client:     client,
		logger:     logger.With().Str("component", "kis").Logger(),
		cano:       cano,
		acntPrdtCd: prdt,
		session:    market.DefaultSession(market.KR),
		now:        time.Now,
		holidays:   make(map[string]bool),
	}
}

// Virtual reports whether the client targets the paper trading environment.
func (k *KIS) Virtual() bool {
	return k.opts.Virtual
}

func splitAccount(account string) (string, string) {
	if account == "" {
		return "", "01"
	}
	parts := strings.SplitN(account, "-", 2)
	if len(parts) < 2 || parts[1] == "" {
		return parts[0], "01"
	}
	return parts[0], parts[1]
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"access_token_token_expired"`
}

func (k *KIS) ensureToken(ctx context.Context) (string, error) {
	k.tokenMu.Lock()
	defer k.tokenMu.Unlock()

	if k.token != "" && k.now().Before(k.tokenExpires) {
		return k.token, nil
	}

	resp, err := k.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     k.opts.AppKey,
			"appsecret":  k.opts.AppSecret,
		}).
		Post(kisTokenPath)
	if err != nil {
		return "", fmt.Errorf("issue kis token: %w", err)
	}
	if resp.IsError() {
		return "", &APIError{Op: "issue kis token", Status: resp.StatusCode(), Message: truncate(resp.String(), 200)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return "", &APIError{Op: "decode kis token", Status: resp.StatusCode(), Message: err.Error()}
	}
	if tok.AccessToken == "" {
		return "", &APIError{Op: "issue kis token", Status: resp.StatusCode(), Message: "empty access_token"}
	}

	expires, err := time.ParseInLocation(kisTokenTimeLayout, tok.ExpiresAt, k.session.Location)
	if err != nil {
		expires = k.now().Add(12 * time.Hour)
	}
	k.token = tok.AccessToken
	k.tokenExpires = expires
	k.logger.Info().Time("expires", expires).Msg("kis access token issued")
	return k.token, nil
}

func (k *KIS) headers(ctx context.Context, trID string) (map[string]string, error) {
	token, err := k.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        k.opts.AppKey,
		"appsecret":     k.opts.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}

// get performs a signed GET and decodes the JSON body into out.
func (k *KIS) get(ctx context.Context, path, trID string, params map[string]string, out any) error {
	headers, err := k.headers(ctx, trID)
	if err != nil {
		return err
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		Get(path)
	return k.decode(path, resp, err, out)
}

// post performs a signed POST with a JSON body.
func (k *KIS) post(ctx context.Context, path, trID string, body any, out any) error {
	headers, err := k.headers(ctx, trID)
	if err != nil {
		return err
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(path)
	return k.decode(path, resp, err, out)
}

func (k *KIS) decode(path string, resp *resty.Response, reqErr error, out any) error {
	if reqErr != nil {
		return fmt.Errorf("kis request %s: %w", path, reqErr)
	}
	if resp.IsError() {
		return &APIError{Op: "kis " + path, Status: resp.StatusCode(), Message: truncate(resp.String(), 200)}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &APIError{Op: "kis " + path, Status: resp.StatusCode(), Message: "malformed response: " + err.Error()}
	}
	return nil
}

// kisNumber accepts the API's string encoded numbers, tolerating commas and blanks.
type kisNumber string

func (n *kisNumber) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = kisNumber(s)
		return nil
	}
	var f json.Number
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = kisNumber(f.String())
	return nil
}

func (n kisNumber) Decimal() decimal.Decimal {
	s := strings.ReplaceAll(strings.TrimSpace(string(n)), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (n kisNumber) Float() float64 {
	return n.Decimal().InexactFloat64()
}

func (n kisNumber) Int() int64 {
	return n.Decimal().IntPart()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var errUSNotRouted = errors.New("kis: overseas orders are routed to the US broker")
