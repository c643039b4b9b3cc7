package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 标识通知类型。
type Kind string

const (
	KindMorningBuy    Kind = "morning_buy"
	KindAfternoonSell Kind = "afternoon_sell"
	KindExit          Kind = "exit"
	KindAnalysis      Kind = "analysis"
	KindError         Kind = "error"
)

// Notification 封装一次交易事件摘要。
type Notification struct {
	Kind    Kind
	Market  string
	Title   string
	Lines   []string
	PnL     *decimal.Decimal
	Mode    string
	At      time.Time
	Details string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(note),
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode())
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("kind", string(note.Kind)).Str("market", note.Market).Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	title := note.Title
	if title == "" {
		title = string(note.Kind)
	}
	if note.Market != "" {
		fmt.Fprintf(&b, "[%s] %s\n", note.Market, title)
	} else {
		fmt.Fprintf(&b, "%s\n", title)
	}
	for _, line := range note.Lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if note.PnL != nil {
		fmt.Fprintf(&b, "PnL: %s\n", signed(*note.PnL))
	}
	if note.Details != "" {
		b.WriteString(note.Details)
		b.WriteByte('\n')
	}
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}
	footer := at.Format("2006-01-02 15:04:05 MST")
	if note.Mode != "" {
		footer = note.Mode + " | " + footer
	}
	b.WriteString(footer)
	return b.String()
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2)
	}
	return "+" + d.StringFixed(2)
}

var _ Notifier = (*TelegramNotifier)(nil)
