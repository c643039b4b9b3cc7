package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kis-daytrader/internal/logging"
	"kis-daytrader/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	KIS      KISConfig      `mapstructure:"kis"`
	Alpaca   AlpacaConfig   `mapstructure:"alpaca"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the ledger backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// KISConfig covers the domestic brokerage account.
type KISConfig struct {
	AppKey     string        `mapstructure:"app_key"`
	AppSecret  string        `mapstructure:"app_secret"`
	AccountNo  string        `mapstructure:"account_no"`
	Virtual    bool          `mapstructure:"virtual"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ExchangeID string        `mapstructure:"exchange_id"`

	USVolumeRankPath string   `mapstructure:"us_volume_rank_path"`
	USVolumeRankTrID string   `mapstructure:"us_volume_rank_tr_id"`
	USExchanges      []string `mapstructure:"us_exchanges"`
}

// AlpacaConfig covers the US brokerage account.
type AlpacaConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
}

// AnalysisConfig points at the multi-agent analysis service.
type AnalysisConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ReportDir string        `mapstructure:"report_dir"`
}

// MarketConfig holds per-market risk and schedule settings.
type MarketConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	StopLossPct    float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64 `mapstructure:"take_profit_pct"`
	BuyTime        string  `mapstructure:"buy_time"`
	SellTime       string  `mapstructure:"sell_time"`
	MaxOrderAmount float64 `mapstructure:"max_order_amount"`
}

// TradingConfig governs the engine.
type TradingConfig struct {
	Markets         map[string]MarketConfig `mapstructure:"markets"`
	Picks           int                     `mapstructure:"picks"`
	CandidateCount  int                     `mapstructure:"candidate_count"`
	RankingCount    int                     `mapstructure:"ranking_count"`
	MonitorInterval time.Duration           `mapstructure:"monitor_interval"`
	CallTimeout     time.Duration           `mapstructure:"call_timeout"`
	SellRetryDelay  time.Duration           `mapstructure:"sell_retry_delay"`
	OrderPause      time.Duration           `mapstructure:"order_pause"`
	SourceDelay     time.Duration           `mapstructure:"source_delay"`
	RetryAttempts   int                     `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration           `mapstructure:"retry_base_delay"`
	Timezone        string                  `mapstructure:"timezone"`
}

// AlertingConfig routes run summaries.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int    `mapstructure:"max_rows"`
	Dir     string `mapstructure:"dir"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DAYTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "daytrader")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.timezone", "Asia/Seoul")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "trade_history.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x6b697364))

	// Secrets default to empty so DAYTRADER_* env vars reach Unmarshal.
	for _, key := range []string{
		"database.dsn",
		"kis.app_key", "kis.app_secret", "kis.account_no",
		"alpaca.api_key", "alpaca.api_secret",
		"analysis.api_key",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("kis.virtual", true)
	v.SetDefault("kis.timeout", "10s")
	v.SetDefault("kis.exchange_id", "KRX")
	v.SetDefault("kis.us_exchanges", []string{"NASD", "NYSE", "AMEX"})

	v.SetDefault("alpaca.enabled", false)
	v.SetDefault("alpaca.base_url", "https://paper-api.alpaca.markets")

	v.SetDefault("analysis.base_url", "http://127.0.0.1:8000")
	v.SetDefault("analysis.timeout", "15m")
	v.SetDefault("analysis.report_dir", "reports")

	v.SetDefault("trading.markets.kr.enabled", true)
	v.SetDefault("trading.markets.kr.stop_loss_pct", -5.0)
	v.SetDefault("trading.markets.kr.take_profit_pct", 10.0)
	v.SetDefault("trading.markets.kr.buy_time", "09:30")
	v.SetDefault("trading.markets.kr.sell_time", "15:20")
	v.SetDefault("trading.markets.kr.max_order_amount", 1000000.0)
	v.SetDefault("trading.markets.us.enabled", false)
	v.SetDefault("trading.markets.us.stop_loss_pct", -5.0)
	v.SetDefault("trading.markets.us.take_profit_pct", 10.0)
	v.SetDefault("trading.markets.us.buy_time", "10:00")
	v.SetDefault("trading.markets.us.sell_time", "15:50")
	v.SetDefault("trading.markets.us.max_order_amount", 5000.0)
	v.SetDefault("trading.picks", 5)
	v.SetDefault("trading.candidate_count", 10)
	v.SetDefault("trading.ranking_count", 30)
	v.SetDefault("trading.monitor_interval", "30m")
	v.SetDefault("trading.call_timeout", "10s")
	v.SetDefault("trading.sell_retry_delay", "60s")
	v.SetDefault("trading.order_pause", "500ms")
	v.SetDefault("trading.source_delay", "200ms")
	v.SetDefault("trading.retry_attempts", 2)
	v.SetDefault("trading.retry_base_delay", "350ms")
	v.SetDefault("trading.timezone", "Asia/Seoul")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_rows", 100000)
	v.SetDefault("export.dir", "exports")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path 必须配置")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn 必须配置")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	enabled := c.EnabledMarkets()
	if len(enabled) == 0 {
		return fmt.Errorf("trading.markets: at least one market must be enabled")
	}
	for _, m := range enabled {
		mc := c.Trading.Markets[m.Lower()]
		if _, err := market.ParseTimeOfDay(mc.BuyTime); err != nil {
			return fmt.Errorf("trading.markets.%s.buy_time: %w", m.Lower(), err)
		}
		if _, err := market.ParseTimeOfDay(mc.SellTime); err != nil {
			return fmt.Errorf("trading.markets.%s.sell_time: %w", m.Lower(), err)
		}
		if mc.StopLossPct >= 0 {
			return fmt.Errorf("trading.markets.%s.stop_loss_pct must be negative", m.Lower())
		}
		if mc.TakeProfitPct <= 0 {
			return fmt.Errorf("trading.markets.%s.take_profit_pct must be positive", m.Lower())
		}
		if mc.MaxOrderAmount <= 0 {
			return fmt.Errorf("trading.markets.%s.max_order_amount must be positive", m.Lower())
		}
	}
	if c.Market(market.KR).Enabled {
		if c.KIS.AppKey == "" || c.KIS.AppSecret == "" {
			return fmt.Errorf("kis.app_key / kis.app_secret 必须配置")
		}
		if c.KIS.AccountNo == "" {
			return fmt.Errorf("kis.account_no 必须配置")
		}
	}
	if c.Market(market.US).Enabled {
		if !c.Alpaca.Enabled {
			return fmt.Errorf("trading.markets.us requires alpaca.enabled")
		}
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("alpaca.api_key / alpaca.api_secret 必须配置")
		}
	}

	if c.Trading.Picks <= 0 {
		return fmt.Errorf("trading.picks must be greater than zero")
	}
	if c.Trading.CandidateCount <= 0 {
		return fmt.Errorf("trading.candidate_count must be greater than zero")
	}
	if c.Trading.MonitorInterval <= 0 {
		return fmt.Errorf("trading.monitor_interval must be greater than zero")
	}
	if c.Trading.RetryAttempts < 0 {
		return fmt.Errorf("trading.retry_attempts cannot be negative")
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	if c.Analysis.BaseURL == "" {
		return fmt.Errorf("analysis.base_url 必须配置")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// EnabledMarkets lists the markets with trading switched on, KR first.
func (c *Config) EnabledMarkets() []market.Market {
	var out []market.Market
	for _, m := range []market.Market{market.KR, market.US} {
		if mc, ok := c.Trading.Markets[m.Lower()]; ok && mc.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Market returns the settings for m; unknown markets yield the zero value.
func (c *Config) Market(m market.Market) MarketConfig {
	return c.Trading.Markets[m.Lower()]
}

// Location resolves trading.timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Trading.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
