package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Trading struct {
	Mode             string   `yaml:"mode"` // paper | live
	IntervalSeconds  int      `yaml:"interval_seconds"`
	BaseCurrency     string   `yaml:"base_currency"`
	SupportedSymbols []string `yaml:"supported_symbols"`
}

type Risk struct {
	MaxPortfolioRiskPerTrade float64 `yaml:"max_portfolio_risk_per_trade"` // fraction of portfolio value, e.g. 0.02
	MaxConcurrentPositions   int     `yaml:"max_concurrent_positions"`
	MaxConcentration         float64 `yaml:"max_concentration"` // fraction, e.g. 0.25
	MaxTradesPerDay          int     `yaml:"max_trades_per_day"`
	VolatilityThresholdPct   float64 `yaml:"volatility_threshold_pct"` // 24h move that counts as "volatile"
	VolatilityTightening     float64 `yaml:"volatility_tightening"`    // multiplier on the per-trade cap when volatile
	EmergencyStopLossPct     float64 `yaml:"emergency_stop_loss_pct"`  // drawdown-from-peak fraction, e.g. 0.15
	ScaledManualExecution    string  `yaml:"scaled_manual_execution"`  // execute | reject
}

type Queue struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

type Advisor struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
	APIKey    string `yaml:"-"` // OPENAI_API_KEY, never from yaml
}

type MarketData struct {
	BaseURL       string `yaml:"base_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	CandleLimit   int    `yaml:"candle_limit"`
	StreamEnabled bool   `yaml:"stream_enabled"`
	StreamURL     string `yaml:"stream_url"`
}

type Exchange struct {
	BaseURL         string  `yaml:"base_url"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	MinNotionalUSD  float64 `yaml:"min_notional_usd"`
	APIKey          string  `yaml:"-"` // EXCHANGE_API_KEY
	APISecret       string  `yaml:"-"` // EXCHANGE_API_SECRET
}

type Paper struct {
	InitialBalanceUSD float64 `yaml:"initial_balance_usd"`
	SlippageBps       int     `yaml:"slippage_bps"`
	OutboxPath        string  `yaml:"outbox_path"`
	DedupeWindowSecs  int     `yaml:"dedupe_window_seconds"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Dashboard struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Alerts struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type Root struct {
	Trading    Trading    `yaml:"trading"`
	Risk       Risk       `yaml:"risk"`
	Queue      Queue      `yaml:"queue"`
	Advisor    Advisor    `yaml:"advisor"`
	MarketData MarketData `yaml:"market_data"`
	Exchange   Exchange   `yaml:"exchange"`
	Paper      Paper      `yaml:"paper"`
	Store      Store      `yaml:"store"`
	Dashboard  Dashboard  `yaml:"dashboard"`
	Alerts     Alerts     `yaml:"alerts"`
	LogLevel   string     `yaml:"log_level"`
}

func (t Trading) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

func (q Queue) TTL() time.Duration {
	return time.Duration(q.TTLMinutes) * time.Minute
}

// Load reads the yaml config at path, applies defaults, overlays environment
// variables (a .env file is honored when present), and validates thresholds.
func Load(path string) (Root, error) {
	var c Root

	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}

	c.applyDefaults()
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Trading.Mode == "" {
		c.Trading.Mode = "paper"
	}
	if c.Trading.IntervalSeconds == 0 {
		c.Trading.IntervalSeconds = 300
	}
	if c.Trading.BaseCurrency == "" {
		c.Trading.BaseCurrency = "USDT"
	}
	if len(c.Trading.SupportedSymbols) == 0 {
		c.Trading.SupportedSymbols = []string{
			"BTCUSDT", "ETHUSDT", "ADAUSDT", "DOTUSDT",
			"LINKUSDT", "SOLUSDT", "AVAXUSDT",
		}
	}

	if c.Risk.MaxPortfolioRiskPerTrade == 0 {
		c.Risk.MaxPortfolioRiskPerTrade = 0.02
	}
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 3
	}
	if c.Risk.MaxConcentration == 0 {
		c.Risk.MaxConcentration = 0.25
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = 10
	}
	if c.Risk.VolatilityThresholdPct == 0 {
		c.Risk.VolatilityThresholdPct = 10.0
	}
	if c.Risk.VolatilityTightening == 0 {
		c.Risk.VolatilityTightening = 0.5
	}
	if c.Risk.EmergencyStopLossPct == 0 {
		c.Risk.EmergencyStopLossPct = 0.15
	}
	if c.Risk.ScaledManualExecution == "" {
		c.Risk.ScaledManualExecution = "execute"
	}

	if c.Queue.TTLMinutes == 0 {
		c.Queue.TTLMinutes = 30
	}

	if c.Advisor.BaseURL == "" {
		c.Advisor.BaseURL = "https://api.openai.com/v1"
	}
	if c.Advisor.Model == "" {
		c.Advisor.Model = "gpt-4o-mini"
	}
	if c.Advisor.TimeoutMs == 0 {
		c.Advisor.TimeoutMs = 30000
	}

	if c.MarketData.BaseURL == "" {
		c.MarketData.BaseURL = "https://api.binance.com"
	}
	if c.MarketData.TimeoutMs == 0 {
		c.MarketData.TimeoutMs = 10000
	}
	if c.MarketData.CandleLimit == 0 {
		c.MarketData.CandleLimit = 100
	}
	if c.MarketData.StreamURL == "" {
		c.MarketData.StreamURL = "wss://stream.binance.com:9443/ws"
	}

	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://api.binance.com"
	}
	if c.Exchange.TimeoutMs == 0 {
		c.Exchange.TimeoutMs = 10000
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 5
	}
	if c.Exchange.MinNotionalUSD == 0 {
		c.Exchange.MinNotionalUSD = 10
	}

	if c.Paper.InitialBalanceUSD == 0 {
		c.Paper.InitialBalanceUSD = 10000
	}
	if c.Paper.SlippageBps == 0 {
		c.Paper.SlippageBps = 5
	}
	if c.Paper.OutboxPath == "" {
		c.Paper.OutboxPath = "data/orders.jsonl"
	}
	if c.Paper.DedupeWindowSecs == 0 {
		c.Paper.DedupeWindowSecs = 90
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/coinpilot.db"
	}

	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8080"
	}
	if c.Alerts.TimeoutMs == 0 {
		c.Alerts.TimeoutMs = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv overlays secrets and operational overrides. Secrets never live in yaml.
func (c *Root) applyEnv() {
	_ = godotenv.Load() // best-effort; real env vars win anyway

	c.Advisor.APIKey = os.Getenv("OPENAI_API_KEY")
	c.Exchange.APIKey = os.Getenv("EXCHANGE_API_KEY")
	c.Exchange.APISecret = os.Getenv("EXCHANGE_API_SECRET")

	if v := os.Getenv("COINPILOT_MODE"); v != "" {
		c.Trading.Mode = v
	}
	if v := os.Getenv("COINPILOT_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("COINPILOT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Trading.IntervalSeconds = n
		}
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
}

func (c *Root) Validate() error {
	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		return fmt.Errorf("trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if c.Risk.MaxPortfolioRiskPerTrade <= 0 || c.Risk.MaxPortfolioRiskPerTrade > 0.8 {
		return fmt.Errorf("risk.max_portfolio_risk_per_trade must be in (0, 0.8], got %v", c.Risk.MaxPortfolioRiskPerTrade)
	}
	if c.Risk.MaxConcentration <= 0 || c.Risk.MaxConcentration > 1 {
		return fmt.Errorf("risk.max_concentration must be in (0, 1], got %v", c.Risk.MaxConcentration)
	}
	if c.Risk.EmergencyStopLossPct <= 0 || c.Risk.EmergencyStopLossPct >= 1 {
		return fmt.Errorf("risk.emergency_stop_loss_pct must be in (0, 1), got %v", c.Risk.EmergencyStopLossPct)
	}
	if c.Risk.ScaledManualExecution != "execute" && c.Risk.ScaledManualExecution != "reject" {
		return fmt.Errorf("risk.scaled_manual_execution must be execute or reject, got %q", c.Risk.ScaledManualExecution)
	}
	if c.Trading.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("live mode requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
	}
	return nil
}

// Supported reports whether symbol is in the configured allowlist.
func (c *Root) Supported(symbol string) bool {
	for _, s := range c.Trading.SupportedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
