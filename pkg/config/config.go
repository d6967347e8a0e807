package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects how the process runs.
const (
	ModeTrade    = "trade"
	ModeSimulate = "simulate"
)

// StrategyNames is the closed set of signal sources selectable from config.
var StrategyNames = map[string]bool{
	"ema_cross": true,
	"rsi":       true,
}

// Risk holds the risk governor parameters (percentages are plain percents,
// e.g. 5 means 5%).
type Risk struct {
	CapitalPerTradePct float64 `yaml:"capital_per_trade_pct"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	TakeProfitPct      float64 `yaml:"take_profit_pct"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`
	MaxTradesPerDay    int     `yaml:"max_trades_per_day"`
	CapitalBase        float64 `yaml:"capital_base"`
}

// EMACross holds crossover strategy parameters.
type EMACross struct {
	FastPeriod int `yaml:"fast_period"`
	SlowPeriod int `yaml:"slow_period"`
}

// RSI holds oscillator threshold parameters.
type RSI struct {
	Period     int     `yaml:"period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`
}

// Config is the full runtime configuration, loaded from config.yaml plus
// environment variables (credentials never live in the yaml file).
type Config struct {
	Mode       string              `yaml:"mode"`
	Testnet    bool                `yaml:"testnet"`
	Symbols    []string            `yaml:"symbols"`
	Timeframe  string              `yaml:"timeframe"`
	Strategies map[string][]string `yaml:"strategies"`

	EMACross EMACross `yaml:"ema_cross"`
	RSI      RSI      `yaml:"rsi"`
	Risk     Risk     `yaml:"risk"`

	ProtectiveOrders    bool `yaml:"protective_orders"`
	DedupTTLSec         int  `yaml:"dedup_ttl_sec"`
	HeartbeatTimeoutSec int  `yaml:"heartbeat_timeout_sec"`
	BufferCapacity      int  `yaml:"buffer_capacity"`
	BootstrapCandles    int  `yaml:"bootstrap_candles"`

	StatePath string `yaml:"state_path"`
	DBPath    string `yaml:"db_path"`
	FlagDir   string `yaml:"flag_dir"`
	Port      string `yaml:"port"`

	// From environment.
	APIKey        string `yaml:"-"`
	APISecret     string `yaml:"-"`
	JWTSecret     string `yaml:"-"`
	TelegramToken string `yaml:"-"`
	TelegramChat  string `yaml:"-"`
}

// Load reads config.yaml (path from SPOTBOT_CONFIG, default ./config.yaml)
// and merges credentials from the environment, optionally via .env.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	path := getEnv("SPOTBOT_CONFIG", "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	cfg.Timeframe = strings.TrimSpace(cfg.Timeframe)

	// Testnet and production credentials live under separate env keys so a
	// single .env can hold both without editing on switch.
	if cfg.Testnet {
		cfg.APIKey = os.Getenv("BINANCE_API_KEY_TEST")
		cfg.APISecret = os.Getenv("BINANCE_API_SECRET_TEST")
	} else {
		cfg.APIKey = os.Getenv("BINANCE_API_KEY_PROD")
		cfg.APISecret = os.Getenv("BINANCE_API_SECRET_PROD")
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChat = os.Getenv("TELEGRAM_CHAT_ID")

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Mode:                ModeTrade,
		Timeframe:           "1m",
		ProtectiveOrders:    true,
		DedupTTLSec:         30,
		HeartbeatTimeoutSec: 90,
		BufferCapacity:      1000,
		BootstrapCandles:    200,
		StatePath:           "./data/state.json",
		DBPath:              "./data/spotbot.db",
		FlagDir:             "./data",
		Port:                "8080",
	}
}

// Validate rejects configuration the trading loop must not start with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTrade, ModeSimulate:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if c.Timeframe == "" {
		return fmt.Errorf("timeframe is empty")
	}
	if c.Mode == ModeTrade && (c.APIKey == "" || c.APISecret == "") {
		return fmt.Errorf("missing exchange credentials for trade mode (testnet=%v)", c.Testnet)
	}
	// An empty secret would validate tokens signed with "" and leave the
	// control endpoints open to anyone.
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	if c.BufferCapacity < 2 {
		return fmt.Errorf("buffer_capacity must be at least 2, got %d", c.BufferCapacity)
	}
	if c.BootstrapCandles < 2 {
		return fmt.Errorf("bootstrap_candles must be at least 2, got %d", c.BootstrapCandles)
	}
	if c.Risk.CapitalPerTradePct <= 0 {
		return fmt.Errorf("risk.capital_per_trade_pct must be positive")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be positive")
	}
	for sym, names := range c.Strategies {
		if len(names) == 0 {
			return fmt.Errorf("symbol %s has no strategies", sym)
		}
		for _, n := range names {
			if !StrategyNames[n] {
				return fmt.Errorf("unknown strategy %q for %s", n, sym)
			}
		}
	}
	if c.EMACross.FastPeriod > 0 && c.EMACross.SlowPeriod > 0 &&
		c.EMACross.FastPeriod >= c.EMACross.SlowPeriod {
		return fmt.Errorf("ema_cross fast_period must be below slow_period")
	}
	return nil
}

// DedupTTL returns the recent-signal window as a duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

// HeartbeatTimeout returns the stream staleness threshold as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
