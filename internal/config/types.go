package config

import "time"

// Config is the top-level configuration carrier.
type Config struct {
	App      AppConfig      `toml:"app"`
	Trading  TradingConfig  `toml:"trading"`
	Risk     RiskConfig     `toml:"risk"`
	Ledger   LedgerConfig   `toml:"ledger"`
	AI       AIConfig       `toml:"ai"`
	Broker   BrokerConfig   `toml:"broker"`
	Market   MarketConfig   `toml:"market"`
	Schedule ScheduleConfig `toml:"schedule"`
	Notify   NotifyConfig   `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// TradingConfig selects paper vs live execution and seeds the ledger.
type TradingConfig struct {
	Paper         bool    `toml:"paper"`
	StartingCash  float64 `toml:"starting_cash"`
	MaxDailyOpens int     `toml:"max_daily_opens"`
}

// RiskConfig carries the hard limits enforced by the risk engine.
// Sectors maps symbols to a sector name for the exposure cap; unmapped
// symbols share the "Other" bucket.
type RiskConfig struct {
	MaxPositionPct     float64           `toml:"max_position_pct"`
	StopLossPct        float64           `toml:"stop_loss_pct"`
	CircuitBreakerPct  float64           `toml:"circuit_breaker_pct"`
	BearMaxPositionPct float64           `toml:"bear_max_position_pct"`
	MaxSectorPct       float64           `toml:"max_sector_pct"`
	MinDollarVolume    float64           `toml:"min_dollar_volume"`
	Sectors            map[string]string `toml:"sectors"`
}

type LedgerConfig struct {
	DBPath      string `toml:"db_path"`
	AuditDBPath string `toml:"audit_db_path"`
}

// AIConfig lists decision providers in failover priority order; the
// first entry is the primary model.
type AIConfig struct {
	TimeoutSeconds int             `toml:"timeout_seconds"`
	MaxRetries     int             `toml:"max_retries"`
	PromptsPath    string          `toml:"prompts_path"`
	Models         []AIModelConfig `toml:"models"`
}

type AIModelConfig struct {
	ID      string            `toml:"id"`
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Model   string            `toml:"model"`
	Enabled bool              `toml:"enabled"`
	Headers map[string]string `toml:"headers"`
}

type BrokerConfig struct {
	APIURL         string  `toml:"api_url"`
	APIKey         string  `toml:"api_key"`
	APISecret      string  `toml:"api_secret"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	MaxRetries     int     `toml:"max_retries"`
}

type MarketConfig struct {
	Benchmarks   []string `toml:"benchmarks"`
	RegimeSymbol string   `toml:"regime_symbol"`
}

// ScheduleConfig holds the two weekday windows that drive cycles.
// Windows are local times in Timezone formatted as "15:04".
type ScheduleConfig struct {
	Timezone       string `toml:"timezone"`
	ResearchWindow string `toml:"research_window"`
	TradingWindow  string `toml:"trading_window"`
	RunImmediately bool   `toml:"run_immediately"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

func (a AIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return time.Duration(defaultAITimeout) * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (b BrokerConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return time.Duration(defaultBrokerTimeout) * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}
