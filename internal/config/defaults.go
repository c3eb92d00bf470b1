package config

import "github.com/spf13/viper"

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultStartingCash      = 100000.0
	defaultMaxDailyOpens     = 5
	defaultMaxPositionPct    = 0.15
	defaultStopLossPct       = 0.15
	defaultCircuitBreakerPct = 0.05
	defaultBearMaxPct        = 0.05
	defaultMaxSectorPct      = 0.25
	defaultMinDollarVolume   = 500_000.0
	defaultLedgerDB          = "data/ledger.db"
	defaultAuditDB           = "data/audit.db"
	defaultAITimeout         = 60
	defaultAIRetries         = 2
	defaultPromptsPath       = "configs/prompts.yaml"
	defaultBrokerTimeout     = 15
	defaultBrokerRate        = 3.0
	defaultBrokerRetries     = 3
	defaultRegimeSymbol      = "SPY"
	defaultTimezone          = "America/New_York"
	defaultResearchWindow    = "08:30"
	defaultTradingWindow     = "09:45"
)

var defaultBenchmarks = []string{"SPY", "IWM", "VTI"}

// setDefaults registers every recognized key so a sparse config file
// still yields a runnable system. Paper trading defaults to on; going
// live always requires an explicit config entry.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", defaultAppEnv)
	v.SetDefault("app.log_level", defaultAppLogLevel)

	v.SetDefault("trading.paper", true)
	v.SetDefault("trading.starting_cash", defaultStartingCash)
	v.SetDefault("trading.max_daily_opens", defaultMaxDailyOpens)

	v.SetDefault("risk.max_position_pct", defaultMaxPositionPct)
	v.SetDefault("risk.stop_loss_pct", defaultStopLossPct)
	v.SetDefault("risk.circuit_breaker_pct", defaultCircuitBreakerPct)
	v.SetDefault("risk.bear_max_position_pct", defaultBearMaxPct)
	v.SetDefault("risk.max_sector_pct", defaultMaxSectorPct)
	v.SetDefault("risk.min_dollar_volume", defaultMinDollarVolume)

	v.SetDefault("ledger.db_path", defaultLedgerDB)
	v.SetDefault("ledger.audit_db_path", defaultAuditDB)

	v.SetDefault("ai.timeout_seconds", defaultAITimeout)
	v.SetDefault("ai.max_retries", defaultAIRetries)
	v.SetDefault("ai.prompts_path", defaultPromptsPath)

	v.SetDefault("broker.timeout_seconds", defaultBrokerTimeout)
	v.SetDefault("broker.rate_per_second", defaultBrokerRate)
	v.SetDefault("broker.max_retries", defaultBrokerRetries)

	v.SetDefault("market.benchmarks", defaultBenchmarks)
	v.SetDefault("market.regime_symbol", defaultRegimeSymbol)

	v.SetDefault("schedule.timezone", defaultTimezone)
	v.SetDefault("schedule.research_window", defaultResearchWindow)
	v.SetDefault("schedule.trading_window", defaultTradingWindow)
}
