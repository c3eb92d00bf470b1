package config

import (
	"fmt"
	"strings"
	"time"
)

func validate(cfg *Config) error {
	if cfg.Trading.StartingCash <= 0 {
		return fmt.Errorf("trading.starting_cash must be positive")
	}
	if err := validatePct("risk.max_position_pct", cfg.Risk.MaxPositionPct); err != nil {
		return err
	}
	if err := validatePct("risk.stop_loss_pct", cfg.Risk.StopLossPct); err != nil {
		return err
	}
	if err := validatePct("risk.circuit_breaker_pct", cfg.Risk.CircuitBreakerPct); err != nil {
		return err
	}
	if err := validatePct("risk.bear_max_position_pct", cfg.Risk.BearMaxPositionPct); err != nil {
		return err
	}
	if cfg.Risk.BearMaxPositionPct > cfg.Risk.MaxPositionPct {
		return fmt.Errorf("risk.bear_max_position_pct cannot exceed risk.max_position_pct")
	}
	if err := validatePct("risk.max_sector_pct", cfg.Risk.MaxSectorPct); err != nil {
		return err
	}
	if cfg.Risk.MaxSectorPct < cfg.Risk.MaxPositionPct {
		return fmt.Errorf("risk.max_sector_pct cannot be tighter than risk.max_position_pct")
	}
	if cfg.Risk.MinDollarVolume < 0 {
		return fmt.Errorf("risk.min_dollar_volume cannot be negative")
	}
	if enabledModels(cfg.AI.Models) == 0 {
		return fmt.Errorf("ai.models requires at least one enabled entry")
	}
	if !cfg.Trading.Paper {
		if strings.TrimSpace(cfg.Broker.APIURL) == "" {
			return fmt.Errorf("broker.api_url is required for live trading")
		}
		if strings.TrimSpace(cfg.Broker.APIKey) == "" {
			return fmt.Errorf("broker.api_key is required for live trading")
		}
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	for _, w := range []struct{ key, val string }{
		{"schedule.research_window", cfg.Schedule.ResearchWindow},
		{"schedule.trading_window", cfg.Schedule.TradingWindow},
	} {
		if _, err := time.Parse("15:04", strings.TrimSpace(w.val)); err != nil {
			return fmt.Errorf("%s must be HH:MM: %w", w.key, err)
		}
	}
	return nil
}

func validatePct(key string, pct float64) error {
	if pct <= 0 || pct > 1 {
		return fmt.Errorf("%s must be in (0, 1]", key)
	}
	return nil
}

func enabledModels(models []AIModelConfig) int {
	n := 0
	for _, m := range models {
		if m.Enabled {
			n++
		}
	}
	return n
}
