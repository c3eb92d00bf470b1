package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/config"
	"alphapilot/internal/gateway/provider"
	"alphapilot/internal/ledger"
	"alphapilot/internal/market"
	"alphapilot/internal/scheduler"
)

type staticProvider struct {
	id  string
	out string
}

func (p staticProvider) ID() string    { return p.id }
func (p staticProvider) Enabled() bool { return true }

func (p staticProvider) Call(context.Context, provider.ChatPayload) (string, error) {
	return p.out, nil
}

type staticSource struct {
	prices map[string]float64
}

func (s staticSource) Quote(_ context.Context, symbol string) (market.Quote, error) {
	px, ok := s.prices[symbol]
	if !ok {
		return market.Quote{}, assert.AnError
	}
	return market.Quote{Symbol: symbol, Price: decimal.NewFromFloat(px), AsOf: time.Now()}, nil
}

func (s staticSource) DailyCloses(context.Context, string, int) ([]float64, error) {
	return nil, assert.AnError
}

func testConfig() *config.Config {
	return &config.Config{
		App:     config.AppConfig{Env: "test", LogLevel: "error"},
		Trading: config.TradingConfig{Paper: true, StartingCash: 1000, MaxDailyOpens: 5},
		Risk: config.RiskConfig{
			MaxPositionPct:     0.15,
			StopLossPct:        0.15,
			CircuitBreakerPct:  0.05,
			BearMaxPositionPct: 0.05,
		},
		AI: config.AIConfig{TimeoutSeconds: 5, MaxRetries: 0},
		Market: config.MarketConfig{
			Benchmarks:   []string{"SPY"},
			RegimeSymbol: "SPY",
		},
		Schedule: config.ScheduleConfig{
			Timezone:       "UTC",
			ResearchWindow: "08:30",
			TradingWindow:  "09:45",
		},
	}
}

func TestBuildAndRunOneCycle(t *testing.T) {
	ctx := context.Background()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	auditDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	decisionJSON := `{"decisions":[{"symbol":"AAPL","action":"buy","quantity":10,"confidence":0.9,"reasoning":"test"}]}`
	b := NewBuilder(testConfig(),
		WithStore(func(cfg *config.Config) (ledger.Store, error) {
			return ledger.NewSqliteStoreFromDB(gormDB, decimal.NewFromFloat(cfg.Trading.StartingCash))
		}),
		WithAuditStore(func(*config.Config) (*auditlog.Store, error) {
			return auditlog.NewFromDB(auditDB)
		}),
		WithProviders(func(config.AIConfig) []provider.ModelProvider {
			return []provider.ModelProvider{staticProvider{id: "static", out: decisionJSON}}
		}),
		WithMarketSource(func(*config.Config) market.Source {
			return staticSource{prices: map[string]float64{"AAPL": 20, "SPY": 500}}
		}),
	)
	a, err := b.Build(ctx)
	require.NoError(t, err)
	defer a.close()

	at := time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC)
	require.NoError(t, a.Runner().RunWindow(ctx, scheduler.KindTrading, at))

	store, err := ledger.NewSqliteStoreFromDB(gormDB, decimal.NewFromInt(0))
	require.NoError(t, err)
	trades, err := store.TradesForDay(ctx, "2025-06-02")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, ledger.StatusFilled, trades[0].Status)
	assert.EqualValues(t, 7, trades[0].Quantity)

	a.audit.Flush()
	attempts, err := a.audit.EventsForDay(ctx, "2025-06-02", auditlog.KindProviderAttempt)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	assert.Equal(t, "success", attempts[0].Outcome)

	cycles, err := a.audit.EventsForDay(ctx, "2025-06-02", auditlog.KindCycle)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "settled", cycles[0].Outcome)
}

func TestBuildFailsWithoutProviders(t *testing.T) {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	auditDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	b := NewBuilder(testConfig(),
		WithStore(func(cfg *config.Config) (ledger.Store, error) {
			return ledger.NewSqliteStoreFromDB(gormDB, decimal.NewFromFloat(cfg.Trading.StartingCash))
		}),
		WithAuditStore(func(*config.Config) (*auditlog.Store, error) {
			return auditlog.NewFromDB(auditDB)
		}),
		WithProviders(func(config.AIConfig) []provider.ModelProvider { return nil }),
	)
	_, err = b.Build(context.Background())
	assert.Error(t, err)
}
