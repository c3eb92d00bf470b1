package trader

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"alphapilot/internal/broker"
	"alphapilot/internal/decision"
	"alphapilot/internal/executor"
	"alphapilot/internal/ledger"
	"alphapilot/internal/market"
	"alphapilot/internal/prompt"
	"alphapilot/internal/risk"
	"alphapilot/internal/scheduler"
)

type stubGateway struct {
	resp  *decision.Response
	err   error
	calls int
}

func (s *stubGateway) RequestDecision(_ context.Context, _ decision.Request) (*decision.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubSource struct {
	prices map[string]float64
}

func (s stubSource) Quote(_ context.Context, symbol string) (market.Quote, error) {
	px, ok := s.prices[symbol]
	if !ok {
		return market.Quote{}, assert.AnError
	}
	return market.Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(px),
		PrevClose: decimal.NewFromFloat(px),
		AsOf:      time.Now(),
	}, nil
}

func (s stubSource) DailyCloses(_ context.Context, _ string, _ int) ([]float64, error) {
	return nil, assert.AnError
}

func newTestStore(t *testing.T, startingCash decimal.Decimal) ledger.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := ledger.NewSqliteStoreFromDB(db, startingCash)
	require.NoError(t, err)
	return store
}

func newTestRunner(t *testing.T, store ledger.Store, gw DecisionClient, prices map[string]float64) *Runner {
	t.Helper()
	src := stubSource{prices: prices}
	svc := market.NewService(src, nil, "SPY")
	quoteFn := func(symbol string) (decimal.Decimal, bool) {
		px, ok := prices[symbol]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(px), true
	}
	pf, err := store.LoadPortfolio(context.Background())
	require.NoError(t, err)
	paper := broker.NewPaperBroker(pf.Cash, quoteFn)
	paper.Seed(pf.Cash, pf.Positions)
	exec := executor.New(paper, store, nil, 3)
	prompts, err := prompt.NewLoader("")
	require.NoError(t, err)

	return NewRunner(Options{
		Store:    store,
		Market:   svc,
		Gateway:  gw,
		Executor: exec,
		Prompts:  prompts,
		Limits: risk.Limits{
			MaxPositionPct:     0.15,
			StopLossPct:        0.15,
			CircuitBreakerPct:  0.05,
			BearMaxPositionPct: 0.05,
		},
		MaxDailyOpens: 5,
	})
}

func TestRunWindowFullCycle(t *testing.T) {
	store := newTestStore(t, decimal.NewFromInt(1000))
	gw := &stubGateway{resp: &decision.Response{
		Provider: "stub",
		Intents: []decision.TradeIntent{
			{Symbol: "AAPL", Action: decision.ActionBuy, Quantity: 10},
		},
	}}
	runner := newTestRunner(t, store, gw, map[string]float64{"AAPL": 20})
	at := time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC)

	err := runner.RunWindow(context.Background(), scheduler.KindTrading, at)
	require.NoError(t, err)

	day := ledger.Day(at)
	trades, err := store.TradesForDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// 15% of $1000 equity caps the $200 intent at $150: 7 shares.
	assert.Equal(t, ledger.SideBuy, trades[0].Side)
	assert.Equal(t, ledger.StatusFilled, trades[0].Status)
	assert.EqualValues(t, 7, trades[0].Quantity)

	pf, err := store.LoadPortfolio(context.Background())
	require.NoError(t, err)
	require.Contains(t, pf.Positions, "AAPL")
	assert.EqualValues(t, 7, pf.Positions["AAPL"].Shares)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(860)), "cash %s", pf.Cash)

	settled, err := store.HasSettledWindow(context.Background(), day, string(scheduler.KindTrading))
	require.NoError(t, err)
	assert.True(t, settled)

	// Replaying the same window is a no-op: no second decision call,
	// no second trade.
	err = runner.RunWindow(context.Background(), scheduler.KindTrading, at)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls)
	trades, err = store.TradesForDay(context.Background(), day)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestRunWindowNoDecisionSettlesEmpty(t *testing.T) {
	store := newTestStore(t, decimal.NewFromInt(1000))
	gw := &stubGateway{err: decision.ErrNoDecision}
	runner := newTestRunner(t, store, gw, map[string]float64{})
	at := time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC)

	err := runner.RunWindow(context.Background(), scheduler.KindTrading, at)
	require.NoError(t, err)

	day := ledger.Day(at)
	trades, err := store.TradesForDay(context.Background(), day)
	require.NoError(t, err)
	assert.Empty(t, trades)

	settled, err := store.HasSettledWindow(context.Background(), day, string(scheduler.KindTrading))
	require.NoError(t, err)
	assert.True(t, settled, "no-decision windows still settle durably")
}

func TestApplyFills(t *testing.T) {
	pf := ledger.Portfolio{
		Cash: decimal.NewFromInt(1000),
		Positions: map[string]ledger.Position{
			"MSFT": {Symbol: "MSFT", Shares: 4, AvgCost: decimal.NewFromInt(100), StopRef: decimal.NewFromInt(100)},
		},
	}
	results := []executor.Result{
		{
			Order:       risk.ApprovedOrder{Symbol: "AAPL", Side: ledger.SideBuy, Quantity: 5},
			Status:      ledger.StatusFilled,
			FilledQty:   5,
			FilledPrice: decimal.NewFromInt(20),
		},
		{
			Order:       risk.ApprovedOrder{Symbol: "MSFT", Side: ledger.SideSell, Quantity: 4},
			Status:      ledger.StatusFilled,
			FilledQty:   4,
			FilledPrice: decimal.NewFromInt(90),
			RealizedPnL: decimal.NewFromInt(-40),
		},
		{
			Order:  risk.ApprovedOrder{Symbol: "NVDA", Side: ledger.SideBuy, Quantity: 3},
			Status: ledger.StatusRejected,
		},
	}

	next := ApplyFills(pf, results)

	require.Contains(t, next.Positions, "AAPL")
	assert.EqualValues(t, 5, next.Positions["AAPL"].Shares)
	assert.True(t, next.Positions["AAPL"].StopRef.Equal(decimal.NewFromInt(20)),
		"stop reference fixed at entry price")
	assert.NotContains(t, next.Positions, "MSFT")
	assert.NotContains(t, next.Positions, "NVDA")
	// 1000 - 100 buy + 360 sell proceeds.
	assert.True(t, next.Cash.Equal(decimal.NewFromInt(1260)), "cash %s", next.Cash)
	assert.True(t, next.RealizedPnL.Equal(decimal.NewFromInt(-40)))

	// The input snapshot is untouched.
	assert.EqualValues(t, 4, pf.Positions["MSFT"].Shares)
	assert.NotContains(t, pf.Positions, "AAPL")
}

func TestApplyFillsAddOnBuyKeepsStopRef(t *testing.T) {
	entry := decimal.NewFromInt(50)
	pf := ledger.Portfolio{
		Cash: decimal.NewFromInt(1000),
		Positions: map[string]ledger.Position{
			"AAPL": {Symbol: "AAPL", Shares: 2, AvgCost: entry, StopRef: entry},
		},
	}
	next := ApplyFills(pf, []executor.Result{{
		Order:       risk.ApprovedOrder{Symbol: "AAPL", Side: ledger.SideBuy, Quantity: 2},
		Status:      ledger.StatusFilled,
		FilledQty:   2,
		FilledPrice: decimal.NewFromInt(70),
	}})

	pos := next.Positions["AAPL"]
	assert.EqualValues(t, 4, pos.Shares)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(60)), "avg cost %s", pos.AvgCost)
	assert.True(t, pos.StopRef.Equal(entry), "add-on buys never move the stop reference")
}

func TestFormatPortfolio(t *testing.T) {
	pf := ledger.Portfolio{
		Cash: decimal.NewFromInt(500),
		Positions: map[string]ledger.Position{
			"AAPL": {Symbol: "AAPL", Shares: 3, AvgCost: decimal.NewFromInt(100)},
		},
	}
	out := FormatPortfolio(pf, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(110)})
	assert.Contains(t, out, "Cash: $500.00")
	assert.Contains(t, out, "AAPL: 3 shares @ avg $100.00")
	assert.Contains(t, out, "unrealized 30.00")
}
