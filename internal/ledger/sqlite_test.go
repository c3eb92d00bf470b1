package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := NewSqliteStoreFromDB(db, decimal.NewFromInt(100_000))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadPortfolioGenesis(t *testing.T) {
	store := newTestStore(t)
	pf, err := store.LoadPortfolio(context.Background())
	require.NoError(t, err)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(100_000)))
	assert.Empty(t, pf.Positions)
}

func TestSnapshotRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pf := Portfolio{
		Cash: decimal.RequireFromString("860.50"),
		Positions: map[string]Position{
			"AAPL": {
				Symbol:    "AAPL",
				Shares:    7,
				AvgCost:   decimal.RequireFromString("19.93"),
				StopRef:   decimal.RequireFromString("19.93"),
				EnteredAt: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
			},
		},
		RealizedPnL: decimal.RequireFromString("-12.25"),
	}
	require.NoError(t, store.SaveSnapshot(ctx, pf, "2025-06-02", "trading", ""))

	got, err := store.LoadPortfolio(ctx)
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(pf.Cash), "cash %s", got.Cash)
	require.Contains(t, got.Positions, "AAPL")
	pos := got.Positions["AAPL"]
	assert.EqualValues(t, 7, pos.Shares)
	assert.True(t, pos.AvgCost.Equal(pf.Positions["AAPL"].AvgCost))
	assert.True(t, pos.StopRef.Equal(pf.Positions["AAPL"].StopRef))
	assert.True(t, got.RealizedPnL.Equal(pf.RealizedPnL))
}

func TestLoadPortfolioReturnsLatestSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := Portfolio{Cash: decimal.NewFromInt(900), Positions: map[string]Position{}}
	second := Portfolio{Cash: decimal.NewFromInt(800), Positions: map[string]Position{}}
	require.NoError(t, store.SaveSnapshot(ctx, first, "2025-06-02", "research", ""))
	require.NoError(t, store.SaveSnapshot(ctx, second, "2025-06-02", "trading", ""))

	got, err := store.LoadPortfolio(ctx)
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(second.Cash))
}

func TestAppendTradeIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := TradeRecord{
		IdempotencyKey: TradeKey("2025-06-02", "AAPL", "abc123"),
		Day:            "2025-06-02",
		Window:         "trading",
		Symbol:         "AAPL",
		Side:           SideBuy,
		Status:         StatusFilled,
		Quantity:       7,
		Price:          decimal.NewFromInt(20),
		ExecutedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.AppendTrade(ctx, rec))
	// Replays after a crash or retry must not produce a second line.
	require.NoError(t, store.AppendTrade(ctx, rec))
	require.NoError(t, store.AppendTrade(ctx, rec))

	trades, err := store.TradesForDay(ctx, "2025-06-02")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rec.IdempotencyKey, trades[0].IdempotencyKey)
	assert.EqualValues(t, 7, trades[0].Quantity)

	has, err := store.HasTrade(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAppendTradeRejectsEmptyKey(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendTrade(context.Background(), TradeRecord{Day: "2025-06-02"})
	require.Error(t, err)
	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestDailyRealizedLoss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := "2025-06-02"

	add := func(key string, status TradeStatus, pnl string) {
		require.NoError(t, store.AppendTrade(ctx, TradeRecord{
			IdempotencyKey: key,
			Day:            day,
			Symbol:         "AAPL",
			Side:           SideSell,
			Status:         status,
			Quantity:       1,
			Price:          decimal.NewFromInt(10),
			RealizedPnL:    decimal.RequireFromString(pnl),
		}))
	}
	add("k1", StatusFilled, "-40")
	add("k2", StatusFilled, "15")    // gains do not offset the loss sum
	add("k3", StatusRejected, "-99") // non-fills are ignored
	add("k4", StatusFilled, "-10.50")

	loss, err := store.DailyRealizedLoss(ctx, day)
	require.NoError(t, err)
	assert.True(t, loss.Equal(decimal.RequireFromString("50.50")), "loss %s", loss)

	other, err := store.DailyRealizedLoss(ctx, "2025-06-03")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestHasSettledWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	settled, err := store.HasSettledWindow(ctx, "2025-06-02", "trading")
	require.NoError(t, err)
	assert.False(t, settled)

	pf := Portfolio{Cash: decimal.NewFromInt(100), Positions: map[string]Position{}}
	require.NoError(t, store.SaveSnapshot(ctx, pf, "2025-06-02", "trading", "no-decision"))

	settled, err = store.HasSettledWindow(ctx, "2025-06-02", "trading")
	require.NoError(t, err)
	assert.True(t, settled)

	settled, err = store.HasSettledWindow(ctx, "2025-06-02", "research")
	require.NoError(t, err)
	assert.False(t, settled, "windows settle independently")
}

func TestLockCycleExclusive(t *testing.T) {
	store := newTestStore(t)
	release, err := store.LockCycle(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = store.LockCycle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := store.LockCycle(context.Background())
	require.NoError(t, err)
	release2()
}

func TestTradeKeyDeterministic(t *testing.T) {
	a := TradeKey("2025-06-02", "AAPL", "hash1")
	b := TradeKey("2025-06-02", "AAPL", "hash1")
	c := TradeKey("2025-06-03", "AAPL", "hash1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "2025-06-02:AAPL:")
}
