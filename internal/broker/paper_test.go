package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphapilot/internal/ledger"
)

func fixedQuotes(prices map[string]int64) QuoteFn {
	return func(symbol string) (decimal.Decimal, bool) {
		px, ok := prices[symbol]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(px), true
	}
}

func TestPaperBuySellRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(decimal.NewFromInt(1000), fixedQuotes(map[string]int64{"AAPL": 20}))

	ack, err := b.SubmitOrder(ctx, Order{Symbol: "AAPL", Side: ledger.SideBuy, Qty: 7})
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, ack.Status)
	assert.EqualValues(t, 7, ack.FilledQty)
	assert.True(t, ack.FilledAvgPrice.Equal(decimal.NewFromInt(20)))
	assert.NotEmpty(t, ack.OrderID)

	account, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.Cash.Equal(decimal.NewFromInt(860)), "cash %s", account.Cash)
	assert.True(t, account.Equity.Equal(decimal.NewFromInt(1000)))

	got, err := b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ack.OrderID, got.OrderID)

	_, err = b.SubmitOrder(ctx, Order{Symbol: "AAPL", Side: ledger.SideSell, Qty: 7})
	require.NoError(t, err)
	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(decimal.NewFromInt(100), fixedQuotes(map[string]int64{"AAPL": 20}))

	var rejection *RejectionError

	_, err := b.SubmitOrder(ctx, Order{Symbol: "AAPL", Side: ledger.SideBuy, Qty: 6})
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "insufficient_buying_power", rejection.Code)

	_, err = b.SubmitOrder(ctx, Order{Symbol: "AAPL", Side: ledger.SideSell, Qty: 1})
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "insufficient_shares", rejection.Code)

	_, err = b.SubmitOrder(ctx, Order{Symbol: "ZZZZ", Side: ledger.SideBuy, Qty: 1})
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "unknown_symbol", rejection.Code)

	_, err = b.SubmitOrder(ctx, Order{Symbol: "AAPL", Side: ledger.SideBuy, Qty: 0})
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "invalid_qty", rejection.Code)
}

func TestPaperSeedFromLedger(t *testing.T) {
	b := NewPaperBroker(decimal.Zero, fixedQuotes(map[string]int64{"AAPL": 25}))
	b.Seed(decimal.NewFromInt(500), map[string]ledger.Position{
		"AAPL": {Symbol: "AAPL", Shares: 4, AvgCost: decimal.NewFromInt(20)},
	})

	account, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, account.Cash.Equal(decimal.NewFromInt(500)))
	// 500 cash + 4 shares at the live quote of 25.
	assert.True(t, account.Equity.Equal(decimal.NewFromInt(600)), "equity %s", account.Equity)
}
