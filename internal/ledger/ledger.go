// Package ledger owns the durable portfolio state and the append-only
// trade history. Every other component receives immutable snapshots;
// mutations happen only through committed trade records.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type TradeStatus string

const (
	StatusFilled   TradeStatus = "filled"
	StatusRejected TradeStatus = "rejected"
	StatusFailed   TradeStatus = "failed"
)

// Position is a single holding. StopRef is the stop-loss reference
// price, set when the position is entered and never loosened.
type Position struct {
	Symbol    string
	Shares    int64
	AvgCost   decimal.Decimal
	StopRef   decimal.Decimal
	EnteredAt time.Time
}

// Portfolio is the ledger-owned snapshot handed to the pipeline.
type Portfolio struct {
	Cash          decimal.Decimal
	Positions     map[string]Position
	AsOf          time.Time
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Equity values the portfolio at the given prices; positions without a
// quote fall back to average cost.
func (p Portfolio) Equity(prices map[string]decimal.Decimal) decimal.Decimal {
	total := p.Cash
	for sym, pos := range p.Positions {
		px, ok := prices[sym]
		if !ok || px.IsZero() {
			px = pos.AvgCost
		}
		total = total.Add(px.Mul(decimal.NewFromInt(pos.Shares)))
	}
	return total
}

// Clone returns a deep copy so callers can project changes without
// touching the snapshot handed to other components.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Positions = make(map[string]Position, len(p.Positions))
	for k, v := range p.Positions {
		out.Positions[k] = v
	}
	return out
}

// TradeRecord is immutable once appended. IdempotencyKey is the
// deduplication unit across retries and process restarts.
type TradeRecord struct {
	IdempotencyKey string
	Day            string
	Window         string
	Symbol         string
	Side           Side
	Status         TradeStatus
	Quantity       int64
	Price          decimal.Decimal
	RealizedPnL    decimal.Decimal
	BrokerOrderID  string
	Reason         string
	ExecutedAt     time.Time
}

// TradeKey derives the idempotency key for a logical trade: the same
// trading day, symbol and intent hash always map to the same key.
func TradeKey(day, symbol, intentHash string) string {
	sum := sha256.Sum256([]byte(day + "|" + symbol + "|" + intentHash))
	return day + ":" + symbol + ":" + hex.EncodeToString(sum[:8])
}

// PersistenceError marks ledger read/write failures. These are fatal to
// the current cycle: the pipeline must stop rather than act on state it
// could not record.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the ledger contract. Appends are atomic and ordered;
// AppendTrade with an already-seen idempotency key is a no-op.
type Store interface {
	LoadPortfolio(ctx context.Context) (Portfolio, error)
	SaveSnapshot(ctx context.Context, pf Portfolio, day, window, note string) error
	AppendTrade(ctx context.Context, rec TradeRecord) error
	HasTrade(ctx context.Context, key string) (bool, error)
	DailyRealizedLoss(ctx context.Context, day string) (decimal.Decimal, error)
	TradesForDay(ctx context.Context, day string) ([]TradeRecord, error)
	HasSettledWindow(ctx context.Context, day, window string) (bool, error)

	// LockCycle grants the exclusive lock a cycle holds from risk
	// evaluation through execution. The release func must run on every
	// exit path.
	LockCycle(ctx context.Context) (release func(), err error)

	Close() error
}

// Day formats t as the trading-day identifier used across the system.
func Day(t time.Time) string { return t.Format("2006-01-02") }
