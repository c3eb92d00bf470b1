package broker

import (
	"context"
	"fmt"
	"sync"

	"alphapilot/internal/ledger"
	"alphapilot/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteFn supplies the simulated fill price for a symbol.
type QuoteFn func(symbol string) (decimal.Decimal, bool)

// PaperBroker simulates instant market fills at the quoted price.
// State lives in memory; the ledger remains the durable record.
type PaperBroker struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*Position
	orders    map[string]Ack
	quoteFn   QuoteFn
}

func NewPaperBroker(startingCash decimal.Decimal, quoteFn QuoteFn) *PaperBroker {
	return &PaperBroker{
		cash:      startingCash,
		positions: make(map[string]*Position),
		orders:    make(map[string]Ack),
		quoteFn:   quoteFn,
	}
}

func (b *PaperBroker) Name() string { return "paper" }

// Seed aligns the simulation with the ledger snapshot on startup.
func (b *PaperBroker) Seed(cash decimal.Decimal, positions map[string]ledger.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = cash
	b.positions = make(map[string]*Position, len(positions))
	for sym, pos := range positions {
		b.positions[sym] = &Position{Symbol: sym, Qty: pos.Shares, AvgEntry: pos.AvgCost}
	}
}

func (b *PaperBroker) GetAccount(_ context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for sym, pos := range b.positions {
		px, ok := b.quoteFn(sym)
		if !ok {
			px = pos.AvgEntry
		}
		equity = equity.Add(px.Mul(decimal.NewFromInt(pos.Qty)))
	}
	return Account{Cash: b.cash, Equity: equity}, nil
}

func (b *PaperBroker) GetPositions(_ context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (b *PaperBroker) SubmitOrder(_ context.Context, order Order) (Ack, error) {
	if order.Qty <= 0 {
		return Ack{}, &RejectionError{Symbol: order.Symbol, Code: "invalid_qty", Message: "quantity must be positive"}
	}
	px, ok := b.quoteFn(order.Symbol)
	if !ok || px.IsZero() {
		return Ack{}, &RejectionError{Symbol: order.Symbol, Code: "unknown_symbol", Message: "no quote for symbol"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	notional := px.Mul(decimal.NewFromInt(order.Qty))
	switch order.Side {
	case ledger.SideBuy:
		if notional.GreaterThan(b.cash) {
			return Ack{}, &RejectionError{
				Symbol:  order.Symbol,
				Code:    "insufficient_buying_power",
				Message: fmt.Sprintf("need %s, have %s", notional.StringFixed(2), b.cash.StringFixed(2)),
			}
		}
		b.cash = b.cash.Sub(notional)
		pos, held := b.positions[order.Symbol]
		if !held {
			b.positions[order.Symbol] = &Position{Symbol: order.Symbol, Qty: order.Qty, AvgEntry: px}
		} else {
			total := pos.AvgEntry.Mul(decimal.NewFromInt(pos.Qty)).Add(notional)
			pos.Qty += order.Qty
			pos.AvgEntry = total.Div(decimal.NewFromInt(pos.Qty))
		}
	case ledger.SideSell:
		pos, held := b.positions[order.Symbol]
		if !held || pos.Qty < order.Qty {
			return Ack{}, &RejectionError{Symbol: order.Symbol, Code: "insufficient_shares", Message: "not enough shares to sell"}
		}
		b.cash = b.cash.Add(notional)
		pos.Qty -= order.Qty
		if pos.Qty == 0 {
			delete(b.positions, order.Symbol)
		}
	default:
		return Ack{}, &RejectionError{Symbol: order.Symbol, Code: "invalid_side", Message: string(order.Side)}
	}

	ack := Ack{
		OrderID:        uuid.NewString(),
		Status:         OrderFilled,
		FilledQty:      order.Qty,
		FilledAvgPrice: px,
	}
	b.orders[ack.OrderID] = ack
	logger.Debugf("paper broker: %s %d %s @ %s", order.Side, order.Qty, order.Symbol, px.StringFixed(2))
	return ack, nil
}

func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ack, ok := b.orders[orderID]
	if !ok {
		return Ack{}, &RejectionError{Code: "unknown_order", Message: orderID}
	}
	return ack, nil
}
