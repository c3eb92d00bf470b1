// Package broker abstracts the brokerage API. Paper and live
// implementations are interchangeable; the pipeline selects one at
// startup and never branches on the mode again.
package broker

import (
	"context"
	"fmt"

	"alphapilot/internal/ledger"

	"github.com/shopspring/decimal"
)

type Account struct {
	Cash   decimal.Decimal
	Equity decimal.Decimal
}

type Position struct {
	Symbol   string
	Qty      int64
	AvgEntry decimal.Decimal
}

type Order struct {
	Symbol        string
	Side          ledger.Side
	Qty           int64
	ClientOrderID string
}

type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
	OrderPending  OrderStatus = "pending"
)

type Ack struct {
	OrderID        string
	Status         OrderStatus
	FilledQty      int64
	FilledAvgPrice decimal.Decimal
}

type Broker interface {
	Name() string
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, order Order) (Ack, error)
	GetOrderStatus(ctx context.Context, orderID string) (Ack, error)
}

// RejectionError is a broker-side refusal (unknown symbol,
// insufficient buying power). Never retried.
type RejectionError struct {
	Symbol  string
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker rejected %s (%s): %s", e.Symbol, e.Code, e.Message)
}

// TransportError is a network or upstream availability failure,
// retried with backoff up to the configured attempt budget.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("broker transport: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }
