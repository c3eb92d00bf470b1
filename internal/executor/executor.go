// Package executor turns approved orders into broker submissions and
// ledger records. Submission is idempotent across retries and process
// restarts: the ledger's trade key is checked before every submit and
// doubles as the broker client order id.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/broker"
	"alphapilot/internal/ledger"
	"alphapilot/internal/logger"
	"alphapilot/internal/risk"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultPollBudget  = 10
)

type AuditSink interface {
	Record(ev auditlog.Event)
}

type Result struct {
	Order         risk.ApprovedOrder
	Status        ledger.TradeStatus
	Skipped       bool
	FilledQty     int64
	FilledPrice   decimal.Decimal
	RealizedPnL   decimal.Decimal
	BrokerOrderID string
	Err           error
}

type Executor struct {
	broker       broker.Broker
	store        ledger.Store
	audit        AuditSink
	maxAttempts  int
	backoffBase  time.Duration
	concurrency  int
	pollBudget   int
	pollInterval time.Duration

	writeMu sync.Mutex
	sleepFn func(time.Duration)
}

func New(b broker.Broker, store ledger.Store, audit AuditSink, maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Executor{
		broker:       b,
		store:        store,
		audit:        audit,
		maxAttempts:  maxAttempts,
		backoffBase:  500 * time.Millisecond,
		concurrency:  defaultConcurrency,
		pollBudget:   defaultPollBudget,
		pollInterval: 2 * time.Second,
		sleepFn:      time.Sleep,
	}
}

// Submit executes the batch with bounded per-symbol concurrency.
// Ledger writes stay serialized. It returns a non-nil error only for
// persistence failures, which abort the cycle: an unwritten trade must
// never be treated as executed.
func (e *Executor) Submit(ctx context.Context, day, window string, pf ledger.Portfolio, orders []risk.ApprovedOrder) ([]Result, error) {
	results := make([]Result, len(orders))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for i, order := range orders {
		i, order := i, order
		group.Go(func() error {
			res, err := e.submitOne(gctx, day, window, pf, order)
			results[i] = res
			return err
		})
	}
	err := group.Wait()
	return results, err
}

func (e *Executor) submitOne(ctx context.Context, day, window string, pf ledger.Portfolio, order risk.ApprovedOrder) (Result, error) {
	res := Result{Order: order}

	seen, err := e.store.HasTrade(ctx, order.IdempotencyKey)
	if err != nil {
		res.Err = err
		return res, err
	}
	if seen {
		logger.Infof("executor: %s already recorded, skipping submission", order.IdempotencyKey)
		res.Skipped = true
		res.Status = ledger.StatusFilled
		return res, nil
	}

	ack, submitErr := e.submitWithRetry(ctx, order)
	if submitErr == nil && !terminal(ack) {
		// A live broker acknowledges market orders before they fill.
		// Only a terminal status may become a ledger outcome, so poll
		// until the broker reports one or the budget runs out.
		ack, submitErr = e.awaitTerminal(ctx, order, ack)
	}
	executedAt := time.Now().UTC()
	res.BrokerOrderID = ack.OrderID

	switch {
	case submitErr == nil && ack.Status == broker.OrderRejected:
		res.Status = ledger.StatusRejected
		res.Err = &broker.RejectionError{Symbol: order.Symbol, Code: "rejected", Message: "broker rejected order " + ack.OrderID + " after acceptance"}
	case submitErr == nil:
		res.Status = ledger.StatusFilled
		res.FilledQty = ack.FilledQty
		res.FilledPrice = ack.FilledAvgPrice
		if res.FilledQty == 0 {
			res.FilledQty = order.Quantity
		}
		if res.FilledPrice.IsZero() {
			res.FilledPrice = order.LimitPrice
		}
		if order.Side == ledger.SideSell {
			if pos, held := pf.Positions[order.Symbol]; held {
				res.RealizedPnL = res.FilledPrice.Sub(pos.AvgCost).Mul(decimal.NewFromInt(res.FilledQty))
			}
		}
	case isRejection(submitErr):
		res.Status = ledger.StatusRejected
		res.Err = submitErr
	default:
		res.Status = ledger.StatusFailed
		res.Err = submitErr
		// Keep whatever partial fill the last status poll reported so
		// the record reflects the broker's view, not a guess.
		res.FilledQty = ack.FilledQty
		res.FilledPrice = ack.FilledAvgPrice
	}

	record := ledger.TradeRecord{
		IdempotencyKey: order.IdempotencyKey,
		Day:            day,
		Window:         window,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         res.Status,
		Quantity:       res.FilledQty,
		Price:          res.FilledPrice,
		RealizedPnL:    res.RealizedPnL,
		BrokerOrderID:  res.BrokerOrderID,
		Reason:         reasonFor(order, res),
		ExecutedAt:     executedAt,
	}
	e.writeMu.Lock()
	appendErr := e.store.AppendTrade(ctx, record)
	e.writeMu.Unlock()
	if appendErr != nil {
		res.Err = appendErr
		return res, appendErr
	}

	e.recordAudit(day, res)
	return res, nil
}

func (e *Executor) submitWithRetry(ctx context.Context, order risk.ApprovedOrder) (broker.Ack, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		ack, err := e.broker.SubmitOrder(ctx, broker.Order{
			Symbol:        order.Symbol,
			Side:          order.Side,
			Qty:           order.Quantity,
			ClientOrderID: order.IdempotencyKey,
		})
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if isRejection(err) {
			return broker.Ack{}, err
		}
		var transport *broker.TransportError
		if errors.As(err, &transport) && attempt < e.maxAttempts-1 {
			wait := e.backoffBase << attempt
			logger.Warnf("executor: %s %s transient failure (attempt %d/%d), retrying in %s: %v",
				order.Side, order.Symbol, attempt+1, e.maxAttempts, wait, err)
			e.sleepFn(wait)
			continue
		}
		break
	}
	return broker.Ack{}, lastErr
}

func terminal(ack broker.Ack) bool {
	return ack.Status == broker.OrderFilled || ack.Status == broker.OrderRejected
}

// awaitTerminal polls order status until the broker reports a fill or a
// rejection. An order still pending when the budget runs out surfaces
// as an error and is recorded as failed with whatever quantity actually
// filled, never as a fabricated full fill.
func (e *Executor) awaitTerminal(ctx context.Context, order risk.ApprovedOrder, ack broker.Ack) (broker.Ack, error) {
	for poll := 0; poll < e.pollBudget; poll++ {
		if err := ctx.Err(); err != nil {
			return ack, err
		}
		e.sleepFn(e.pollInterval)
		latest, err := e.broker.GetOrderStatus(ctx, ack.OrderID)
		if err != nil {
			var transport *broker.TransportError
			if errors.As(err, &transport) {
				continue
			}
			return ack, err
		}
		if latest.OrderID == "" {
			latest.OrderID = ack.OrderID
		}
		ack = latest
		if terminal(ack) {
			return ack, nil
		}
		logger.Debugw("order not yet terminal", "order_id", ack.OrderID, "status", string(ack.Status), "poll", poll+1)
	}
	return ack, fmt.Errorf("order %s for %s still %q after %d status polls",
		ack.OrderID, order.Symbol, ack.Status, e.pollBudget)
}

func isRejection(err error) bool {
	var rejection *broker.RejectionError
	return errors.As(err, &rejection)
}

func reasonFor(order risk.ApprovedOrder, res Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return order.Reason
}

func (e *Executor) recordAudit(day string, res Result) {
	if e.audit == nil {
		return
	}
	outcome := string(res.Status)
	if res.Skipped {
		outcome = "skipped_duplicate"
	}
	e.audit.Record(auditlog.Event{
		Day:     day,
		Kind:    auditlog.KindExecution,
		Outcome: outcome,
		Detail: map[string]any{
			"symbol":   res.Order.Symbol,
			"side":     string(res.Order.Side),
			"qty":      res.FilledQty,
			"price":    res.FilledPrice.String(),
			"order_id": res.BrokerOrderID,
			"key":      res.Order.IdempotencyKey,
		},
	})
}
