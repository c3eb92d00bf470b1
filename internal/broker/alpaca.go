package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"alphapilot/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// AlpacaBroker talks to an Alpaca-compatible REST API. The same client
// serves the paper and live endpoints; only the configured base URL
// differs.
type AlpacaBroker struct {
	http    *resty.Client
	limiter *rate.Limiter
}

func NewAlpacaBroker(cfg config.BrokerConfig) *AlpacaBroker {
	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 3
	}
	return &AlpacaBroker{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (b *AlpacaBroker) Name() string { return "alpaca" }

type alpacaAccount struct {
	Cash   string `json:"cash"`
	Equity string `json:"equity"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

type alpacaOrder struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *AlpacaBroker) GetAccount(ctx context.Context) (Account, error) {
	var out alpacaAccount
	if err := b.get(ctx, "/v2/account", &out); err != nil {
		return Account{}, err
	}
	return Account{Cash: parseMoney(out.Cash), Equity: parseMoney(out.Equity)}, nil
}

func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]Position, error) {
	var out []alpacaPosition
	if err := b.get(ctx, "/v2/positions", &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out))
	for _, p := range out {
		qty, _ := strconv.ParseInt(p.Qty, 10, 64)
		positions = append(positions, Position{
			Symbol:   p.Symbol,
			Qty:      qty,
			AvgEntry: parseMoney(p.AvgEntryPrice),
		})
	}
	return positions, nil
}

func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order Order) (Ack, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return Ack{}, err
	}
	body := map[string]string{
		"symbol":          order.Symbol,
		"qty":             strconv.FormatInt(order.Qty, 10),
		"side":            string(order.Side),
		"type":            "market",
		"time_in_force":   "day",
		"client_order_id": order.ClientOrderID,
	}
	var out alpacaOrder
	var apiErr alpacaError
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v2/orders")
	if err != nil {
		return Ack{}, &TransportError{Err: err}
	}
	if resp.IsError() {
		return Ack{}, classifyStatus(resp.StatusCode(), order.Symbol, apiErr)
	}
	return ackFromOrder(out), nil
}

func (b *AlpacaBroker) GetOrderStatus(ctx context.Context, orderID string) (Ack, error) {
	var out alpacaOrder
	if err := b.get(ctx, "/v2/orders/"+orderID, &out); err != nil {
		return Ack{}, err
	}
	return ackFromOrder(out), nil
}

func (b *AlpacaBroker) get(ctx context.Context, path string, result any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	var apiErr alpacaError
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp.IsError() {
		return classifyStatus(resp.StatusCode(), "", apiErr)
	}
	return nil
}

// classifyStatus maps HTTP failures onto the error taxonomy: 4xx are
// broker rejections, everything else is transport.
func classifyStatus(status int, symbol string, apiErr alpacaError) error {
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &TransportError{Err: fmt.Errorf("status=%d: %s", status, msg)}
	}
	return &RejectionError{
		Symbol:  symbol,
		Code:    strconv.Itoa(status),
		Message: msg,
	}
}

func ackFromOrder(out alpacaOrder) Ack {
	qty, _ := strconv.ParseInt(out.FilledQty, 10, 64)
	status := OrderPending
	switch out.Status {
	case "filled":
		status = OrderFilled
	case "rejected", "canceled", "expired":
		status = OrderRejected
	}
	return Ack{
		OrderID:        out.ID,
		Status:         status,
		FilledQty:      qty,
		FilledAvgPrice: parseMoney(out.FilledAvgPrice),
	}
}

func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ Broker = (*AlpacaBroker)(nil)
