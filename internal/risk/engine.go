// Package risk enforces the hard financial safety limits. Evaluate is
// a pure function of its inputs so every verdict is reproducible from
// the audit trail.
package risk

import (
	"fmt"
	"sort"

	"alphapilot/internal/decision"
	"alphapilot/internal/ledger"

	"github.com/shopspring/decimal"
)

// Limits are the configured hard caps; zero values are not defaulted
// here, config owns defaults.
type Limits struct {
	MaxPositionPct     float64
	StopLossPct        float64
	CircuitBreakerPct  float64
	BearMaxPositionPct float64
	MaxSectorPct       float64
	MinDollarVolume    float64
}

// State is the day-scoped risk state, recomputed from the ledger at
// the start of every cycle and never independently persisted.
type State struct {
	Day              string
	StartOfDayEquity decimal.Decimal
	RealizedLoss     decimal.Decimal
	Tripped          bool
}

// ApprovedOrder is an intent that survived every rule, sized within
// limits and keyed for idempotent execution.
type ApprovedOrder struct {
	Symbol         string
	Side           ledger.Side
	Quantity       int64
	LimitPrice     decimal.Decimal
	Reason         string
	Provider       string
	Clipped        bool
	Mandatory      bool
	IdempotencyKey string
}

type Rejection struct {
	Intent decision.TradeIntent
	Reason string
}

// Verdict carries the cycle's approvals plus the breaker status after
// arming evaluation. Tripped applies to the rest of the trading day;
// it never retroactively cancels this verdict's approvals.
type Verdict struct {
	Approved      []ApprovedOrder
	Rejected      []Rejection
	Tripped       bool
	ProjectedLoss decimal.Decimal
}

type Input struct {
	Intents   []decision.TradeIntent
	Portfolio ledger.Portfolio
	Prices    map[string]decimal.Decimal
	Volumes   map[string]int64
	Sectors   map[string]string
	State     State
	Limits    Limits
	Regime    Regime
}

// Evaluate applies the rules per intent in order: circuit breaker,
// liquidity floor, position and sector sizing (clipping buys), then
// synthesizes mandatory
// stop-loss exits, and finally re-evaluates the breaker strictly after
// all approvals are finalized. A failing rule rejects that intent
// only; zero intents in, zero orders out is a valid outcome.
func Evaluate(in Input) Verdict {
	var verdict Verdict
	equity := in.Portfolio.Equity(in.Prices)

	exits := synthesizeStopExits(in)
	exitSymbols := make(map[string]bool, len(exits))
	for _, exit := range exits {
		exitSymbols[exit.Symbol] = true
	}
	verdict.Approved = append(verdict.Approved, exits...)

	projectedCash := in.Portfolio.Cash
	for _, exit := range exits {
		projectedCash = projectedCash.Add(exit.LimitPrice.Mul(decimal.NewFromInt(exit.Quantity)))
	}
	sectorAdded := map[string]decimal.Decimal{}

	for _, intent := range in.Intents {
		if exitSymbols[intent.Symbol] {
			verdict.Rejected = append(verdict.Rejected, Rejection{intent, "stop-loss exit already pending"})
			continue
		}
		switch intent.Action {
		case decision.ActionSell:
			order, reason := approveSell(in, intent)
			if reason != "" {
				verdict.Rejected = append(verdict.Rejected, Rejection{intent, reason})
				continue
			}
			projectedCash = projectedCash.Add(order.LimitPrice.Mul(decimal.NewFromInt(order.Quantity)))
			verdict.Approved = append(verdict.Approved, order)
		case decision.ActionBuy:
			order, reason := approveBuy(in, intent, equity, projectedCash, sectorAdded)
			if reason != "" {
				verdict.Rejected = append(verdict.Rejected, Rejection{intent, reason})
				continue
			}
			notional := order.LimitPrice.Mul(decimal.NewFromInt(order.Quantity))
			projectedCash = projectedCash.Sub(notional)
			sec := sectorOf(in.Sectors, order.Symbol)
			sectorAdded[sec] = sectorAdded[sec].Add(notional)
			verdict.Approved = append(verdict.Approved, order)
		default:
			verdict.Rejected = append(verdict.Rejected, Rejection{intent, fmt.Sprintf("unsupported action %q", intent.Action)})
		}
	}

	verdict.ProjectedLoss, verdict.Tripped = armBreaker(in, verdict.Approved)
	return verdict
}

// synthesizeStopExits emits a mandatory full-position sell for every
// holding priced at or below its stop threshold, regardless of what
// the decision provider proposed. Symbols are visited in sorted order
// so verdicts are deterministic.
func synthesizeStopExits(in Input) []ApprovedOrder {
	symbols := make([]string, 0, len(in.Portfolio.Positions))
	for sym := range in.Portfolio.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	stopPct := decimal.NewFromFloat(in.Limits.StopLossPct)
	var exits []ApprovedOrder
	for _, sym := range symbols {
		pos := in.Portfolio.Positions[sym]
		if pos.Shares <= 0 || pos.StopRef.IsZero() {
			continue
		}
		px, ok := in.Prices[sym]
		if !ok || px.IsZero() {
			continue
		}
		threshold := pos.StopRef.Mul(decimal.NewFromInt(1).Sub(stopPct))
		if px.GreaterThan(threshold) {
			continue
		}
		intent := decision.TradeIntent{
			Symbol:   sym,
			Action:   decision.ActionSell,
			Quantity: pos.Shares,
			Provider: "risk-engine",
		}
		exits = append(exits, ApprovedOrder{
			Symbol:     sym,
			Side:       ledger.SideSell,
			Quantity:   pos.Shares,
			LimitPrice: px,
			Reason: fmt.Sprintf("stop-loss: %s at %s breached %s (ref %s)",
				sym, px.StringFixed(2), threshold.StringFixed(2), pos.StopRef.StringFixed(2)),
			Provider:       intent.Provider,
			Mandatory:      true,
			IdempotencyKey: ledger.TradeKey(in.State.Day, sym, intent.Hash()),
		})
	}
	return exits
}

func approveSell(in Input, intent decision.TradeIntent) (ApprovedOrder, string) {
	pos, held := in.Portfolio.Positions[intent.Symbol]
	if !held || pos.Shares <= 0 {
		return ApprovedOrder{}, "no position to sell"
	}
	px, ok := in.Prices[intent.Symbol]
	if !ok || px.IsZero() {
		return ApprovedOrder{}, "no quote available"
	}
	qty := intent.Quantity
	if qty <= 0 || qty > pos.Shares {
		qty = pos.Shares
	}
	return ApprovedOrder{
		Symbol:         intent.Symbol,
		Side:           ledger.SideSell,
		Quantity:       qty,
		LimitPrice:     px,
		Reason:         intent.Rationale,
		Provider:       intent.Provider,
		IdempotencyKey: ledger.TradeKey(in.State.Day, intent.Symbol, intent.Hash()),
	}, ""
}

// approveBuy sizes a buy inside the position and sector caps, clipping
// rather than rejecting when the proposal is too large; a clip to zero
// rejects. Illiquid symbols are rejected outright.
func approveBuy(in Input, intent decision.TradeIntent, equity, availableCash decimal.Decimal, sectorAdded map[string]decimal.Decimal) (ApprovedOrder, string) {
	if in.State.Tripped {
		return ApprovedOrder{}, "circuit breaker tripped: no new exposure today"
	}
	px, ok := in.Prices[intent.Symbol]
	if !ok || px.IsZero() {
		return ApprovedOrder{}, "no quote available"
	}

	if in.Limits.MinDollarVolume > 0 {
		dollarVol := px.Mul(decimal.NewFromInt(in.Volumes[intent.Symbol]))
		floor := decimal.NewFromFloat(in.Limits.MinDollarVolume)
		if dollarVol.LessThan(floor) {
			return ApprovedOrder{}, fmt.Sprintf("liquidity: %s daily dollar volume $%s below $%s floor",
				intent.Symbol, dollarVol.StringFixed(0), floor.StringFixed(0))
		}
	}

	capPct := in.Limits.MaxPositionPct
	if in.Regime == RegimeBear && in.Limits.BearMaxPositionPct > 0 && in.Limits.BearMaxPositionPct < capPct {
		capPct = in.Limits.BearMaxPositionPct
	}

	proposed := intent.Quantity
	if proposed <= 0 && intent.AllocationPct > 0 {
		proposed = equity.Mul(decimal.NewFromFloat(intent.AllocationPct)).Div(px).IntPart()
	}
	if proposed <= 0 {
		return ApprovedOrder{}, "no quantity derivable from intent"
	}

	currentValue := decimal.Zero
	if pos, held := in.Portfolio.Positions[intent.Symbol]; held {
		currentValue = px.Mul(decimal.NewFromInt(pos.Shares))
	}
	maxValue := equity.Mul(decimal.NewFromFloat(capPct))
	headroom := maxValue.Sub(currentValue)
	capLabel := fmt.Sprintf("%.0f%% position cap", capPct*100)
	if in.Limits.MaxSectorPct > 0 {
		sec := sectorOf(in.Sectors, intent.Symbol)
		sectorRoom := equity.Mul(decimal.NewFromFloat(in.Limits.MaxSectorPct)).
			Sub(sectorExposure(in, sec)).Sub(sectorAdded[sec])
		if sectorRoom.LessThan(headroom) {
			headroom = sectorRoom
			capLabel = fmt.Sprintf("%.0f%% sector cap (%s)", in.Limits.MaxSectorPct*100, sec)
		}
	}
	if headroom.GreaterThan(availableCash) {
		headroom = availableCash
	}
	allowed := headroom.Div(px).IntPart()
	if allowed <= 0 {
		return ApprovedOrder{}, "no headroom under " + capLabel
	}

	qty := proposed
	clipped := false
	if qty > allowed {
		qty = allowed
		clipped = true
	}
	reason := intent.Rationale
	if clipped {
		reason = fmt.Sprintf("clipped %d -> %d by %s; %s", proposed, qty, capLabel, reason)
	}
	return ApprovedOrder{
		Symbol:         intent.Symbol,
		Side:           ledger.SideBuy,
		Quantity:       qty,
		LimitPrice:     px,
		Reason:         reason,
		Provider:       intent.Provider,
		Clipped:        clipped,
		IdempotencyKey: ledger.TradeKey(in.State.Day, intent.Symbol, intent.Hash()),
	}, ""
}

func sectorOf(sectors map[string]string, symbol string) string {
	if s, ok := sectors[symbol]; ok && s != "" {
		return s
	}
	return "Other"
}

// sectorExposure values the currently held positions mapped to the
// given sector. Positions without a quote are skipped.
func sectorExposure(in Input, sector string) decimal.Decimal {
	total := decimal.Zero
	for sym, pos := range in.Portfolio.Positions {
		if sectorOf(in.Sectors, sym) != sector {
			continue
		}
		px, ok := in.Prices[sym]
		if !ok {
			continue
		}
		total = total.Add(px.Mul(decimal.NewFromInt(pos.Shares)))
	}
	return total
}

// armBreaker runs strictly after all approvals for the cycle are
// finalized: the projected day loss includes the effect of approved
// sells (clipped buys included in the cycle stand either way).
func armBreaker(in Input, approved []ApprovedOrder) (decimal.Decimal, bool) {
	projected := in.State.RealizedLoss
	for _, order := range approved {
		if order.Side != ledger.SideSell {
			continue
		}
		pos, held := in.Portfolio.Positions[order.Symbol]
		if !held {
			continue
		}
		pnl := order.LimitPrice.Sub(pos.AvgCost).Mul(decimal.NewFromInt(order.Quantity))
		if pnl.IsNegative() {
			projected = projected.Add(pnl.Neg())
		}
	}
	if in.State.Tripped {
		return projected, true
	}
	if in.State.StartOfDayEquity.IsZero() {
		return projected, false
	}
	threshold := in.State.StartOfDayEquity.Mul(decimal.NewFromFloat(in.Limits.CircuitBreakerPct))
	return projected, projected.GreaterThanOrEqual(threshold)
}
