// Package trader runs the daily trading cycle: load state from the
// ledger, gather market context, request a decision, apply risk rules,
// execute approved orders and settle the window with a durable
// snapshot. All state is re-derived from the ledger on every cycle, so
// a restart mid-day resumes exactly where the records say it stopped.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/decision"
	"alphapilot/internal/executor"
	"alphapilot/internal/ledger"
	"alphapilot/internal/logger"
	"alphapilot/internal/market"
	"alphapilot/internal/notifier"
	"alphapilot/internal/prompt"
	"alphapilot/internal/risk"
	"alphapilot/internal/scheduler"
)

type Stage string

const (
	StageIdle             Stage = "idle"
	StageResearch         Stage = "research"
	StageAwaitingDecision Stage = "awaiting_decision"
	StageRiskCheck        Stage = "risk_check"
	StageExecuting        Stage = "executing"
	StageSettled          Stage = "settled"
)

// DecisionClient is what the runner needs from the decision gateway.
type DecisionClient interface {
	RequestDecision(ctx context.Context, req decision.Request) (*decision.Response, error)
}

type AuditSink interface {
	Record(ev auditlog.Event)
}

type Runner struct {
	store   ledger.Store
	market  *market.Service
	gateway DecisionClient
	exec    *executor.Executor
	prompts *prompt.Loader
	audit   AuditSink
	notify  notifier.Notifier

	limits         risk.Limits
	sectors        map[string]string
	maxDailyOpens  int
	dailyTokens    int
	researchTokens int

	mu    sync.Mutex
	stage Stage
}

type Options struct {
	Store          ledger.Store
	Market         *market.Service
	Gateway        DecisionClient
	Executor       *executor.Executor
	Prompts        *prompt.Loader
	Audit          AuditSink
	Notify         notifier.Notifier
	Limits         risk.Limits
	Sectors        map[string]string
	MaxDailyOpens  int
	DailyTokens    int
	ResearchTokens int
}

func NewRunner(opts Options) *Runner {
	if opts.DailyTokens <= 0 {
		opts.DailyTokens = 2048
	}
	if opts.ResearchTokens <= 0 {
		opts.ResearchTokens = 4096
	}
	if opts.Notify == nil {
		opts.Notify = notifier.Nop{}
	}
	return &Runner{
		store:          opts.Store,
		market:         opts.Market,
		gateway:        opts.Gateway,
		exec:           opts.Executor,
		prompts:        opts.Prompts,
		audit:          opts.Audit,
		notify:         opts.Notify,
		limits:         opts.Limits,
		sectors:        opts.Sectors,
		maxDailyOpens:  opts.MaxDailyOpens,
		dailyTokens:    opts.DailyTokens,
		researchTokens: opts.ResearchTokens,
		stage:          StageIdle,
	}
}

// Stage reports the runner's current stage.
func (r *Runner) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

func (r *Runner) setStage(s Stage) {
	r.mu.Lock()
	r.stage = s
	r.mu.Unlock()
	logger.Infow("trader stage", "stage", string(s))
}

// RunWindow executes one full cycle for the given window. A window
// that has already settled today is a no-op, which makes the scheduler
// callback and process restarts safe to replay.
func (r *Runner) RunWindow(ctx context.Context, kind scheduler.WindowKind, at time.Time) error {
	day := ledger.Day(at)
	window := string(kind)
	defer r.setStage(StageIdle)

	settled, err := r.store.HasSettledWindow(ctx, day, window)
	if err != nil {
		return fmt.Errorf("settlement check failed: %w", err)
	}
	if settled {
		logger.Infof("trader: window %s %s already settled, skipping", day, window)
		return nil
	}

	release, err := r.store.LockCycle(ctx)
	if err != nil {
		return fmt.Errorf("acquiring cycle lock failed: %w", err)
	}
	defer release()

	// Re-check under the lock: a concurrent trigger may have settled
	// the window while this one waited.
	settled, err = r.store.HasSettledWindow(ctx, day, window)
	if err != nil {
		return fmt.Errorf("settlement check failed: %w", err)
	}
	if settled {
		logger.Infof("trader: window %s %s settled while waiting for lock", day, window)
		return nil
	}

	start := time.Now()
	err = r.runCycle(ctx, day, window, kind)
	r.recordCycle(day, window, time.Since(start), err)
	return err
}

func (r *Runner) runCycle(ctx context.Context, day, window string, kind scheduler.WindowKind) error {
	r.setStage(StageResearch)

	pf, err := r.store.LoadPortfolio(ctx)
	if err != nil {
		// Cannot trade against unknown state.
		return fmt.Errorf("loading portfolio failed: %w", err)
	}

	held := sortedSymbols(pf.Positions)
	quotes := r.market.Snapshot(ctx, held)
	prices := market.Prices(quotes)
	regime := r.detectRegime(ctx)
	state, err := r.deriveRiskState(ctx, day, pf, prices)
	if err != nil {
		return err
	}
	logger.Infof("trader: %s %s equity=%s cash=%s realized_loss=%s regime=%s tripped=%v",
		day, window, pf.Equity(prices).StringFixed(2), pf.Cash.StringFixed(2),
		state.RealizedLoss.StringFixed(2), regime, state.Tripped)

	if err := ctx.Err(); err != nil {
		return err
	}
	r.setStage(StageAwaitingDecision)

	resp, err := r.requestDecision(ctx, day, window, kind, pf, quotes)
	if errors.Is(err, decision.ErrNoDecision) {
		// Every provider exhausted: settle the window with zero
		// trades rather than guess.
		logger.Warnf("trader: no decision for %s %s, settling with zero trades", day, window)
		return r.settle(ctx, day, window, pf, nil, risk.Verdict{}, "no-decision")
	}
	if err != nil {
		return fmt.Errorf("decision request failed: %w", err)
	}

	intents, dropped := r.capDailyOpens(ctx, day, resp.Intents)
	for _, d := range dropped {
		logger.Warnf("trader: dropping %s buy, daily open cap %d reached", d.Symbol, r.maxDailyOpens)
	}

	// Decisions can name symbols that were not held when the snapshot
	// was taken; quote them now so sizing sees a price.
	prices = r.mergeIntentQuotes(ctx, quotes, prices, intents)

	if err := ctx.Err(); err != nil {
		return err
	}
	r.setStage(StageRiskCheck)

	verdict := risk.Evaluate(risk.Input{
		Intents:   intents,
		Portfolio: pf,
		Prices:    prices,
		Volumes:   market.Volumes(quotes),
		Sectors:   r.sectors,
		State:     state,
		Limits:    r.limits,
		Regime:    regime,
	})
	r.recordVerdict(day, window, resp.Provider, verdict)
	for _, rej := range verdict.Rejected {
		logger.Warnf("trader: rejected %s %s: %s", rej.Intent.Action, rej.Intent.Symbol, rej.Reason)
	}
	if verdict.Tripped && !state.Tripped {
		logger.Warnf("trader: circuit breaker tripped, projected loss %s", verdict.ProjectedLoss.StringFixed(2))
		notifier.Send(r.notify, fmt.Sprintf("⚠️ *Circuit breaker tripped* %s: projected daily loss %s", day, verdict.ProjectedLoss.StringFixed(2)))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.setStage(StageExecuting)

	// In-flight orders must reach a terminal record even when the
	// process is asked to stop, so execution runs detached from the
	// caller's cancellation.
	execCtx := context.WithoutCancel(ctx)
	results, err := r.exec.Submit(execCtx, day, window, pf, verdict.Approved)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	return r.settle(execCtx, day, window, pf, results, verdict, "")
}

func (r *Runner) mergeIntentQuotes(ctx context.Context, quotes map[string]market.Quote, prices map[string]decimal.Decimal, intents []decision.TradeIntent) map[string]decimal.Decimal {
	var missing []string
	for _, in := range intents {
		if _, ok := quotes[in.Symbol]; !ok {
			missing = append(missing, in.Symbol)
		}
	}
	if len(missing) == 0 {
		return prices
	}
	for sym, q := range r.market.Snapshot(ctx, missing) {
		if _, ok := quotes[sym]; !ok {
			quotes[sym] = q
		}
	}
	return market.Prices(quotes)
}

// deriveRiskState recomputes the day's risk state from the ledger.
// Start-of-day equity is approximated as current equity plus the
// day's realized loss, which is exact for cash and conservative for
// intraday unrealized moves.
func (r *Runner) deriveRiskState(ctx context.Context, day string, pf ledger.Portfolio, prices map[string]decimal.Decimal) (risk.State, error) {
	realizedLoss, err := r.store.DailyRealizedLoss(ctx, day)
	if err != nil {
		return risk.State{}, fmt.Errorf("deriving realized loss failed: %w", err)
	}
	equity := pf.Equity(prices)
	startEquity := equity.Add(realizedLoss)
	tripped := false
	if startEquity.IsPositive() {
		threshold := startEquity.Mul(decimal.NewFromFloat(r.limits.CircuitBreakerPct))
		tripped = realizedLoss.GreaterThanOrEqual(threshold) && realizedLoss.IsPositive()
	}
	return risk.State{
		Day:              day,
		StartOfDayEquity: startEquity,
		RealizedLoss:     realizedLoss,
		Tripped:          tripped,
	}, nil
}

func (r *Runner) detectRegime(ctx context.Context) risk.Regime {
	closes, err := r.market.RegimeCloses(ctx, 260)
	if err != nil {
		logger.Warnf("trader: regime series unavailable: %v", err)
		return risk.RegimeUnknown
	}
	return risk.DetectRegime(closes)
}

func (r *Runner) requestDecision(ctx context.Context, day, window string, kind scheduler.WindowKind, pf ledger.Portfolio, quotes map[string]market.Quote) (*decision.Response, error) {
	tmpl := r.prompts.Daily()
	maxTokens := r.dailyTokens
	if kind == scheduler.KindResearch {
		tmpl = r.prompts.Research()
		maxTokens = r.researchTokens
	}
	system, user, err := prompt.Render(tmpl, prompt.Data{
		Portfolio:         FormatPortfolio(pf, market.Prices(quotes)),
		Market:            market.FormatContext(quotes),
		MaxPositionPct:    r.limits.MaxPositionPct,
		StopLossPct:       r.limits.StopLossPct,
		CircuitBreakerPct: r.limits.CircuitBreakerPct,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering prompt failed: %w", err)
	}
	return r.gateway.RequestDecision(ctx, decision.Request{
		Day:       day,
		Window:    window,
		Prompt:    decision.PromptBundle{System: system, User: user},
		MaxTokens: maxTokens,
	})
}

// capDailyOpens drops buy intents once the day's filled buy count
// reaches the configured limit. Sells always pass.
func (r *Runner) capDailyOpens(ctx context.Context, day string, intents []decision.TradeIntent) (kept, dropped []decision.TradeIntent) {
	if r.maxDailyOpens <= 0 {
		return intents, nil
	}
	trades, err := r.store.TradesForDay(ctx, day)
	if err != nil {
		logger.Warnf("trader: counting daily opens failed, cap not applied: %v", err)
		return intents, nil
	}
	opens := 0
	for _, tr := range trades {
		if tr.Side == ledger.SideBuy && tr.Status == ledger.StatusFilled {
			opens++
		}
	}
	for _, in := range intents {
		if in.Action == decision.ActionBuy {
			if opens >= r.maxDailyOpens {
				dropped = append(dropped, in)
				continue
			}
			opens++
		}
		kept = append(kept, in)
	}
	return kept, dropped
}

// settle applies fills to the portfolio, writes the window snapshot
// and emits the summary. A nil results slice settles a no-op window;
// the snapshot row is still written so re-entry checks hold across
// restarts.
func (r *Runner) settle(ctx context.Context, day, window string, pf ledger.Portfolio, results []executor.Result, verdict risk.Verdict, note string) error {
	r.setStage(StageSettled)

	next := ApplyFills(pf, results)
	if err := r.store.SaveSnapshot(ctx, next, day, window, note); err != nil {
		return fmt.Errorf("saving settlement snapshot failed: %w", err)
	}

	var filled, rejected, skipped int
	for _, res := range results {
		switch {
		case res.Skipped:
			skipped++
		case res.Status == ledger.StatusFilled:
			filled++
		default:
			rejected++
		}
	}
	logger.Infof("trader: settled %s %s filled=%d rejected=%d skipped=%d cash=%s",
		day, window, filled, rejected, skipped, next.Cash.StringFixed(2))

	notifier.Send(r.notify, notifier.CycleSummary{
		Day:      day,
		Window:   window,
		Filled:   filled,
		Rejected: rejected,
		Skipped:  skipped,
		Equity:   next.Equity(nil).StringFixed(2),
		Cash:     next.Cash.StringFixed(2),
		Tripped:  verdict.Tripped,
	}.String())
	return nil
}

// ApplyFills projects executed fills onto a portfolio copy. The stop
// reference is fixed at first entry and kept through add-on buys.
func ApplyFills(pf ledger.Portfolio, results []executor.Result) ledger.Portfolio {
	next := pf.Clone()
	for _, res := range results {
		if res.Skipped || res.Status != ledger.StatusFilled || res.FilledQty <= 0 {
			continue
		}
		qty := decimal.NewFromInt(res.FilledQty)
		notional := res.FilledPrice.Mul(qty)
		sym := res.Order.Symbol

		switch res.Order.Side {
		case ledger.SideBuy:
			pos, ok := next.Positions[sym]
			if !ok {
				pos = ledger.Position{
					Symbol:    sym,
					AvgCost:   res.FilledPrice,
					StopRef:   res.FilledPrice,
					EnteredAt: time.Now(),
				}
			} else {
				totalCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Shares)).Add(notional)
				pos.AvgCost = totalCost.Div(decimal.NewFromInt(pos.Shares + res.FilledQty))
			}
			pos.Shares += res.FilledQty
			next.Positions[sym] = pos
			next.Cash = next.Cash.Sub(notional)
		case ledger.SideSell:
			pos, ok := next.Positions[sym]
			if !ok {
				continue
			}
			pos.Shares -= res.FilledQty
			if pos.Shares <= 0 {
				delete(next.Positions, sym)
			} else {
				next.Positions[sym] = pos
			}
			next.Cash = next.Cash.Add(notional)
			next.RealizedPnL = next.RealizedPnL.Add(res.RealizedPnL)
		}
	}
	next.AsOf = time.Now()
	return next
}

// FormatPortfolio renders the holdings block injected into prompts.
func FormatPortfolio(pf ledger.Portfolio, prices map[string]decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cash: $%s\n", pf.Cash.StringFixed(2))
	fmt.Fprintf(&b, "Equity: $%s\n", pf.Equity(prices).StringFixed(2))
	if len(pf.Positions) == 0 {
		b.WriteString("Positions: none\n")
		return b.String()
	}
	b.WriteString("Positions:\n")
	for _, sym := range sortedSymbols(pf.Positions) {
		pos := pf.Positions[sym]
		line := fmt.Sprintf("- %s: %d shares @ avg $%s", sym, pos.Shares, pos.AvgCost.StringFixed(2))
		if px, ok := prices[sym]; ok && !px.IsZero() {
			pnl := px.Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.Shares))
			line += fmt.Sprintf(" (last $%s, unrealized %s)", px.StringFixed(2), pnl.StringFixed(2))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func sortedSymbols(positions map[string]ledger.Position) []string {
	out := make([]string, 0, len(positions))
	for sym := range positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (r *Runner) recordVerdict(day, window, provider string, verdict risk.Verdict) {
	if r.audit == nil {
		return
	}
	r.audit.Record(auditlog.Event{
		Time:     time.Now(),
		Day:      day,
		Kind:     auditlog.KindRiskVerdict,
		Provider: provider,
		Outcome:  fmt.Sprintf("approved=%d rejected=%d tripped=%v", len(verdict.Approved), len(verdict.Rejected), verdict.Tripped),
		Detail: map[string]any{
			"window":         window,
			"approved":       len(verdict.Approved),
			"rejected":       len(verdict.Rejected),
			"tripped":        verdict.Tripped,
			"projected_loss": verdict.ProjectedLoss.String(),
		},
	})
}

func (r *Runner) recordCycle(day, window string, elapsed time.Duration, err error) {
	if r.audit == nil {
		return
	}
	outcome := "settled"
	if err != nil {
		outcome = "failed"
	}
	ev := auditlog.Event{
		Time:      time.Now(),
		Day:       day,
		Kind:      auditlog.KindCycle,
		Outcome:   outcome,
		LatencyMS: elapsed.Milliseconds(),
		Detail:    map[string]any{"window": window},
	}
	if err != nil {
		ev.Detail = map[string]any{"window": window, "error": err.Error()}
	}
	r.audit.Record(ev)
}
