package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/broker"
	"alphapilot/internal/config"
	"alphapilot/internal/decision"
	"alphapilot/internal/executor"
	"alphapilot/internal/gateway/provider"
	"alphapilot/internal/ledger"
	"alphapilot/internal/logger"
	"alphapilot/internal/market"
	"alphapilot/internal/notifier"
	"alphapilot/internal/prompt"
	"alphapilot/internal/risk"
	"alphapilot/internal/scheduler"
	"alphapilot/internal/trader"
)

// Builder assembles the application graph. Every constructor can be
// overridden, which is how tests swap in in-memory stores and fake
// market sources.
type Builder struct {
	cfg *config.Config

	storeFn     func(*config.Config) (ledger.Store, error)
	auditFn     func(*config.Config) (*auditlog.Store, error)
	providersFn func(config.AIConfig) []provider.ModelProvider
	sourceFn    func(*config.Config) market.Source
	brokerFn    func(context.Context, *config.Config, ledger.Portfolio, market.Source) (broker.Broker, error)
	notifierFn  func(config.NotifyConfig) notifier.Notifier
}

type BuilderOption func(*Builder)

func WithStore(fn func(*config.Config) (ledger.Store, error)) BuilderOption {
	return func(b *Builder) { b.storeFn = fn }
}

func WithAuditStore(fn func(*config.Config) (*auditlog.Store, error)) BuilderOption {
	return func(b *Builder) { b.auditFn = fn }
}

func WithProviders(fn func(config.AIConfig) []provider.ModelProvider) BuilderOption {
	return func(b *Builder) { b.providersFn = fn }
}

func WithMarketSource(fn func(*config.Config) market.Source) BuilderOption {
	return func(b *Builder) { b.sourceFn = fn }
}

func WithBroker(fn func(context.Context, *config.Config, ledger.Portfolio, market.Source) (broker.Broker, error)) BuilderOption {
	return func(b *Builder) { b.brokerFn = fn }
}

func NewBuilder(cfg *config.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:         cfg,
		storeFn:     buildLedgerStore,
		auditFn:     buildAuditStore,
		providersFn: buildProviders,
		sourceFn:    buildMarketSource,
		brokerFn:    buildBroker,
		notifierFn:  buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Builder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	store, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening ledger failed: %w", err)
	}
	audit, err := b.auditFn(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening audit journal failed: %w", err)
	}

	providers := b.providersFn(cfg.AI)
	if len(providers) == 0 {
		store.Close()
		audit.Close()
		return nil, fmt.Errorf("no enabled decision providers")
	}
	gateway := decision.NewGateway(providers, cfg.AI.Timeout(), cfg.AI.MaxRetries, audit)
	logger.Infof("✓ %d decision providers configured, primary=%s", len(providers), providers[0].ID())

	source := b.sourceFn(cfg)
	marketSvc := market.NewService(source, cfg.Market.Benchmarks, cfg.Market.RegimeSymbol)

	pf, err := store.LoadPortfolio(ctx)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, fmt.Errorf("loading portfolio failed: %w", err)
	}
	brk, err := b.brokerFn(ctx, cfg, pf, source)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, fmt.Errorf("initializing broker failed: %w", err)
	}
	logger.Infof("✓ broker mode: %s", brk.Name())

	prompts, err := prompt.NewLoader(cfg.AI.PromptsPath)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, fmt.Errorf("loading prompt templates failed: %w", err)
	}

	notify := b.notifierFn(cfg.Notify)
	runner := trader.NewRunner(trader.Options{
		Store:    store,
		Market:   marketSvc,
		Gateway:  gateway,
		Executor: executor.New(brk, store, audit, cfg.Broker.MaxRetries),
		Prompts:  prompts,
		Audit:    audit,
		Notify:   notify,
		Limits: risk.Limits{
			MaxPositionPct:     cfg.Risk.MaxPositionPct,
			StopLossPct:        cfg.Risk.StopLossPct,
			CircuitBreakerPct:  cfg.Risk.CircuitBreakerPct,
			BearMaxPositionPct: cfg.Risk.BearMaxPositionPct,
			MaxSectorPct:       cfg.Risk.MaxSectorPct,
			MinDollarVolume:    cfg.Risk.MinDollarVolume,
		},
		Sectors:       cfg.Risk.Sectors,
		MaxDailyOpens: cfg.Trading.MaxDailyOpens,
	})

	sched, err := scheduler.New(ctx, cfg.Schedule.Timezone,
		cfg.Schedule.ResearchWindow, cfg.Schedule.TradingWindow)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, fmt.Errorf("initializing scheduler failed: %w", err)
	}
	sched.RunImmediately = cfg.Schedule.RunImmediately

	return &App{
		cfg:     cfg,
		store:   store,
		audit:   audit,
		runner:  runner,
		sched:   sched,
		prompts: prompts,
		notify:  notify,
	}, nil
}

func buildLedgerStore(cfg *config.Config) (ledger.Store, error) {
	return ledger.NewSqliteStore(cfg.Ledger.DBPath, decimal.NewFromFloat(cfg.Trading.StartingCash))
}

func buildAuditStore(cfg *config.Config) (*auditlog.Store, error) {
	return auditlog.New(cfg.Ledger.AuditDBPath)
}

func buildProviders(cfg config.AIConfig) []provider.ModelProvider {
	return provider.BuildProvidersFromConfig(cfg.Models, cfg.Timeout())
}

func buildMarketSource(_ *config.Config) market.Source {
	return market.YahooSource{}
}

// buildBroker selects paper or live exactly once; nothing downstream
// branches on the mode again.
func buildBroker(_ context.Context, cfg *config.Config, pf ledger.Portfolio, source market.Source) (broker.Broker, error) {
	if cfg.Trading.Paper {
		paper := broker.NewPaperBroker(pf.Cash, func(symbol string) (decimal.Decimal, bool) {
			q, err := source.Quote(context.Background(), symbol)
			if err != nil {
				return decimal.Zero, false
			}
			return q.Price, true
		})
		paper.Seed(pf.Cash, pf.Positions)
		return paper, nil
	}
	return broker.NewAlpacaBroker(cfg.Broker), nil
}

func buildNotifier(cfg config.NotifyConfig) notifier.Notifier {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}
