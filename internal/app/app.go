// Package app assembles the trading system: configuration in, a
// running scheduler-driven pipeline out.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/config"
	"alphapilot/internal/ledger"
	"alphapilot/internal/logger"
	"alphapilot/internal/notifier"
	"alphapilot/internal/prompt"
	"alphapilot/internal/scheduler"
	"alphapilot/internal/trader"
)

type App struct {
	cfg     *config.Config
	store   ledger.Store
	audit   *auditlog.Store
	runner  *trader.Runner
	sched   *scheduler.WindowScheduler
	prompts *prompt.Loader
	notify  notifier.Notifier
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	return NewBuilder(cfg).Build(ctx)
}

// Run blocks until ctx is cancelled, then flushes the audit journal
// and closes the ledger. A cycle that is mid-execution finishes
// committing its orders before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	stop := make(chan struct{})
	defer close(stop)
	if err := a.prompts.Watch(stop); err != nil {
		logger.Warnf("app: prompt hot reload unavailable: %v", err)
	}

	mode := "paper"
	if !a.cfg.Trading.Paper {
		mode = "live"
	}
	notifier.Send(a.notify, fmt.Sprintf("*alphapilot started* mode=%s env=%s", mode, a.cfg.App.Env))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.sched.Start(func(kind scheduler.WindowKind, fireAt time.Time) {
			if err := a.runner.RunWindow(ctx, kind, fireAt); err != nil {
				logger.Errorf("app: %s cycle failed: %v", kind, err)
				notifier.Send(a.notify, fmt.Sprintf("❌ *Cycle failed* %s: %v", kind, err))
			}
		})
		return nil
	})
	return group.Wait()
}

// Runner exposes the cycle runner for replay harnesses and tests.
func (a *App) Runner() *trader.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}

func (a *App) close() {
	if a.audit != nil {
		a.audit.Flush()
		if err := a.audit.Close(); err != nil {
			logger.Warnf("app: closing audit journal: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("app: closing ledger: %v", err)
		}
	}
}
