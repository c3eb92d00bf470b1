// Package scheduler fires the research and trading windows on
// weekdays at configured local times. One logical worker: the task
// callback runs inline, so a long cycle delays (never overlaps) the
// next window.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"alphapilot/internal/logger"
)

type WindowKind string

const (
	KindResearch WindowKind = "research"
	KindTrading  WindowKind = "trading"
)

type window struct {
	kind   WindowKind
	hour   int
	minute int
}

type WindowScheduler struct {
	RunImmediately bool

	windows []window
	loc     *time.Location
	ctx     context.Context
	nowFn   func() time.Time
}

func New(ctx context.Context, timezone, researchAt, tradingAt string) (*WindowScheduler, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone failed: %w", err)
	}
	windows := make([]window, 0, 2)
	for _, spec := range []struct {
		kind WindowKind
		at   string
	}{
		{KindResearch, researchAt},
		{KindTrading, tradingAt},
	} {
		t, err := time.Parse("15:04", spec.at)
		if err != nil {
			return nil, fmt.Errorf("window %s has invalid time %q: %w", spec.kind, spec.at, err)
		}
		windows = append(windows, window{kind: spec.kind, hour: t.Hour(), minute: t.Minute()})
	}
	return &WindowScheduler{
		windows: windows,
		loc:     loc,
		ctx:     ctx,
		nowFn:   time.Now,
	}, nil
}

// Start blocks, invoking task at every window until the context is
// done.
func (s *WindowScheduler) Start(task func(kind WindowKind, fireAt time.Time)) {
	if task == nil {
		logger.Warnf("scheduler: task is nil, exit")
		return
	}
	logger.Infof("scheduler: started tz=%s run_immediately=%v", s.loc, s.RunImmediately)

	if s.RunImmediately {
		now := s.nowFn().In(s.loc)
		logger.Infof("scheduler: run_immediately, firing trading window once")
		task(KindTrading, now)
	}

	for {
		now := s.nowFn().In(s.loc)
		kind, wakeAt := s.Next(now)
		wait := wakeAt.Sub(now)
		logger.Infof("scheduler: next window=%s at %s (in %s)",
			kind, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))

		if wait <= 0 {
			task(kind, wakeAt)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task(kind, wakeAt)
	}
}

// Next returns the earliest upcoming weekday window strictly after
// now.
func (s *WindowScheduler) Next(now time.Time) (WindowKind, time.Time) {
	now = now.In(s.loc)
	var bestKind WindowKind
	var bestAt time.Time
	for _, w := range s.windows {
		at := nextWeekdayOccurrence(now, w.hour, w.minute)
		if bestAt.IsZero() || at.Before(bestAt) {
			bestAt = at
			bestKind = w.kind
		}
	}
	return bestKind, bestAt
}

func nextWeekdayOccurrence(now time.Time, hour, minute int) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	for at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
