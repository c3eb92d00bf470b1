package decision

import (
	"context"
	"errors"
	"time"

	"alphapilot/internal/auditlog"
	"alphapilot/internal/gateway/provider"
	"alphapilot/internal/logger"

	"github.com/sony/gobreaker"
)

const (
	backoffBase = 800 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// AuditSink receives gateway audit events; recording must not block.
type AuditSink interface {
	Record(ev auditlog.Event)
}

// Gateway tries providers in configured priority order. The first
// success short-circuits; transient failures are retried with
// exponential backoff before failing over. A per-provider circuit
// breaker skips backends that keep failing across cycles.
type Gateway struct {
	providers  []provider.ModelProvider
	timeout    time.Duration
	maxRetries int
	audit      AuditSink
	breakers   map[string]*gobreaker.CircuitBreaker

	sleepFn func(context.Context, time.Duration) error
}

func NewGateway(providers []provider.ModelProvider, timeout time.Duration, maxRetries int, audit AuditSink) *Gateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.ID()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.ID(),
			MaxRequests: 1,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warnw("provider breaker state change", "provider", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return &Gateway{
		providers:  providers,
		timeout:    timeout,
		maxRetries: maxRetries,
		audit:      audit,
		breakers:   breakers,
		sleepFn:    sleepContext,
	}
}

// sleepContext waits for the backoff duration or the context, whichever
// ends first, so a shutdown never stalls behind a retry wait.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RequestDecision iterates providers until one yields a valid decision
// payload. When every provider is exhausted it returns ErrNoDecision;
// the cycle must skip trading rather than guess.
func (g *Gateway) RequestDecision(ctx context.Context, req Request) (*Response, error) {
	for _, p := range g.providers {
		if !p.Enabled() {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := g.tryProvider(ctx, p, req)
		if err == nil {
			logger.Infof("decision gateway: provider %s answered with %d intents in %s",
				resp.Provider, len(resp.Intents), resp.Latency.Round(time.Millisecond))
			return resp, nil
		}
		logger.Warnf("decision gateway: provider %s failed: %v", p.ID(), err)
	}
	g.record(req, "", "exhausted", 0, nil)
	return nil, ErrNoDecision
}

func (g *Gateway) tryProvider(ctx context.Context, p provider.ModelProvider, req Request) (*Response, error) {
	breaker := g.breakers[p.ID()]
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		start := time.Now()
		raw, err := g.callOnce(ctx, breaker, p, req)
		latency := time.Since(start)

		if err != nil {
			lastErr = err
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				g.record(req, p.ID(), "breaker_open", latency, err)
				return nil, err
			}
			var transient *provider.TransientError
			if errors.As(err, &transient) {
				g.record(req, p.ID(), "transient_error", latency, err)
				if attempt < g.maxRetries {
					if serr := g.sleepFn(ctx, g.backoff(attempt, transient.RetryAfter)); serr != nil {
						return nil, serr
					}
					continue
				}
				return nil, err
			}
			g.record(req, p.ID(), "error", latency, err)
			return nil, err
		}

		intents, perr := Parse(raw, p.ID())
		if perr != nil {
			// Malformed output is a provider failure, not a retry:
			// advance to the next backend.
			g.record(req, p.ID(), "malformed", latency, perr)
			return nil, perr
		}
		g.record(req, p.ID(), "success", latency, nil)
		return &Response{
			Intents:    intents,
			Provider:   p.ID(),
			Latency:    latency,
			Confidence: meanConfidence(intents),
		}, nil
	}
	return nil, lastErr
}

func (g *Gateway) callOnce(ctx context.Context, breaker *gobreaker.CircuitBreaker, p provider.ModelProvider, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := breaker.Execute(func() (any, error) {
		return p.Call(callCtx, provider.ChatPayload{
			System:    req.Prompt.System,
			User:      req.Prompt.User,
			MaxTokens: req.MaxTokens,
		})
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// A deadline on our side is transient for failover purposes.
			return "", &provider.TransientError{Err: err}
		}
		return "", err
	}
	return out.(string), nil
}

// backoff picks the wait before the next attempt. A server-supplied
// Retry-After wins but is clamped to the cap so a hostile or confused
// backend cannot park the cycle for an hour.
func (g *Gateway) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > backoffCap {
			return backoffCap
		}
		return retryAfter
	}
	wait := backoffBase << attempt
	if wait > backoffCap {
		wait = backoffCap
	}
	return wait
}

func (g *Gateway) record(req Request, providerID, outcome string, latency time.Duration, err error) {
	if g.audit == nil {
		return
	}
	var detail any
	if err != nil {
		detail = map[string]string{"error": err.Error(), "window": req.Window}
	} else {
		detail = map[string]string{"window": req.Window}
	}
	g.audit.Record(auditlog.Event{
		Day:       req.Day,
		Kind:      auditlog.KindProviderAttempt,
		Provider:  providerID,
		Outcome:   outcome,
		LatencyMS: latency.Milliseconds(),
		Detail:    detail,
	})
}

func meanConfidence(intents []TradeIntent) float64 {
	if len(intents) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range intents {
		sum += i.Confidence
	}
	return sum / float64(len(intents))
}
