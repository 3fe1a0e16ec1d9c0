// Package waiter implements WaitForEvent: start every subscription of a request, race
// their completion signals against a shared timeout and the caller's cancellation, and
// clean every subscription up exactly once before returning.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/clock"
	"github.com/coachpo/eventwait/internal/condition"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/indicator"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/pool"
	"github.com/coachpo/eventwait/internal/subscription"
)

// DefaultMaxTimeoutSeconds caps a single wait unless overridden.
const DefaultMaxTimeoutSeconds = 3600

// Engine runs waits against shared market and order pools. It is safe for concurrent use.
type Engine struct {
	markets    pool.MarketDataPool
	orders     pool.OrderDataPool
	marketEval *condition.MarketEvaluator
	orderEval  condition.OrderEvaluator
	clock      clock.Clock
	history    Recorder
	maxTimeout int
	metrics    *metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock driving the timeout timer.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIndicatorEngine overrides the indicator engine used by market conditions.
func WithIndicatorEngine(engine condition.IndicatorEngine) Option {
	return func(e *Engine) {
		e.marketEval = condition.NewMarketEvaluator(engine)
	}
}

// WithHistory records every finished wait.
func WithHistory(r Recorder) Option {
	return func(e *Engine) {
		e.history = r
	}
}

// WithMaxTimeout caps the timeout a request may ask for. Zero or less removes the cap.
func WithMaxTimeout(seconds int) Option {
	return func(e *Engine) {
		e.maxTimeout = seconds
	}
}

// NewEngine builds an engine over the pools. Either pool may be nil, in which case
// requests for that subscription type are rejected.
func NewEngine(markets pool.MarketDataPool, orders pool.OrderDataPool, opts ...Option) *Engine {
	e := &Engine{
		markets:    markets,
		orders:     orders,
		marketEval: condition.NewMarketEvaluator(indicator.Engine{}),
		clock:      clock.Real(),
		maxTimeout: DefaultMaxTimeoutSeconds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.metrics = newMetrics()
	return e
}

type outcomeKind int

const (
	outcomeTriggered outcomeKind = iota
	outcomeDisconnected
	outcomeTimeout
	outcomeCancelled
)

type outcome struct {
	kind    outcomeKind
	reason  string
	results []schema.SubscriptionResult
}

type settlement struct {
	index int
	err   error
}

// WaitForEvent blocks until a subscription triggers, a pool reports a disconnect, the
// timeout elapses, or ctx is cancelled. Timeouts, disconnects and cancellation are
// reported in the response. The returned error is reserved for invalid requests,
// pools refusing registration, and responses that fail shape validation.
func (e *Engine) WaitForEvent(ctx context.Context, req schema.WaitRequest) (schema.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	if err := req.Validate(e.maxTimeout); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	startedAt := e.clock.Now()
	logger := observability.Log()

	subs, err := e.build(req.Subscriptions)
	if err != nil {
		return nil, err
	}

	e.metrics.subscriptionsStarted(ctx, len(subs))
	defer func() {
		e.cleanup(requestID, subs)
		e.metrics.subscriptionsEnded(ctx, len(subs))
	}()

	for i, sub := range subs {
		if err := sub.Start(); err != nil {
			return nil, errs.New("waiter/start", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("subscription %d could not start", i)),
				errs.WithHTTP(503),
				errs.WithCause(err))
		}
	}
	logger.Debug("wait started",
		observability.F("request_id", requestID),
		observability.F("subscriptions", len(subs)),
		observability.F("timeout_seconds", req.Timeout))

	out := e.race(ctx, subs, time.Duration(req.Timeout)*time.Second)

	resp := e.respond(out, req.Timeout)
	validated, err := schema.ValidateResponse(resp)
	if err != nil {
		logger.Error("wait response failed validation",
			observability.F("request_id", requestID),
			observability.F("error", err))
		e.metrics.waitFinished(ctx, "invalid", e.clock.Now().Sub(startedAt))
		return nil, fmt.Errorf("wait %s: %w", requestID, err)
	}

	finishedAt := e.clock.Now()
	e.metrics.waitFinished(ctx, string(validated.Status()), finishedAt.Sub(startedAt))
	logger.Info("wait finished",
		observability.F("request_id", requestID),
		observability.F("status", string(validated.Status())),
		observability.F("elapsed_ms", finishedAt.Sub(startedAt).Milliseconds()))
	if e.history != nil {
		e.history.Record(context.WithoutCancel(ctx), Outcome{
			RequestID:  requestID,
			Request:    req,
			Response:   validated,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		})
	}
	return validated, nil
}

func (e *Engine) build(configs []schema.SubscriptionConfig) ([]subscription.Subscription, error) {
	subs := make([]subscription.Subscription, 0, len(configs))
	for i, cfg := range configs {
		switch cfg.Type {
		case schema.SubscriptionMarket:
			if e.markets == nil {
				return nil, errs.New("waiter/build", errs.CodeUnavailable,
					errs.WithMessage(fmt.Sprintf("subscription %d: market data unavailable", i)), errs.WithHTTP(503))
			}
			subs = append(subs, subscription.NewMarket(cfg, e.markets, e.marketEval))
		case schema.SubscriptionOrder:
			if e.orders == nil {
				return nil, errs.New("waiter/build", errs.CodeUnavailable,
					errs.WithMessage(fmt.Sprintf("subscription %d: order data unavailable", i)), errs.WithHTTP(503))
			}
			subs = append(subs, subscription.NewOrder(cfg, e.orders, e.orderEval))
		default:
			return nil, errs.Invalid("waiter/build", fmt.Sprintf("subscription %d: unknown type %q", i, cfg.Type))
		}
	}
	return subs, nil
}

// race waits for the first settled source. Results are captured as soon as a trigger is
// observed so that subscriptions triggered in the same turn are reported together.
func (e *Engine) race(ctx context.Context, subs []subscription.Subscription, timeout time.Duration) outcome {
	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()

	settled := make(chan settlement, len(subs))
	stop := make(chan struct{})
	var wg conc.WaitGroup
	for i, sub := range subs {
		idx, s := i, sub
		wg.Go(func() {
			select {
			case <-s.Done():
				settled <- settlement{index: idx, err: s.Err()}
			case <-stop:
			}
		})
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	select {
	case s := <-settled:
		if s.err == nil {
			return outcome{kind: outcomeTriggered, results: snapshot(subs)}
		}
		return outcome{kind: outcomeDisconnected, reason: disconnectReason(s.err)}
	case <-timer.C():
		return outcome{kind: outcomeTimeout}
	case <-ctx.Done():
		return outcome{kind: outcomeCancelled}
	}
}

func snapshot(subs []subscription.Subscription) []schema.SubscriptionResult {
	results := make([]schema.SubscriptionResult, len(subs))
	for i, sub := range subs {
		results[i] = sub.Result()
	}
	return results
}

// fallbackDisconnectReason stands in for a pool that reported an empty reason.
const fallbackDisconnectReason = "Data feed disconnected"

func disconnectReason(err error) string {
	reason := err.Error()
	var de *subscription.DisconnectError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	if strings.TrimSpace(reason) == "" {
		return fallbackDisconnectReason
	}
	return reason
}

func (e *Engine) respond(out outcome, timeoutSeconds int) schema.Response {
	now := e.clock.Now().UTC()
	switch out.kind {
	case outcomeTriggered:
		return &schema.TriggeredResponse{Subscriptions: out.results, Timestamp: now}
	case outcomeTimeout:
		return &schema.TimeoutResponse{Duration: timeoutSeconds, Timestamp: now}
	case outcomeCancelled:
		return &schema.ErrorResponse{Reason: schema.ReasonCancelled, Timestamp: now}
	default:
		return &schema.ErrorResponse{Reason: out.reason, Timestamp: now}
	}
}

// cleanup unregisters every subscription once. Failures are logged, never returned.
func (e *Engine) cleanup(requestID string, subs []subscription.Subscription) {
	failures := make([]error, 0)
	for _, sub := range subs {
		if err := sub.Cleanup(); err != nil {
			failures = append(failures, err)
		}
	}
	_ = observability.AggregateErrors("waiter cleanup", failures, observability.F("request_id", requestID))
}
