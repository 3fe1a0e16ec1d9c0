package waiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/pool"
	"github.com/coachpo/eventwait/internal/testutil/fakes"
)

var epoch = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

type countingMarkets struct {
	*pool.MarketPool
	unsubscribes atomic.Int32
}

func (c *countingMarkets) Unsubscribe(h pool.Handle) error {
	c.unsubscribes.Add(1)
	return c.MarketPool.Unsubscribe(h)
}

type countingOrders struct {
	*pool.OrderPool
	unsubscribes atomic.Int32
}

func (c *countingOrders) Unsubscribe(h pool.Handle) error {
	c.unsubscribes.Add(1)
	return c.OrderPool.Unsubscribe(h)
}

type harness struct {
	markets *countingMarkets
	orders  *countingOrders
	clock   *fakes.FakeClock
	engine  *Engine
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		markets: &countingMarkets{MarketPool: pool.NewMarketPool(pool.Config{})},
		orders:  &countingOrders{OrderPool: pool.NewOrderPool(pool.Config{})},
		clock:   fakes.NewFakeClock(epoch),
	}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.engine = NewEngine(h.markets, h.orders, opts...)
	return h
}

func (h *harness) cleanups() int32 {
	return h.markets.unsubscribes.Load() + h.orders.unsubscribes.Load()
}

type waitResult struct {
	resp schema.Response
	err  error
}

// start runs the wait in the background and returns once its timer is armed, which
// happens after every subscription has registered.
func (h *harness) start(t *testing.T, ctx context.Context, req schema.WaitRequest) <-chan waitResult {
	t.Helper()
	out := make(chan waitResult, 1)
	go func() {
		resp, err := h.engine.WaitForEvent(ctx, req)
		out <- waitResult{resp: resp, err: err}
	}()
	if !h.clock.BlockUntilTimer(2 * time.Second) {
		t.Fatalf("wait never armed its timeout")
	}
	return out
}

func await(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not return")
		return waitResult{}
	}
}

func priceSub(product string, op schema.Operator, threshold float64) schema.SubscriptionConfig {
	return schema.SubscriptionConfig{
		Type:       schema.SubscriptionMarket,
		ProductID:  product,
		Conditions: []schema.Condition{{Field: schema.FieldPrice, Operator: op, Value: threshold}},
	}
}

func statusSub(orderID string, statuses ...schema.ExecutionStatus) schema.SubscriptionConfig {
	return schema.SubscriptionConfig{
		Type:       schema.SubscriptionOrder,
		OrderID:    orderID,
		Conditions: []schema.Condition{{Field: schema.FieldStatus, TargetStatus: statuses}},
	}
}

func tick(t *testing.T, h *harness, product string, price float64) {
	t.Helper()
	if _, err := h.markets.PublishTicker(context.Background(), schema.Ticker{ProductID: product, Price: price}); err != nil {
		t.Fatalf("PublishTicker: %v", err)
	}
}

func TestTimeoutReportsDurationAndCleansUp(t *testing.T) {
	h := newHarness()
	req := schema.WaitRequest{
		Timeout: 10,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("BTC-USD", schema.OperatorGT, 1e9),
			statusSub("o-1", schema.StatusFilled),
		},
	}
	ch := h.start(t, context.Background(), req)

	tick(t, h, "BTC-USD", 50000)
	h.clock.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatalf("wait returned before the deadline")
	case <-time.After(20 * time.Millisecond):
	}
	h.clock.Advance(time.Second)

	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}
	timeout, ok := res.resp.(*schema.TimeoutResponse)
	if !ok {
		t.Fatalf("expected timeout response, got %T", res.resp)
	}
	if timeout.Duration != 10 {
		t.Fatalf("expected duration 10, got %d", timeout.Duration)
	}
	if got := h.cleanups(); got != 2 {
		t.Fatalf("expected 2 cleanups, got %d", got)
	}
	if h.markets.Stats().Handlers != 0 || h.orders.Stats().Handlers != 0 {
		t.Fatalf("expected pools to be empty after the wait")
	}
}

func TestCancellationReportsRequestCancelled(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	req := schema.WaitRequest{
		Timeout: 30,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("BTC-USD", schema.OperatorGT, 1e9),
			priceSub("ETH-USD", schema.OperatorLT, 1),
			statusSub("o-1", schema.StatusFilled),
		},
	}
	ch := h.start(t, ctx, req)
	cancel()

	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}
	errResp, ok := res.resp.(*schema.ErrorResponse)
	if !ok || errResp.Reason != "Request cancelled" {
		t.Fatalf("expected cancellation response, got %#v", res.resp)
	}
	if got := h.cleanups(); got != 3 {
		t.Fatalf("expected 3 cleanups, got %d", got)
	}
}

func TestAlreadyCancelledContextStillCleansUp(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := h.engine.WaitForEvent(ctx, schema.WaitRequest{
		Timeout:       5,
		Subscriptions: []schema.SubscriptionConfig{priceSub("BTC-USD", schema.OperatorGT, 1)},
	})
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if resp.Status() != schema.StatusError {
		t.Fatalf("expected error status, got %s", resp.Status())
	}
	if got := h.cleanups(); got != 1 {
		t.Fatalf("expected 1 cleanup, got %d", got)
	}
}

func TestDisconnectReasonIsVerbatim(t *testing.T) {
	h := newHarness()
	req := schema.WaitRequest{
		Timeout: 30,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("BTC-USD", schema.OperatorGT, 1e9),
			statusSub("o-1", schema.StatusFilled),
		},
	}
	ch := h.start(t, context.Background(), req)
	h.markets.Disconnect("BTC-USD", "WebSocket connection lost")

	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}
	errResp, ok := res.resp.(*schema.ErrorResponse)
	if !ok || errResp.Reason != "WebSocket connection lost" {
		t.Fatalf("expected disconnect response, got %#v", res.resp)
	}
	if got := h.cleanups(); got != 2 {
		t.Fatalf("expected 2 cleanups, got %d", got)
	}
}

func TestBlankDisconnectReasonFallsBack(t *testing.T) {
	h := newHarness()
	ch := h.start(t, context.Background(), schema.WaitRequest{
		Timeout:       30,
		Subscriptions: []schema.SubscriptionConfig{statusSub("o-1", schema.StatusFilled)},
	})
	h.orders.Disconnect("o-1", "  ")
	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}
	if errResp := res.resp.(*schema.ErrorResponse); errResp.Reason != fallbackDisconnectReason {
		t.Fatalf("unexpected reason %q", errResp.Reason)
	}
}

func TestTriggerCapturesEverySubscriptionInConfigOrder(t *testing.T) {
	h := newHarness()
	req := schema.WaitRequest{
		Timeout: 30,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("ETH-USD", schema.OperatorGT, 5000),
			priceSub("BTC-USD", schema.OperatorGT, 50000),
			statusSub("o-1", schema.StatusFilled),
		},
	}
	ch := h.start(t, context.Background(), req)

	tick(t, h, "ETH-USD", 4000)
	tick(t, h, "BTC-USD", 51000)

	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}
	trig, ok := res.resp.(*schema.TriggeredResponse)
	if !ok {
		t.Fatalf("expected triggered response, got %T", res.resp)
	}
	if len(trig.Subscriptions) != 3 {
		t.Fatalf("expected every subscription reported, got %d", len(trig.Subscriptions))
	}
	eth, btc, order := trig.Subscriptions[0], trig.Subscriptions[1], trig.Subscriptions[2]
	if eth.ProductID != "ETH-USD" || eth.Triggered {
		t.Fatalf("expected pending ETH result first, got %+v", eth)
	}
	if eth.Conditions[0].ActualValue == nil || *eth.Conditions[0].ActualValue != 4000 {
		t.Fatalf("expected ETH actual value 4000, got %+v", eth.Conditions[0])
	}
	if btc.ProductID != "BTC-USD" || !btc.Triggered {
		t.Fatalf("expected triggered BTC result second, got %+v", btc)
	}
	if order.OrderID != "o-1" || order.Triggered || order.Conditions[0].ActualValue != nil {
		t.Fatalf("expected untouched order result third, got %+v", order)
	}
	if !trig.Timestamp.Equal(epoch) {
		t.Fatalf("expected timestamp from the injected clock, got %s", trig.Timestamp)
	}
	if got := h.cleanups(); got != 3 {
		t.Fatalf("expected 3 cleanups, got %d", got)
	}
}

func TestSimultaneousTriggersAreAllReported(t *testing.T) {
	h := newHarness()
	req := schema.WaitRequest{
		Timeout: 30,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("BTC-USD", schema.OperatorGT, 50000),
			priceSub("BTC-USD", schema.OperatorGT, 40000),
		},
	}
	ch := h.start(t, context.Background(), req)
	tick(t, h, "BTC-USD", 51000)

	res := await(t, ch)
	trig := res.resp.(*schema.TriggeredResponse)
	for i, sub := range trig.Subscriptions {
		if !sub.Triggered {
			t.Fatalf("expected subscription %d to be reported triggered", i)
		}
	}
	if *trig.Subscriptions[0].Conditions[0].Threshold != 50000 || *trig.Subscriptions[1].Conditions[0].Threshold != 40000 {
		t.Fatalf("expected configuration order, got %+v", trig.Subscriptions)
	}
}

func TestOrderStatusWaitTriggersOnlyOnTarget(t *testing.T) {
	h := newHarness()
	ch := h.start(t, context.Background(), schema.WaitRequest{
		Timeout:       30,
		Subscriptions: []schema.SubscriptionConfig{statusSub("o-1", schema.StatusFilled)},
	})
	for _, status := range []schema.ExecutionStatus{schema.StatusOpen, schema.StatusCancelled} {
		if _, err := h.orders.PublishOrder(context.Background(), schema.OrderEvent{OrderID: "o-1", Status: status}); err != nil {
			t.Fatalf("PublishOrder: %v", err)
		}
	}
	select {
	case <-ch:
		t.Fatalf("wait returned for a non-target status")
	case <-time.After(20 * time.Millisecond):
	}
	if _, err := h.orders.PublishOrder(context.Background(), schema.OrderEvent{OrderID: "o-1", Status: schema.StatusFilled}); err != nil {
		t.Fatalf("PublishOrder: %v", err)
	}
	res := await(t, ch)
	if res.resp.Status() != schema.StatusTriggered {
		t.Fatalf("expected triggered, got %s", res.resp.Status())
	}
}

func TestInvalidRequestRegistersNothing(t *testing.T) {
	h := newHarness()
	_, err := h.engine.WaitForEvent(context.Background(), schema.WaitRequest{
		Timeout: 10,
		Subscriptions: []schema.SubscriptionConfig{
			priceSub("BTC-USD", schema.OperatorGT, 1),
			{Type: schema.SubscriptionMarket, ProductID: "ETH-USD", Conditions: []schema.Condition{{Field: schema.FieldStatus, TargetStatus: []schema.ExecutionStatus{schema.StatusFilled}}}},
		},
	})
	if !errors.Is(err, errs.New("", errs.CodeInvalid)) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
	if h.markets.Stats().Handlers != 0 || h.cleanups() != 0 {
		t.Fatalf("expected nothing registered")
	}

	_, err = h.engine.WaitForEvent(context.Background(), schema.WaitRequest{
		Timeout:       DefaultMaxTimeoutSeconds + 1,
		Subscriptions: []schema.SubscriptionConfig{priceSub("BTC-USD", schema.OperatorGT, 1)},
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected timeout ceiling to be enforced, got %v", err)
	}
}

func TestUncappedTimeoutCannotOverflow(t *testing.T) {
	h := newHarness(WithMaxTimeout(0))
	_, err := h.engine.WaitForEvent(context.Background(), schema.WaitRequest{
		Timeout:       math.MaxInt64,
		Subscriptions: []schema.SubscriptionConfig{priceSub("BTC-USD", schema.OperatorGT, 1)},
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected overflowing timeout rejected, got %v", err)
	}
	if h.markets.Stats().Handlers != 0 || h.cleanups() != 0 {
		t.Fatalf("expected nothing registered")
	}
}

func TestMissingPoolIsUnavailable(t *testing.T) {
	e := NewEngine(pool.NewMarketPool(pool.Config{}), nil)
	_, err := e.WaitForEvent(context.Background(), schema.WaitRequest{
		Timeout:       1,
		Subscriptions: []schema.SubscriptionConfig{statusSub("o-1", schema.StatusFilled)},
	})
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

type flakyOrders struct {
	*countingOrders
	calls atomic.Int32
}

func (f *flakyOrders) Subscribe(orderID string, onEvent func(schema.OrderEvent), onDisconnect pool.DisconnectFunc) (pool.Handle, error) {
	if f.calls.Add(1) == 2 {
		return "", errors.New("registry full")
	}
	return f.countingOrders.Subscribe(orderID, onEvent, onDisconnect)
}

func TestStartFailureCleansUpEverySubscription(t *testing.T) {
	orders := &flakyOrders{countingOrders: &countingOrders{OrderPool: pool.NewOrderPool(pool.Config{})}}
	e := NewEngine(nil, orders, WithClock(fakes.NewFakeClock(epoch)))
	_, err := e.WaitForEvent(context.Background(), schema.WaitRequest{
		Timeout: 5,
		Subscriptions: []schema.SubscriptionConfig{
			statusSub("o-1", schema.StatusFilled),
			statusSub("o-2", schema.StatusFilled),
			statusSub("o-3", schema.StatusFilled),
		},
	})
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if got := orders.unsubscribes.Load(); got != 1 {
		t.Fatalf("expected only the registered subscription to unsubscribe, got %d", got)
	}
	if orders.Stats().Handlers != 0 {
		t.Fatalf("expected no leaked handlers")
	}
}

// zeroTimeClock stamps responses with the zero time, which the shape validator rejects.
type zeroTimeClock struct {
	*fakes.FakeClock
}

func (zeroTimeClock) Now() time.Time { return time.Time{} }

func TestShapeViolationPropagatesAsError(t *testing.T) {
	markets := &countingMarkets{MarketPool: pool.NewMarketPool(pool.Config{})}
	clk := zeroTimeClock{FakeClock: fakes.NewFakeClock(epoch)}
	e := NewEngine(markets, nil, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := e.WaitForEvent(ctx, schema.WaitRequest{
		Timeout:       5,
		Subscriptions: []schema.SubscriptionConfig{priceSub("BTC-USD", schema.OperatorGT, 1)},
	})
	if resp != nil {
		t.Fatalf("expected no response on shape violation, got %#v", resp)
	}
	if errs.CodeOf(err) != errs.CodeShapeViolation {
		t.Fatalf("expected shape violation, got %v", err)
	}
	if got := markets.unsubscribes.Load(); got != 1 {
		t.Fatalf("expected cleanup on the error path, got %d", got)
	}
}

type recordingHistory struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingHistory) Record(_ context.Context, o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func TestHistoryReceivesOutcome(t *testing.T) {
	hist := &recordingHistory{}
	h := newHarness(WithHistory(hist))
	ch := h.start(t, context.Background(), schema.WaitRequest{
		Timeout:       3,
		Subscriptions: []schema.SubscriptionConfig{priceSub("btc-usd", schema.OperatorGT, 1e9)},
	})
	h.clock.Advance(3 * time.Second)
	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("WaitForEvent: %v", res.err)
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.outcomes) != 1 {
		t.Fatalf("expected one recorded outcome, got %d", len(hist.outcomes))
	}
	got := hist.outcomes[0]
	if got.RequestID == "" || got.Response.Status() != schema.StatusTimeout {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if got.Request.Subscriptions[0].ProductID != "BTC-USD" {
		t.Fatalf("expected normalised request in history, got %+v", got.Request)
	}
	if got.FinishedAt.Sub(got.StartedAt) != 3*time.Second {
		t.Fatalf("expected 3s elapsed on the fake clock, got %s", got.FinishedAt.Sub(got.StartedAt))
	}
}

func TestConcurrentWaitsShareThePool(t *testing.T) {
	h := newHarness()
	const waits = 5
	results := make(chan waitResult, waits)
	for i := 0; i < waits; i++ {
		go func() {
			resp, err := h.engine.WaitForEvent(context.Background(), schema.WaitRequest{
				Timeout:       30,
				Subscriptions: []schema.SubscriptionConfig{priceSub("BTC-USD", schema.OperatorCrossAbove, 50000)},
			})
			results <- waitResult{resp: resp, err: err}
		}()
	}
	for i := 0; i < waits; i++ {
		if !h.clock.BlockUntilTimer(2 * time.Second) {
			t.Fatalf("wait %d never armed", i)
		}
	}
	tick(t, h, "BTC-USD", 49000)
	tick(t, h, "BTC-USD", 51000)
	for i := 0; i < waits; i++ {
		res := await(t, results)
		if res.err != nil || res.resp.Status() != schema.StatusTriggered {
			t.Fatalf("wait %d: status=%v err=%v", i, res.resp, res.err)
		}
	}
	if got := h.cleanups(); got != waits {
		t.Fatalf("expected %d cleanups, got %d", waits, got)
	}
}
