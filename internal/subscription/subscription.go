// Package subscription implements the per-subscription state machine: register with a
// pool, evaluate every inbound message against the configured conditions, and settle a
// completion signal exactly once.
package subscription

import (
	"fmt"
	"sync"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/condition"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/pool"
)

// State is the lifecycle position of a subscription.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateTriggered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateTriggered:
		return "triggered"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscription is one watched feed within a wait.
type Subscription interface {
	Config() schema.SubscriptionConfig
	Start() error
	Done() <-chan struct{}
	Err() error
	Result() schema.SubscriptionResult
	State() State
	Cleanup() error
}

type (
	evaluateFunc[T any]  func(current T, previous *T, conditions []schema.Condition) []schema.ConditionResult
	subscribeFunc[T any] func(key string, onMessage func(T), onDisconnect pool.DisconnectFunc) (pool.Handle, error)
)

// machine is the state shared by market and order subscriptions. The triggered latch
// under mu guarantees at most one terminal outcome.
type machine[T any] struct {
	cfg         schema.SubscriptionConfig
	evaluate    evaluateFunc[T]
	subscribe   subscribeFunc[T]
	unsubscribe func(pool.Handle) error
	completion  *Completion

	mu        sync.Mutex
	state     State
	current   *T
	previous  *T
	result    schema.SubscriptionResult
	triggered bool
	handle    pool.Handle
	closed    bool
}

func newMachine[T any](cfg schema.SubscriptionConfig, evaluate evaluateFunc[T], subscribe subscribeFunc[T], unsubscribe func(pool.Handle) error) *machine[T] {
	return &machine[T]{
		cfg:         cfg,
		evaluate:    evaluate,
		subscribe:   subscribe,
		unsubscribe: unsubscribe,
		completion:  newCompletion(),
		state:       StateIdle,
		result:      schema.PendingResult(cfg),
	}
}

func (m *machine[T]) Config() schema.SubscriptionConfig { return m.cfg }

func (m *machine[T]) Done() <-chan struct{} { return m.completion.Done() }

func (m *machine[T]) Err() error { return m.completion.Err() }

// Start registers the message and disconnect handlers with the pool.
//
// Registration can wait on the upstream feed, so it runs without holding mu. Messages
// and disconnects delivered before it returns are handled normally. If Cleanup runs in
// the meantime the new registration is removed again.
func (m *machine[T]) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New("subscription/start", errs.CodeUnavailable, errs.WithMessage("subscription already cleaned up"))
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return errs.New("subscription/start", errs.CodeInvalid, errs.WithMessage("subscription already started"))
	}
	m.state = StateStarted
	m.mu.Unlock()

	handle, err := m.subscribe(m.cfg.Key(), m.onMessage, m.onDisconnect)

	m.mu.Lock()
	if err != nil {
		if m.state == StateStarted {
			m.state = StateIdle
		}
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s %s: %w", m.cfg.Type, m.cfg.Key(), err)
	}
	if m.closed {
		m.mu.Unlock()
		if m.unsubscribe != nil {
			_ = m.unsubscribe(handle)
		}
		return errs.New("subscription/start", errs.CodeUnavailable, errs.WithMessage("subscription cleaned up during start"))
	}
	m.handle = handle
	m.mu.Unlock()
	return nil
}

// onMessage is invoked by the pool. Messages after a terminal outcome or after
// cleanup are ignored.
func (m *machine[T]) onMessage(msg T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered || m.closed || m.state != StateStarted {
		return
	}
	m.previous = m.current
	m.current = &msg

	results := m.evaluate(msg, m.previous, m.cfg.Conditions)
	combined := condition.Combine(m.cfg.Logic, results)
	m.result = schema.SubscriptionResult{
		Type:       m.cfg.Type,
		ProductID:  m.cfg.ProductID,
		OrderID:    m.cfg.OrderID,
		Logic:      m.cfg.Logic,
		Triggered:  combined,
		Conditions: results,
	}
	if combined {
		m.triggered = true
		m.state = StateTriggered
		m.completion.settle(nil)
	}
}

func (m *machine[T]) onDisconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered || m.state != StateStarted {
		return
	}
	m.state = StateDisconnected
	m.completion.settle(&DisconnectError{Reason: reason})
}

// Result returns a copy of the latest evaluated result.
func (m *machine[T]) Result() schema.SubscriptionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result.Clone()
}

func (m *machine[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cleanup unregisters from the pool. It is safe before Start and on repeated calls.
func (m *machine[T]) Cleanup() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handle := m.handle
	m.handle = ""
	m.mu.Unlock()

	if handle == "" || m.unsubscribe == nil {
		return nil
	}
	if err := m.unsubscribe(handle); err != nil {
		return fmt.Errorf("unsubscribe %s %s: %w", m.cfg.Type, m.cfg.Key(), err)
	}
	return nil
}

// NewMarket builds a subscription watching a product's tickers.
func NewMarket(cfg schema.SubscriptionConfig, p pool.MarketDataPool, eval *condition.MarketEvaluator) Subscription {
	return newMachine[schema.MarketSnapshot](cfg, eval.Evaluate, p.Subscribe, p.Unsubscribe)
}

// NewOrder builds a subscription watching one order's lifecycle.
func NewOrder(cfg schema.SubscriptionConfig, p pool.OrderDataPool, eval condition.OrderEvaluator) Subscription {
	return newMachine[schema.OrderEvent](cfg, eval.Evaluate, p.Subscribe, p.Unsubscribe)
}
