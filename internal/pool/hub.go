package pool

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/telemetry"
)

type handler[T any] struct {
	id           Handle
	key          string
	onMessage    func(T)
	onDisconnect DisconnectFunc

	active atomic.Bool
	once   sync.Once
}

func (h *handler[T]) deliver(msg T) {
	if !h.active.Load() || h.onMessage == nil {
		return
	}
	h.onMessage(msg)
}

func (h *handler[T]) disconnect(reason string) {
	h.once.Do(func() {
		if h.active.Swap(false) && h.onDisconnect != nil {
			h.onDisconnect(reason)
		}
	})
}

// hub holds the handler registry shared by the market and order pools.
type hub[T any] struct {
	name       string
	scope      string
	maxWorkers int

	mu       sync.RWMutex
	topics   map[string]map[Handle]*handler[T]
	index    map[Handle]*handler[T]
	sequence map[string]*sync.Mutex
	closed   bool

	handlerGauge      metric.Int64UpDownCounter
	disconnectCounter metric.Int64Counter
	fanoutSize        metric.Int64Histogram
	fanoutDuration    metric.Float64Histogram
}

func newHub[T any](name string, maxWorkers int) *hub[T] {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	h := &hub[T]{
		name:       name,
		scope:      "pool/" + name,
		maxWorkers: maxWorkers,
		topics:     make(map[string]map[Handle]*handler[T]),
		index:      make(map[Handle]*handler[T]),
		sequence:   make(map[string]*sync.Mutex),
	}

	meter := otel.Meter("pool")
	h.handlerGauge, _ = meter.Int64UpDownCounter(telemetry.MetricPoolHandlers,
		metric.WithDescription("Number of registered pool handlers"),
		metric.WithUnit("{handler}"))
	h.disconnectCounter, _ = meter.Int64Counter(telemetry.MetricPoolDisconnects,
		metric.WithDescription("Number of handlers notified of a feed disconnect"),
		metric.WithUnit("{handler}"))
	h.fanoutSize, _ = meter.Int64Histogram(telemetry.MetricPoolFanoutSize,
		metric.WithDescription("Number of handlers per delivered message"),
		metric.WithUnit("{handler}"))
	h.fanoutDuration, _ = meter.Float64Histogram(telemetry.MetricPoolFanoutDuration,
		metric.WithDescription("Latency of delivering one message to every handler"),
		metric.WithUnit("ms"))
	return h
}

func (h *hub[T]) subscribe(key string, onMessage func(T), onDisconnect DisconnectFunc) (Handle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errs.New(h.scope+"/subscribe", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if onMessage == nil {
		return "", errs.New(h.scope+"/subscribe", errs.CodeInvalid, errs.WithMessage("message handler required"))
	}
	entry := &handler[T]{
		id:           Handle(uuid.NewString()),
		key:          key,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}
	entry.active.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", errs.New(h.scope+"/subscribe", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[Handle]*handler[T])
		h.topics[key] = subs
	}
	subs[entry.id] = entry
	h.index[entry.id] = entry
	if _, ok := h.sequence[key]; !ok {
		h.sequence[key] = new(sync.Mutex)
	}
	h.mu.Unlock()

	h.handlerGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), h.name)...))
	return entry.id, nil
}

// unsubscribe is idempotent; unknown or already detached handles are ignored.
func (h *hub[T]) unsubscribe(id Handle) error {
	if id == "" {
		return nil
	}
	h.mu.Lock()
	entry, ok := h.index[id]
	if ok {
		h.detachLocked(entry)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	entry.active.Store(false)
	h.handlerGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), h.name)...))
	return nil
}

func (h *hub[T]) detachLocked(entry *handler[T]) {
	delete(h.index, entry.id)
	if subs := h.topics[entry.key]; subs != nil {
		delete(subs, entry.id)
		if len(subs) == 0 {
			delete(h.topics, entry.key)
			delete(h.sequence, entry.key)
		}
	}
}

// publish delivers msg to every handler registered for key and returns the handler count.
// Deliveries for one key are serialized so each handler observes publish order.
func (h *hub[T]) publish(ctx context.Context, key string, msg T, clone func(T) T) (int, error) {
	h.mu.RLock()
	subs := h.topics[key]
	targets := make([]*handler[T], 0, len(subs))
	for _, entry := range subs {
		targets = append(targets, entry)
	}
	seq := h.sequence[key]
	h.mu.RUnlock()

	n := len(targets)
	if n == 0 || seq == nil {
		return 0, nil
	}

	seq.Lock()
	defer seq.Unlock()

	start := time.Now()
	attrs := metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), h.name)...)
	defer func() {
		h.fanoutSize.Record(ctx, int64(n), attrs)
		h.fanoutDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}()

	if n == 1 {
		return 1, h.safeDeliver(targets[0], msg)
	}

	workers := h.maxWorkers
	if workers > n {
		workers = n
	}
	var mu sync.Mutex
	var failures []error
	p := concpool.New().WithMaxGoroutines(workers)
	for _, entry := range targets {
		target := entry
		copyMsg := msg
		if clone != nil {
			copyMsg = clone(msg)
		}
		p.Go(func() {
			if err := h.safeDeliver(target, copyMsg); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	if len(failures) > 0 {
		return n, observability.AggregateErrors(h.scope+"/publish", failures, observability.F("key", key))
	}
	return n, nil
}

func (h *hub[T]) safeDeliver(entry *handler[T], msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v", entry.id, r)
		}
	}()
	entry.deliver(msg)
	return nil
}

// disconnect detaches every handler for key and notifies each one once.
func (h *hub[T]) disconnect(key, reason string) int {
	h.mu.Lock()
	subs := h.topics[key]
	targets := make([]*handler[T], 0, len(subs))
	for _, entry := range subs {
		targets = append(targets, entry)
		h.detachLocked(entry)
	}
	h.mu.Unlock()
	h.notify(targets, reason)
	return len(targets)
}

// disconnectAll detaches and notifies every handler in the pool.
func (h *hub[T]) disconnectAll(reason string) int {
	h.mu.Lock()
	targets := make([]*handler[T], 0, len(h.index))
	for _, entry := range h.index {
		targets = append(targets, entry)
		h.detachLocked(entry)
	}
	h.mu.Unlock()
	h.notify(targets, reason)
	return len(targets)
}

func (h *hub[T]) notify(targets []*handler[T], reason string) {
	if len(targets) == 0 {
		return
	}
	attrs := metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), h.name)...)
	h.handlerGauge.Add(context.Background(), -int64(len(targets)), attrs)
	h.disconnectCounter.Add(context.Background(), int64(len(targets)), attrs)
	observability.Log().Warn("pool disconnect",
		observability.F("pool", h.name),
		observability.F("handlers", len(targets)),
		observability.F("reason", reason))
	for _, entry := range targets {
		entry.disconnect(reason)
	}
}

func (h *hub[T]) stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := Stats{Name: h.name, Handlers: len(h.index), Topics: make([]TopicStats, 0, len(h.topics))}
	for key, subs := range h.topics {
		out.Topics = append(out.Topics, TopicStats{Key: key, Handlers: len(subs)})
	}
	sort.Slice(out.Topics, func(i, j int) bool { return out.Topics[i].Key < out.Topics[j].Key })
	return out
}

func (h *hub[T]) keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for key := range h.topics {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// close rejects further registrations and disconnects the remaining handlers.
func (h *hub[T]) close(reason string) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.disconnectAll(reason)
}
