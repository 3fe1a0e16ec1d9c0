package pool

import (
	"context"
	"strings"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

// OrderPool is the in-memory OrderDataPool keyed by order id.
type OrderPool struct {
	hub *hub[schema.OrderEvent]
}

var _ OrderDataPool = (*OrderPool)(nil)

// NewOrderPool constructs an order pool.
func NewOrderPool(cfg Config) *OrderPool {
	cfg = cfg.normalize()
	return &OrderPool{hub: newHub[schema.OrderEvent]("order", cfg.FanoutWorkers)}
}

// Subscribe registers handlers for one order's lifecycle events.
func (p *OrderPool) Subscribe(orderID string, onOrderEvent func(schema.OrderEvent), onDisconnect DisconnectFunc) (Handle, error) {
	return p.hub.subscribe(orderID, onOrderEvent, onDisconnect)
}

// Unsubscribe removes a registration. Unknown handles are ignored.
func (p *OrderPool) Unsubscribe(handle Handle) error {
	return p.hub.unsubscribe(handle)
}

// PublishOrder delivers the event to every handler of its order.
func (p *OrderPool) PublishOrder(ctx context.Context, evt schema.OrderEvent) (int, error) {
	evt.OrderID = strings.TrimSpace(evt.OrderID)
	return p.hub.publish(ctx, evt.OrderID, evt, nil)
}

// Disconnect notifies every handler of an order that its feed failed and detaches them.
func (p *OrderPool) Disconnect(orderID, reason string) int {
	return p.hub.disconnect(strings.TrimSpace(orderID), reason)
}

// DisconnectAll notifies every handler in the pool.
func (p *OrderPool) DisconnectAll(reason string) int {
	return p.hub.disconnectAll(reason)
}

// Orders lists the orders with at least one handler.
func (p *OrderPool) Orders() []string {
	return p.hub.keys()
}

// Stats summarizes the registered handlers.
func (p *OrderPool) Stats() Stats {
	return p.hub.stats()
}

// Close disconnects the remaining handlers and rejects new registrations.
func (p *OrderPool) Close(reason string) {
	p.hub.close(reason)
}
