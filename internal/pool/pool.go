// Package pool fans live feed messages out to the handlers registered for a product
// or an order.
//
// Pools are shared by every concurrent wait. A handler sees messages for its key in
// publish order and is told about a feed failure at most once.
package pool

import (
	"github.com/coachpo/eventwait/internal/domain/schema"
)

// Handle identifies one registration with a pool.
type Handle string

// DisconnectFunc receives the reason a feed stopped delivering.
type DisconnectFunc func(reason string)

// MarketDataPool delivers ticker updates, with the rolling candle buffer attached, for a product.
type MarketDataPool interface {
	Subscribe(productID string, onTicker func(schema.MarketSnapshot), onDisconnect DisconnectFunc) (Handle, error)
	Unsubscribe(handle Handle) error
}

// OrderDataPool delivers lifecycle events for a single order.
type OrderDataPool interface {
	Subscribe(orderID string, onOrderEvent func(schema.OrderEvent), onDisconnect DisconnectFunc) (Handle, error)
	Unsubscribe(handle Handle) error
}

// TopicStats reports the handlers registered for one key.
type TopicStats struct {
	Key      string `json:"key"`
	Handlers int    `json:"handlers"`
}

// Stats summarizes a pool for the operational endpoints.
type Stats struct {
	Name     string       `json:"name"`
	Handlers int          `json:"handlers"`
	Topics   []TopicStats `json:"topics"`
}

// Config tunes the in-memory pools.
type Config struct {
	// FanoutWorkers caps the goroutines used to deliver one message.
	FanoutWorkers int
	// CandleBufferSize caps the rolling candle buffer kept per product.
	CandleBufferSize int
}

const (
	defaultCandleBufferSize = 300
	maxCandleBufferSize     = 1000
)

func (c Config) normalize() Config {
	if c.CandleBufferSize <= 0 {
		c.CandleBufferSize = defaultCandleBufferSize
	}
	if c.CandleBufferSize > maxCandleBufferSize {
		c.CandleBufferSize = maxCandleBufferSize
	}
	return c
}
