package pool

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

// MarketPool is the in-memory MarketDataPool. Feeds publish tickers and candles into
// it; every ticker is delivered with a copy of the product's rolling candle buffer.
type MarketPool struct {
	hub  *hub[schema.MarketSnapshot]
	size int

	mu      sync.RWMutex
	candles map[string][]schema.Candle
}

var _ MarketDataPool = (*MarketPool)(nil)

// NewMarketPool constructs a market pool.
func NewMarketPool(cfg Config) *MarketPool {
	cfg = cfg.normalize()
	return &MarketPool{
		hub:     newHub[schema.MarketSnapshot]("market", cfg.FanoutWorkers),
		size:    cfg.CandleBufferSize,
		candles: make(map[string][]schema.Candle),
	}
}

func productKey(productID string) string {
	return strings.ToUpper(strings.TrimSpace(productID))
}

// Subscribe registers handlers for a product's tickers.
func (p *MarketPool) Subscribe(productID string, onTicker func(schema.MarketSnapshot), onDisconnect DisconnectFunc) (Handle, error) {
	return p.hub.subscribe(productKey(productID), onTicker, onDisconnect)
}

// Unsubscribe removes a registration. Unknown handles are ignored.
func (p *MarketPool) Unsubscribe(handle Handle) error {
	return p.hub.unsubscribe(handle)
}

// PublishTicker delivers the ticker to every handler of its product.
func (p *MarketPool) PublishTicker(ctx context.Context, ticker schema.Ticker) (int, error) {
	key := productKey(ticker.ProductID)
	ticker.ProductID = key
	snap := schema.MarketSnapshot{Ticker: ticker, Candles: p.Candles(key)}
	return p.hub.publish(ctx, key, snap, schema.MarketSnapshot.Clone)
}

// PublishCandle folds a candle into the product's rolling buffer. A candle with the
// same start time as the newest one replaces it; older candles are ignored.
func (p *MarketPool) PublishCandle(candle schema.Candle) {
	key := productKey(candle.ProductID)
	if key == "" {
		return
	}
	candle.ProductID = key

	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.candles[key]
	if n := len(buf); n > 0 {
		last := buf[n-1].Start
		switch {
		case candle.Start.Equal(last):
			buf[n-1] = candle
			return
		case candle.Start.Before(last):
			return
		}
	}
	buf = append(buf, candle)
	if len(buf) > p.size {
		buf = append([]schema.Candle(nil), buf[len(buf)-p.size:]...)
	}
	p.candles[key] = buf
}

// Candles returns a copy of the product's candle buffer, oldest first.
func (p *MarketPool) Candles(productID string) []schema.Candle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buf := p.candles[productKey(productID)]
	if len(buf) == 0 {
		return nil
	}
	return append([]schema.Candle(nil), buf...)
}

// Disconnect notifies every handler of a product that its feed failed and detaches them.
func (p *MarketPool) Disconnect(productID, reason string) int {
	return p.hub.disconnect(productKey(productID), reason)
}

// DisconnectAll notifies every handler in the pool.
func (p *MarketPool) DisconnectAll(reason string) int {
	return p.hub.disconnectAll(reason)
}

// Products lists the products with at least one handler.
func (p *MarketPool) Products() []string {
	return p.hub.keys()
}

// Stats summarizes the registered handlers.
func (p *MarketPool) Stats() Stats {
	return p.hub.stats()
}

// Close disconnects the remaining handlers and rejects new registrations.
func (p *MarketPool) Close(reason string) {
	p.hub.close(reason)
}
