package feed

import (
	"context"
	"time"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/pool"
)

// Watcher asks the upstream feed to stream a product or the order channel.
type Watcher interface {
	WatchProduct(ctx context.Context, productID string) error
	WatchOrders(ctx context.Context) error
}

// DefaultWatchTimeout bounds how long a subscribe waits for the upstream to start streaming.
const DefaultWatchTimeout = 20 * time.Second

// SourceOption customizes MarketSource and OrderSource.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	watchTimeout time.Duration
}

// WithWatchTimeout overrides DefaultWatchTimeout.
func WithWatchTimeout(d time.Duration) SourceOption {
	return func(c *sourceConfig) {
		if d > 0 {
			c.watchTimeout = d
		}
	}
}

func newSourceConfig(opts []SourceOption) sourceConfig {
	cfg := sourceConfig{watchTimeout: DefaultWatchTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// MarketSource is a MarketDataPool that starts streaming a product on first subscribe.
type MarketSource struct {
	pool    pool.MarketDataPool
	watcher Watcher
	cfg     sourceConfig
}

var _ pool.MarketDataPool = MarketSource{}

// NewMarketSource wraps p so every subscription also makes w stream the product.
func NewMarketSource(p pool.MarketDataPool, w Watcher, opts ...SourceOption) MarketSource {
	return MarketSource{pool: p, watcher: w, cfg: newSourceConfig(opts)}
}

// Subscribe registers with the pool, then makes sure the product is streaming. The
// registration is rolled back when the feed cannot be reached.
func (s MarketSource) Subscribe(productID string, onTicker func(schema.MarketSnapshot), onDisconnect pool.DisconnectFunc) (pool.Handle, error) {
	handle, err := s.pool.Subscribe(productID, onTicker, onDisconnect)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.watchTimeout)
	defer cancel()
	if err := s.watcher.WatchProduct(ctx, productID); err != nil {
		_ = s.pool.Unsubscribe(handle)
		return "", unavailable("feed/market", err)
	}
	return handle, nil
}

// Unsubscribe removes the pool registration. The upstream stream stays open.
func (s MarketSource) Unsubscribe(handle pool.Handle) error {
	return s.pool.Unsubscribe(handle)
}

// OrderSource is an OrderDataPool that starts the order channel on first subscribe.
type OrderSource struct {
	pool    pool.OrderDataPool
	watcher Watcher
	cfg     sourceConfig
}

var _ pool.OrderDataPool = OrderSource{}

// NewOrderSource wraps p so every subscription also makes w stream order updates.
func NewOrderSource(p pool.OrderDataPool, w Watcher, opts ...SourceOption) OrderSource {
	return OrderSource{pool: p, watcher: w, cfg: newSourceConfig(opts)}
}

// Subscribe registers with the pool, then makes sure order updates are streaming.
func (s OrderSource) Subscribe(orderID string, onOrderEvent func(schema.OrderEvent), onDisconnect pool.DisconnectFunc) (pool.Handle, error) {
	handle, err := s.pool.Subscribe(orderID, onOrderEvent, onDisconnect)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.watchTimeout)
	defer cancel()
	if err := s.watcher.WatchOrders(ctx); err != nil {
		_ = s.pool.Unsubscribe(handle)
		return "", unavailable("feed/order", err)
	}
	return handle, nil
}

// Unsubscribe removes the pool registration.
func (s OrderSource) Unsubscribe(handle pool.Handle) error {
	return s.pool.Unsubscribe(handle)
}

func unavailable(scope string, err error) error {
	return errs.New(scope, errs.CodeUnavailable, errs.WithHTTP(503), errs.WithMessage("feed unavailable"), errs.WithCause(err))
}
