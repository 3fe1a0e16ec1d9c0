package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/observability"
)

// ReasonRelayLost is reported to every handler when Redis stops answering.
const ReasonRelayLost = "Redis relay connection lost"

const defaultRelayHealthInterval = 5 * time.Second

// RelayChannels names the Redis Pub/Sub channels shared by relay publishers and subscribers.
type RelayChannels struct {
	Ticker   string
	Candle   string
	Order    string
	Interest string
	// Status carries publisher-side feed failures to subscribers.
	Status string
}

// RedisOptions holds connection parameters for the relay's Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a go-redis client and pings it to verify connectivity.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

type interest struct {
	Kind      string `json:"kind"`
	ProductID string `json:"productId,omitempty"`
}

const (
	interestProduct = "product"
	interestOrders  = "orders"
)

type relayStatus struct {
	Reason string `json:"reason"`
}

// RedisRelay feeds the local pools from messages another process mirrored into Redis.
//
// go-redis resubscribes on its own after a network error, so the relay pings Redis on a
// fixed interval and disconnects every handler while the ping fails. Feed failures on
// the publisher side arrive on the status channel and are passed on verbatim.
type RedisRelay struct {
	rdb      *redis.Client
	channels RelayChannels
	markets  MarketSink
	orders   OrderSink

	healthInterval time.Duration
	ping           func(ctx context.Context) error
	down           bool
}

// NewRedisRelay constructs a relay subscriber.
func NewRedisRelay(rdb *redis.Client, channels RelayChannels, markets MarketSink, orders OrderSink) *RedisRelay {
	r := &RedisRelay{
		rdb:            rdb,
		channels:       channels,
		markets:        markets,
		orders:         orders,
		healthInterval: defaultRelayHealthInterval,
	}
	r.ping = func(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
	return r
}

// Run consumes relay channels until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	channels := []string{r.channels.Ticker, r.channels.Candle, r.channels.Order}
	if r.channels.Status != "" {
		channels = append(channels, r.channels.Status)
	}
	pubsub := r.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis: subscribe relay channels: %w", err)
	}
	defer pubsub.Close()

	logger := observability.Log()
	logger.Info("redis relay subscribed",
		observability.F("ticker_channel", r.channels.Ticker),
		observability.F("candle_channel", r.channels.Candle),
		observability.F("order_channel", r.channels.Order))

	health := time.NewTicker(r.healthInterval)
	defer health.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-health.C:
			r.checkHealth(ctx)
		case msg, ok := <-ch:
			if !ok {
				r.disconnectAll(ReasonRelayLost)
				return errs.New("feed/relay", errs.CodeNetwork, errs.WithMessage("relay subscription closed"))
			}
			if err := r.dispatch(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				logger.Warn("redis relay message rejected", observability.F("channel", msg.Channel), observability.F("error", err))
			}
		}
	}
}

// checkHealth pings Redis and disconnects every handler while it is unreachable, so
// waits fail fast instead of running into their timeout.
func (r *RedisRelay) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, r.healthInterval)
	err := r.ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	logger := observability.Log()
	if err != nil {
		if !r.down {
			logger.Warn("redis relay unreachable", observability.F("error", err))
		}
		r.down = true
		r.disconnectAll(ReasonRelayLost)
		return
	}
	if r.down {
		logger.Info("redis relay reachable again")
	}
	r.down = false
}

func (r *RedisRelay) disconnectAll(reason string) {
	markets := r.markets.DisconnectAll(reason)
	orders := r.orders.DisconnectAll(reason)
	if markets+orders > 0 {
		observability.Log().Info("relay handlers disconnected",
			observability.F("reason", reason),
			observability.F("market_handlers", markets),
			observability.F("order_handlers", orders))
	}
}

func (r *RedisRelay) dispatch(ctx context.Context, channel string, payload []byte) error {
	switch channel {
	case r.channels.Ticker:
		var t schema.Ticker
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		_, err := r.markets.PublishTicker(ctx, t)
		return err
	case r.channels.Candle:
		var c schema.Candle
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decode candle: %w", err)
		}
		r.markets.PublishCandle(c)
		return nil
	case r.channels.Order:
		var evt schema.OrderEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		evt.Status = schema.NormalizeExecutionStatus(string(evt.Status))
		_, err := r.orders.PublishOrder(ctx, evt)
		return err
	case r.channels.Status:
		var st relayStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		reason := strings.TrimSpace(st.Reason)
		if reason == "" {
			reason = ReasonRelayLost
		}
		r.disconnectAll(reason)
		return nil
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
}

// RedisWatcher forwards stream interest to the process that owns the exchange connection.
type RedisWatcher struct {
	rdb     *redis.Client
	channel string
}

var _ Watcher = (*RedisWatcher)(nil)

// NewRedisWatcher publishes interest on channel.
func NewRedisWatcher(rdb *redis.Client, channel string) *RedisWatcher {
	return &RedisWatcher{rdb: rdb, channel: channel}
}

// WatchProduct asks the relay publisher to stream productID.
func (w *RedisWatcher) WatchProduct(ctx context.Context, productID string) error {
	return w.publish(ctx, interest{Kind: interestProduct, ProductID: strings.ToUpper(strings.TrimSpace(productID))})
}

// WatchOrders asks the relay publisher to stream order updates.
func (w *RedisWatcher) WatchOrders(ctx context.Context) error {
	return w.publish(ctx, interest{Kind: interestOrders})
}

func (w *RedisWatcher) publish(ctx context.Context, in interest) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal interest: %w", err)
	}
	if err := w.rdb.Publish(ctx, w.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", w.channel, err)
	}
	return nil
}

// RedisMirror publishes decoded exchange messages into the relay channels.
type RedisMirror struct {
	rdb      *redis.Client
	channels RelayChannels
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror constructs a relay publisher.
func NewRedisMirror(rdb *redis.Client, channels RelayChannels) *RedisMirror {
	return &RedisMirror{rdb: rdb, channels: channels}
}

// MirrorTicker publishes a ticker.
func (m *RedisMirror) MirrorTicker(ctx context.Context, ticker schema.Ticker) error {
	return m.publish(ctx, m.channels.Ticker, ticker)
}

// MirrorCandle publishes a candle.
func (m *RedisMirror) MirrorCandle(ctx context.Context, candle schema.Candle) error {
	return m.publish(ctx, m.channels.Candle, candle)
}

// MirrorOrder publishes an order event.
func (m *RedisMirror) MirrorOrder(ctx context.Context, evt schema.OrderEvent) error {
	return m.publish(ctx, m.channels.Order, evt)
}

// MirrorLost tells relay subscribers that the exchange connection dropped.
func (m *RedisMirror) MirrorLost(ctx context.Context, reason string) error {
	if m.channels.Status == "" {
		return nil
	}
	return m.publish(ctx, m.channels.Status, relayStatus{Reason: reason})
}

func (m *RedisMirror) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	if err := m.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// ServeInterest applies interest published by relay subscribers to w until ctx is done.
func (m *RedisMirror) ServeInterest(ctx context.Context, w Watcher) error {
	pubsub := m.rdb.Subscribe(ctx, m.channels.Interest)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", m.channels.Interest, err)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := applyInterest(ctx, w, []byte(msg.Payload)); err != nil {
				observability.Log().Warn("relay interest rejected", observability.F("error", err))
			}
		}
	}
}

func applyInterest(ctx context.Context, w Watcher, payload []byte) error {
	var in interest
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode interest: %w", err)
	}
	switch in.Kind {
	case interestProduct:
		return w.WatchProduct(ctx, in.ProductID)
	case interestOrders:
		return w.WatchOrders(ctx)
	default:
		return fmt.Errorf("unknown interest kind %q", in.Kind)
	}
}
