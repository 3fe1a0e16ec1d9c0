// Package feed streams exchange market data and order updates into the pools.
//
// The websocket client subscribes lazily: a product's ticker and candle channels are
// requested the first time a wait registers interest in it, and the user channel the
// first time an order wait starts. Subscriptions persist for the life of the
// connection so candle buffers stay warm between waits. When the connection drops every
// registered handler is told "WebSocket connection lost"; the next interest change
// redials and replays the remembered subscriptions.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/pool"
	"github.com/coachpo/eventwait/internal/telemetry"
)

// ReasonConnectionLost is reported to every handler when the websocket drops.
const ReasonConnectionLost = "WebSocket connection lost"

// ErrClosed is returned once the client has been closed.
var ErrClosed = errors.New("feed: client closed")

// MarketSink is the market pool surface the feed publishes into.
type MarketSink interface {
	pool.MarketDataPool
	PublishTicker(ctx context.Context, ticker schema.Ticker) (int, error)
	PublishCandle(candle schema.Candle)
	DisconnectAll(reason string) int
}

// OrderSink is the order pool surface the feed publishes into.
type OrderSink interface {
	pool.OrderDataPool
	PublishOrder(ctx context.Context, evt schema.OrderEvent) (int, error)
	DisconnectAll(reason string) int
}

// Mirror receives every decoded message, for example to relay it to other processes.
type Mirror interface {
	MirrorTicker(ctx context.Context, ticker schema.Ticker) error
	MirrorCandle(ctx context.Context, candle schema.Candle) error
	MirrorOrder(ctx context.Context, evt schema.OrderEvent) error
	MirrorLost(ctx context.Context, reason string) error
}

// Config tunes the websocket client.
type Config struct {
	URL          string
	JWT          string
	DialAttempts uint
	DialTimeout  time.Duration
	ControlRate  float64
	ControlBurst int
	ReadLimit    int64
}

func (c Config) normalize() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.DialAttempts == 0 {
		c.DialAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ControlRate <= 0 {
		c.ControlRate = 5
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 1
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

type stream struct {
	channel   string
	productID string
}

// Option customizes a Client.
type Option func(*Client)

// WithMirror forwards every decoded message to m after it reaches the pools.
func WithMirror(m Mirror) Option {
	return func(c *Client) {
		c.mirror = m
	}
}

// Client maintains the exchange websocket connection.
type Client struct {
	cfg     Config
	markets MarketSink
	orders  OrderSink
	mirror  Mirror
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[stream]struct{}
	closed  bool

	readers  conc.WaitGroup
	messages metric.Int64Counter
}

// NewClient constructs a client publishing into markets and orders. No connection is
// made until the first subscription.
func NewClient(cfg Config, markets MarketSink, orders OrderSink, opts ...Option) *Client {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		markets: markets,
		orders:  orders,
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[stream]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	meter := otel.Meter("feed")
	c.messages, _ = meter.Int64Counter(telemetry.MetricFeedMessages,
		metric.WithDescription("Number of websocket frames processed"),
		metric.WithUnit("{message}"))
	return c
}

// WatchProduct makes sure ticker and candle updates for productID are streaming.
func (c *Client) WatchProduct(ctx context.Context, productID string) error {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return errs.Invalid("feed/watch", "product id required")
	}
	return c.ensure(ctx, stream{channel: channelTicker, productID: productID}, stream{channel: channelCandles, productID: productID})
}

// WatchOrders makes sure the user order channel is streaming.
func (c *Client) WatchOrders(ctx context.Context) error {
	return c.ensure(ctx, stream{channel: channelUser})
}

// Connected reports whether a websocket connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops the read loop and closes the connection.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	c.readers.Wait()
}

func (c *Client) ensure(ctx context.Context, wanted ...stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return errs.New("feed/dial", errs.CodeNetwork, errs.WithMessage("exchange feed unavailable"), errs.WithCause(err))
		}
		c.conn = conn
		c.readers.Go(func() { c.readLoop(conn) })

		replay := []stream{{channel: channelHeartbeats}}
		for s := range c.streams {
			replay = append(replay, s)
		}
		for _, s := range replay {
			if err := c.sendLocked(ctx, conn, "subscribe", s); err != nil {
				return err
			}
		}
	}

	for _, s := range wanted {
		if _, ok := c.streams[s]; ok {
			continue
		}
		if err := c.sendLocked(ctx, c.conn, "subscribe", s); err != nil {
			return err
		}
		c.streams[s] = struct{}{}
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	logger := observability.Log()
	conn, err := backoff.Retry(dialCtx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
		if err != nil {
			logger.Warn("feed dial failed", observability.F("url", c.cfg.URL), observability.F("error", err))
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.cfg.DialAttempts))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	logger.Info("feed connected", observability.F("url", c.cfg.URL))
	return conn, nil
}

func (c *Client) sendLocked(ctx context.Context, conn *websocket.Conn, kind string, s stream) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s %s: %w", kind, s.channel, err)
	}
	req := controlRequest{Type: kind, Channel: s.channel}
	if s.productID != "" {
		req.ProductIDs = []string{s.productID}
	}
	if s.channel == channelUser {
		req.JWT = c.cfg.JWT
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", kind, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("feed/"+kind, errs.CodeNetwork, errs.WithMessage("write "+s.channel+" request"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			c.lost(conn, err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.record(f.channel, "error")
		observability.Log().Warn("feed frame rejected", observability.F("error", err))
		return
	}
	switch f.channel {
	case channelHeartbeats, channelSubscriptions, "":
		return
	}
	c.record(f.channel, "ok")

	for _, candle := range f.candles {
		c.markets.PublishCandle(candle)
		if c.mirror != nil {
			c.mirrorErr("candle", c.mirror.MirrorCandle(c.ctx, candle))
		}
	}
	for _, ticker := range f.tickers {
		if _, err := c.markets.PublishTicker(c.ctx, ticker); err != nil {
			observability.Log().Warn("feed ticker publish failed", observability.F("product_id", ticker.ProductID), observability.F("error", err))
		}
		if c.mirror != nil {
			c.mirrorErr("ticker", c.mirror.MirrorTicker(c.ctx, ticker))
		}
	}
	for _, evt := range f.orders {
		if _, err := c.orders.PublishOrder(c.ctx, evt); err != nil {
			observability.Log().Warn("feed order publish failed", observability.F("order_id", evt.OrderID), observability.F("error", err))
		}
		if c.mirror != nil {
			c.mirrorErr("order", c.mirror.MirrorOrder(c.ctx, evt))
		}
	}
}

func (c *Client) mirrorErr(kind string, err error) {
	if err != nil {
		observability.Log().Warn("feed mirror failed", observability.F("kind", kind), observability.F("error", err))
	}
}

func (c *Client) record(channel, result string) {
	if c.messages == nil {
		return
	}
	if channel == "" {
		channel = "unknown"
	}
	c.messages.Add(context.Background(), 1, metric.WithAttributes(telemetry.FeedAttributes(telemetry.Environment(), channel, result)...))
}

func (c *Client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.CloseNow()
	if closed || !current {
		return
	}
	observability.Log().Warn("feed connection lost", observability.F("error", cause))
	markets := c.markets.DisconnectAll(ReasonConnectionLost)
	orders := c.orders.DisconnectAll(ReasonConnectionLost)
	observability.Log().Info("feed handlers disconnected",
		observability.F("market_handlers", markets), observability.F("order_handlers", orders))
	if c.mirror != nil {
		c.mirrorErr("status", c.mirror.MirrorLost(c.ctx, ReasonConnectionLost))
	}
}
