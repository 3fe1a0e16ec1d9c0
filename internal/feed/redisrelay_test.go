package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/pool"
)

var testChannels = RelayChannels{
	Ticker:   "t",
	Candle:   "c",
	Order:    "o",
	Interest: "i",
	Status:   "s",
}

func TestRelayDispatchPublishesIntoPools(t *testing.T) {
	markets := pool.NewMarketPool(pool.Config{})
	orders := pool.NewOrderPool(pool.Config{})
	relay := NewRedisRelay(nil, testChannels, markets, orders)

	var snaps []schema.MarketSnapshot
	if _, err := markets.Subscribe("BTC-USD", func(s schema.MarketSnapshot) { snaps = append(snaps, s) }, func(string) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var events []schema.OrderEvent
	if _, err := orders.Subscribe("ord-1", func(e schema.OrderEvent) { events = append(events, e) }, func(string) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	if err := relay.dispatch(ctx, "c", []byte(`{"productId":"BTC-USD","start":"2024-05-01T12:00:00Z","close":10}`)); err != nil {
		t.Fatalf("dispatch candle: %v", err)
	}
	if err := relay.dispatch(ctx, "t", []byte(`{"productId":"BTC-USD","price":51000}`)); err != nil {
		t.Fatalf("dispatch ticker: %v", err)
	}
	if err := relay.dispatch(ctx, "o", []byte(`{"orderId":"ord-1","status":"filled"}`)); err != nil {
		t.Fatalf("dispatch order: %v", err)
	}

	if len(snaps) != 1 || snaps[0].Ticker.Price != 51000 || len(snaps[0].Candles) != 1 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if len(events) != 1 || events[0].Status != schema.StatusFilled {
		t.Fatalf("unexpected order events %+v", events)
	}
}

func TestRelayDispatchRejectsBadInput(t *testing.T) {
	relay := NewRedisRelay(nil, testChannels, pool.NewMarketPool(pool.Config{}), pool.NewOrderPool(pool.Config{}))
	if err := relay.dispatch(context.Background(), "t", []byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := relay.dispatch(context.Background(), "elsewhere", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown channel error")
	}
}

func TestApplyInterest(t *testing.T) {
	w := &stubWatcher{}
	ctx := context.Background()
	if err := applyInterest(ctx, w, []byte(`{"kind":"product","productId":"ETH-USD"}`)); err != nil {
		t.Fatalf("applyInterest product: %v", err)
	}
	if err := applyInterest(ctx, w, []byte(`{"kind":"orders"}`)); err != nil {
		t.Fatalf("applyInterest orders: %v", err)
	}
	if len(w.products) != 1 || w.products[0] != "ETH-USD" || w.orders != 1 {
		t.Fatalf("unexpected watcher state %+v", w)
	}
	if err := applyInterest(ctx, w, []byte(`{"kind":"everything"}`)); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestRelayStatusDisconnectsWithPublisherReason(t *testing.T) {
	markets := pool.NewMarketPool(pool.Config{})
	orders := pool.NewOrderPool(pool.Config{})
	relay := NewRedisRelay(nil, testChannels, markets, orders)

	var reasons []string
	if _, err := markets.Subscribe("BTC-USD", func(schema.MarketSnapshot) {}, func(r string) { reasons = append(reasons, r) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := orders.Subscribe("ord-1", func(schema.OrderEvent) {}, func(r string) { reasons = append(reasons, r) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := relay.dispatch(context.Background(), "s", []byte(`{"reason":"WebSocket connection lost"}`)); err != nil {
		t.Fatalf("dispatch status: %v", err)
	}
	if len(reasons) != 2 || reasons[0] != ReasonConnectionLost || reasons[1] != ReasonConnectionLost {
		t.Fatalf("expected both handlers told the connection was lost, got %v", reasons)
	}
	if err := relay.dispatch(context.Background(), "s", []byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRelayHealthCheckDisconnectsWhileRedisIsDown(t *testing.T) {
	markets := pool.NewMarketPool(pool.Config{})
	orders := pool.NewOrderPool(pool.Config{})
	relay := NewRedisRelay(nil, testChannels, markets, orders)

	var pingErr error
	relay.ping = func(context.Context) error { return pingErr }

	var reasons []string
	onDisconnect := func(r string) { reasons = append(reasons, r) }
	if _, err := markets.Subscribe("BTC-USD", func(schema.MarketSnapshot) {}, onDisconnect); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	relay.checkHealth(ctx)
	if len(reasons) != 0 || relay.down {
		t.Fatalf("healthy ping must not disconnect, got %v", reasons)
	}

	pingErr = errors.New("connection refused")
	relay.checkHealth(ctx)
	if len(reasons) != 1 || reasons[0] != ReasonRelayLost || !relay.down {
		t.Fatalf("expected relay lost disconnect, got %v down=%v", reasons, relay.down)
	}

	if _, err := orders.Subscribe("ord-2", func(schema.OrderEvent) {}, onDisconnect); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	relay.checkHealth(ctx)
	if len(reasons) != 2 {
		t.Fatalf("expected waits registered during the outage to fail, got %v", reasons)
	}

	pingErr = nil
	relay.checkHealth(ctx)
	if relay.down {
		t.Fatalf("expected relay to recover")
	}
	if stats := markets.Stats(); stats.Handlers != 0 {
		t.Fatalf("expected disconnected handlers detached, got %+v", stats)
	}
}
