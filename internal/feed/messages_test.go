package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

func TestDecodeTickerFrame(t *testing.T) {
	data := []byte(`{"channel":"ticker","timestamp":"2024-05-01T12:00:00.5Z","sequence_num":3,
		"events":[{"type":"update","tickers":[{"type":"ticker","product_id":"btc-usd","price":"51000.25",
		"volume_24_h":"1200.5","low_24_h":"49000","high_24_h":"52000","price_percent_chg_24_h":"-1.5",
		"best_bid":"50999.5","best_ask":"51001"}]}]}`)

	f, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if f.channel != channelTicker || len(f.tickers) != 1 {
		t.Fatalf("unexpected frame %+v", f)
	}
	got := f.tickers[0]
	want := schema.Ticker{
		ProductID:             "BTC-USD",
		Price:                 51000.25,
		Volume24H:             1200.5,
		PricePercentChange24H: -1.5,
		High24H:               52000,
		Low24H:                49000,
		BestBid:               50999.5,
		BestAsk:               51001,
		Time:                  time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC),
	}
	if got != want {
		t.Fatalf("unexpected ticker\n got %+v\nwant %+v", got, want)
	}
}

func TestDecodeCandleFrame(t *testing.T) {
	data := []byte(`{"channel":"candles","events":[{"type":"snapshot","candles":[
		{"start":"1714564800","high":"10","low":"8","open":"9","close":"9.5","volume":"100","product_id":"ETH-USD"},
		{"start":"1714565100","high":"11","low":"9","open":"9.5","close":"10.5","volume":"50","product_id":"ETH-USD"}]}]}`)

	f, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(f.candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(f.candles))
	}
	c := f.candles[1]
	if !c.Start.Equal(time.Unix(1714565100, 0)) || c.Close != 10.5 || c.Volume != 50 || c.ProductID != "ETH-USD" {
		t.Fatalf("unexpected candle %+v", c)
	}
}

func TestDecodeUserFrame(t *testing.T) {
	data := []byte(`{"channel":"user","timestamp":"2024-05-01T12:00:00Z","events":[{"type":"update","orders":[
		{"order_id":"abc-1","client_order_id":"c1","product_id":"BTC-USD","status":"filled",
		"cumulative_quantity":"0.5","filled_value":"25000","avg_price":"50000",
		"completion_percentage":"100","total_fees":"12.5"}]}]}`)

	f, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(f.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(f.orders))
	}
	o := f.orders[0]
	if o.OrderID != "abc-1" || o.Status != schema.StatusFilled || o.FilledSize != 0.5 ||
		o.FilledValue != 25000 || o.AverageFilledPrice != 50000 || o.CompletionPercentage != 100 || o.TotalFees != 12.5 {
		t.Fatalf("unexpected order %+v", o)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"garbage", `not json`, "decode envelope"},
		{"exchange error", `{"type":"error","message":"authentication failure"}`, "authentication failure"},
		{"bad decimal", `{"channel":"ticker","events":[{"tickers":[{"product_id":"BTC-USD","price":"abc"}]}]}`, "price"},
		{"bad candle start", `{"channel":"candles","events":[{"candles":[{"start":"soon","product_id":"BTC-USD"}]}]}`, "start"},
		{"order without id", `{"channel":"user","events":[{"orders":[{"status":"OPEN"}]}]}`, "order_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeHeartbeatIsEmpty(t *testing.T) {
	f, err := decodeFrame([]byte(`{"channel":"heartbeats","events":[{"current_time":"now","heartbeat_counter":4}]}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(f.tickers)+len(f.candles)+len(f.orders) != 0 {
		t.Fatalf("expected no payload in heartbeat frame, got %+v", f)
	}
}
