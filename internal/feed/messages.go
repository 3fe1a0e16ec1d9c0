package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

// Channel names of the exchange websocket API.
const (
	channelTicker        = "ticker"
	channelTickerBatch   = "ticker_batch"
	channelCandles       = "candles"
	channelUser          = "user"
	channelHeartbeats    = "heartbeats"
	channelSubscriptions = "subscriptions"
)

type controlRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

type envelope struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Channel   string            `json:"channel"`
	Timestamp string            `json:"timestamp"`
	Events    []json.RawMessage `json:"events"`
}

type tickerEvent struct {
	Type    string       `json:"type"`
	Tickers []tickerWire `json:"tickers"`
}

type tickerWire struct {
	ProductID          string `json:"product_id"`
	Price              string `json:"price"`
	Volume24H          string `json:"volume_24_h"`
	Low24H             string `json:"low_24_h"`
	High24H            string `json:"high_24_h"`
	PricePercentChg24H string `json:"price_percent_chg_24_h"`
	BestBid            string `json:"best_bid"`
	BestAsk            string `json:"best_ask"`
}

type candleEvent struct {
	Type    string       `json:"type"`
	Candles []candleWire `json:"candles"`
}

type candleWire struct {
	Start     string `json:"start"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	ProductID string `json:"product_id"`
}

type userEvent struct {
	Type   string      `json:"type"`
	Orders []orderWire `json:"orders"`
}

type orderWire struct {
	OrderID              string `json:"order_id"`
	ClientOrderID        string `json:"client_order_id"`
	ProductID            string `json:"product_id"`
	Status               string `json:"status"`
	CumulativeQuantity   string `json:"cumulative_quantity"`
	FilledValue          string `json:"filled_value"`
	AvgPrice             string `json:"avg_price"`
	CompletionPercentage string `json:"completion_percentage"`
	TotalFees            string `json:"total_fees"`
	CreationTime         string `json:"creation_time"`
}

// frame is one decoded websocket message.
type frame struct {
	channel string
	tickers []schema.Ticker
	candles []schema.Candle
	orders  []schema.OrderEvent
}

func decodeFrame(data []byte) (frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "error" {
		return frame{}, fmt.Errorf("exchange error: %s", env.Message)
	}
	out := frame{channel: env.Channel}
	ts := parseTimestamp(env.Timestamp)

	for _, raw := range env.Events {
		switch env.Channel {
		case channelTicker, channelTickerBatch:
			var evt tickerEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return frame{}, fmt.Errorf("decode ticker event: %w", err)
			}
			for _, w := range evt.Tickers {
				t, err := w.toSchema(ts)
				if err != nil {
					return frame{}, err
				}
				out.tickers = append(out.tickers, t)
			}
		case channelCandles:
			var evt candleEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return frame{}, fmt.Errorf("decode candle event: %w", err)
			}
			for _, w := range evt.Candles {
				c, err := w.toSchema()
				if err != nil {
					return frame{}, err
				}
				out.candles = append(out.candles, c)
			}
		case channelUser:
			var evt userEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return frame{}, fmt.Errorf("decode user event: %w", err)
			}
			for _, w := range evt.Orders {
				o, err := w.toSchema(ts)
				if err != nil {
					return frame{}, err
				}
				out.orders = append(out.orders, o)
			}
		}
	}
	return out, nil
}

func (w tickerWire) toSchema(ts time.Time) (schema.Ticker, error) {
	var d decoder
	t := schema.Ticker{
		ProductID:             strings.ToUpper(strings.TrimSpace(w.ProductID)),
		Price:                 d.number("price", w.Price),
		Volume24H:             d.number("volume_24_h", w.Volume24H),
		PricePercentChange24H: d.number("price_percent_chg_24_h", w.PricePercentChg24H),
		High24H:               d.number("high_24_h", w.High24H),
		Low24H:                d.number("low_24_h", w.Low24H),
		BestBid:               d.number("best_bid", w.BestBid),
		BestAsk:               d.number("best_ask", w.BestAsk),
		Time:                  ts,
	}
	if d.err != nil {
		return schema.Ticker{}, fmt.Errorf("ticker %s: %w", w.ProductID, d.err)
	}
	return t, nil
}

func (w candleWire) toSchema() (schema.Candle, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(w.Start), 10, 64)
	if err != nil {
		return schema.Candle{}, fmt.Errorf("candle %s start %q: %w", w.ProductID, w.Start, err)
	}
	var d decoder
	c := schema.Candle{
		ProductID: strings.ToUpper(strings.TrimSpace(w.ProductID)),
		Start:     time.Unix(secs, 0).UTC(),
		Open:      d.number("open", w.Open),
		High:      d.number("high", w.High),
		Low:       d.number("low", w.Low),
		Close:     d.number("close", w.Close),
		Volume:    d.number("volume", w.Volume),
	}
	if d.err != nil {
		return schema.Candle{}, fmt.Errorf("candle %s: %w", w.ProductID, d.err)
	}
	return c, nil
}

func (w orderWire) toSchema(ts time.Time) (schema.OrderEvent, error) {
	var d decoder
	o := schema.OrderEvent{
		OrderID:              strings.TrimSpace(w.OrderID),
		ClientOrderID:        w.ClientOrderID,
		ProductID:            strings.ToUpper(strings.TrimSpace(w.ProductID)),
		Status:               schema.NormalizeExecutionStatus(w.Status),
		FilledSize:           d.number("cumulative_quantity", w.CumulativeQuantity),
		FilledValue:          d.number("filled_value", w.FilledValue),
		AverageFilledPrice:   d.number("avg_price", w.AvgPrice),
		CompletionPercentage: d.number("completion_percentage", w.CompletionPercentage),
		TotalFees:            d.number("total_fees", w.TotalFees),
		Time:                 ts,
	}
	if d.err != nil {
		return schema.OrderEvent{}, fmt.Errorf("order %s: %w", w.OrderID, d.err)
	}
	if o.OrderID == "" {
		return schema.OrderEvent{}, fmt.Errorf("order without order_id")
	}
	if o.Time.IsZero() {
		o.Time = parseTimestamp(w.CreationTime)
	}
	return o, nil
}

// decoder parses exchange decimal strings, keeping the first failure.
type decoder struct {
	err error
}

func (d *decoder) number(field, raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || d.err != nil {
		return 0
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		d.err = fmt.Errorf("%s %q: %w", field, raw, err)
		return 0
	}
	return v.InexactFloat64()
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
