// Package schema defines the wait request, feed payload, and response types.
package schema

import (
	"time"
)

// Ticker is a single real-time market-state update for a product.
type Ticker struct {
	ProductID             string    `json:"productId"`
	Price                 float64   `json:"price"`
	Volume24H             float64   `json:"volume24h"`
	PricePercentChange24H float64   `json:"pricePercentChange24h"`
	High24H               float64   `json:"high24h"`
	Low24H                float64   `json:"low24h"`
	BestBid               float64   `json:"bestBid"`
	BestAsk               float64   `json:"bestAsk"`
	Time                  time.Time `json:"time"`
}

// Value returns the raw ticker value for the field. The second result is false when
// the field is not a ticker field.
func (t Ticker) Value(field Field) (float64, bool) {
	switch field {
	case FieldPrice:
		return t.Price, true
	case FieldVolume24H:
		return t.Volume24H, true
	case FieldPricePercentChange24H:
		return t.PricePercentChange24H, true
	case FieldHigh24H:
		return t.High24H, true
	case FieldLow24H:
		return t.Low24H, true
	case FieldBestBid:
		return t.BestBid, true
	case FieldBestAsk:
		return t.BestAsk, true
	case FieldSpread:
		return t.BestAsk - t.BestBid, true
	default:
		return 0, false
	}
}

// Candle is one OHLCV bar.
type Candle struct {
	ProductID string    `json:"productId,omitempty"`
	Start     time.Time `json:"start"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MarketSnapshot is what a market pool hands to each subscriber: the latest ticker
// plus the rolling candle buffer at the time of delivery, oldest candle first.
type MarketSnapshot struct {
	Ticker  Ticker   `json:"ticker"`
	Candles []Candle `json:"candles,omitempty"`
}

// Clone returns a snapshot whose candle slice is not shared with the receiver.
func (s MarketSnapshot) Clone() MarketSnapshot {
	out := s
	if len(s.Candles) > 0 {
		out.Candles = make([]Candle, len(s.Candles))
		copy(out.Candles, s.Candles)
	}
	return out
}
