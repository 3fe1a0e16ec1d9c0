// Package indicator computes technical indicators over a candle series.
//
// Every function returns the latest scalar and a flag reporting whether the series
// was long enough to produce it. Inputs are never mutated. The series math runs on
// github.com/cinar/indicator/v2 streams.
package indicator

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

// Engine resolves indicator fields against a candle buffer. It holds no state.
type Engine struct{}

// Compute returns the latest value of the indicator field over candles, oldest first.
func (Engine) Compute(candles []schema.Candle, field schema.Field, params schema.IndicatorParams) (float64, bool) {
	switch field {
	case schema.FieldSMA:
		return SMA(Closes(candles), params.Period)
	case schema.FieldEMA:
		return EMA(Closes(candles), params.Period)
	case schema.FieldRSI:
		return RSI(Closes(candles), params.Period)
	case schema.FieldMACD, schema.FieldMACDSignal, schema.FieldMACDHistogram:
		line, signal, hist, ok := MACD(Closes(candles), params.FastPeriod, params.SlowPeriod, params.SignalPeriod)
		if !ok {
			return 0, false
		}
		switch field {
		case schema.FieldMACD:
			return line, true
		case schema.FieldMACDSignal:
			return signal, true
		default:
			return hist, true
		}
	case schema.FieldBollingerUpper, schema.FieldBollingerMiddle, schema.FieldBollingerLower:
		upper, middle, lower, ok := Bollinger(Closes(candles), params.Period, params.StdDev)
		if !ok {
			return 0, false
		}
		switch field {
		case schema.FieldBollingerUpper:
			return upper, true
		case schema.FieldBollingerMiddle:
			return middle, true
		default:
			return lower, true
		}
	case schema.FieldATR:
		return ATR(candles, params.Period)
	default:
		return 0, false
	}
}

// Closes extracts close prices.
func Closes(candles []schema.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return last(trend.NewSmaWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
}

// EMA is the exponential moving average seeded with the SMA of the first period values.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return last(trend.NewEmaWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
}

// RSI is Wilder's relative strength index. It needs period+1 values. A series with no
// movement at all reads 50.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}
	v, ok := last(momentum.NewRsiWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
	if !ok {
		return 0, false
	}
	switch {
	case math.IsNaN(v):
		return 50, true
	case math.IsInf(v, 0):
		return 100, true
	}
	return v, true
}

// MACD returns the MACD line, its signal line, and the histogram.
// It needs slow+signal-1 values.
func MACD(values []float64, fast, slow, signal int) (float64, float64, float64, bool) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return 0, 0, 0, false
	}
	if len(values) < slow+signal-1 {
		return 0, 0, 0, false
	}
	lines, signals := trend.NewMacdWithPeriod[float64](fast, slow, signal).Compute(helper.SliceToChan(values))
	out, ok := lastOf(lines, signals)
	if !ok {
		return 0, 0, 0, false
	}
	return out[0], out[1], out[0] - out[1], true
}

// Bollinger returns the upper, middle, and lower bands k population standard
// deviations around the SMA.
func Bollinger(values []float64, period int, k float64) (float64, float64, float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0, false
	}
	uppers, middles, lowers := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(helper.SliceToChan(values))
	out, ok := lastOf(uppers, middles, lowers)
	if !ok {
		return 0, 0, 0, false
	}
	// The library draws its bands two deviations out.
	middle := out[1]
	sd := (out[0] - middle) / 2
	return middle + k*sd, middle, middle - k*sd, true
}

// ATR is Wilder's average true range. It needs period+1 candles.
//
// The true range is taken against the previous close so gaps between candles count;
// the library's RMA does the smoothing.
func ATR(candles []schema.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	ranges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prevClose := candles[i], candles[i-1].Close
		ranges = append(ranges, math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose))))
	}
	return last(trend.NewRmaWithPeriod[float64](period).Compute(helper.SliceToChan(ranges)))
}

// last drains c and returns its final value.
func last(c <-chan float64) (float64, bool) {
	var v float64
	ok := false
	for n := range c {
		v, ok = n, true
	}
	return v, ok
}

// lastOf drains every stream concurrently; streams split from one input stall if they
// are read one after another.
func lastOf(streams ...<-chan float64) ([]float64, bool) {
	values := make([]float64, len(streams))
	oks := make([]bool, len(streams))
	var wg conc.WaitGroup
	for i, c := range streams {
		wg.Go(func() { values[i], oks[i] = last(c) })
	}
	wg.Wait()
	for _, ok := range oks {
		if !ok {
			return nil, false
		}
	}
	return values, true
}
