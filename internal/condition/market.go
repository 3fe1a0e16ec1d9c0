package condition

import "github.com/coachpo/eventwait/internal/domain/schema"

// IndicatorEngine turns a candle series into the latest scalar of an indicator field.
type IndicatorEngine interface {
	Compute(candles []schema.Candle, field schema.Field, params schema.IndicatorParams) (float64, bool)
}

// MarketEvaluator evaluates conditions against market snapshots.
type MarketEvaluator struct {
	indicators IndicatorEngine
}

// NewMarketEvaluator builds an evaluator resolving indicator fields through engine.
// A nil engine leaves every indicator condition unresolved.
func NewMarketEvaluator(engine IndicatorEngine) *MarketEvaluator {
	return &MarketEvaluator{indicators: engine}
}

// Evaluate produces one result per condition, in condition order. previous is nil on
// the first message a subscription sees.
func (e *MarketEvaluator) Evaluate(current schema.MarketSnapshot, previous *schema.MarketSnapshot, conditions []schema.Condition) []schema.ConditionResult {
	results := make([]schema.ConditionResult, len(conditions))
	for i, cond := range conditions {
		actual := e.resolve(current, cond)
		var prior *float64
		if previous != nil {
			prior = e.resolve(*previous, cond)
		}
		results[i] = numericResult(cond, actual, prior)
	}
	return results
}

func (e *MarketEvaluator) resolve(snap schema.MarketSnapshot, cond schema.Condition) *float64 {
	if cond.Field.IsIndicator() {
		if e == nil || e.indicators == nil {
			return nil
		}
		v, ok := e.indicators.Compute(snap.Candles, cond.Field, cond.Params.Resolve(cond.Field))
		if !ok {
			return nil
		}
		return &v
	}
	v, ok := snap.Ticker.Value(cond.Field)
	if !ok {
		return nil
	}
	return &v
}
