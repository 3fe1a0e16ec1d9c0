package schema

import (
	"fmt"
	"strings"

	"github.com/coachpo/eventwait/errs"
)

// Operator names a threshold comparison.
type Operator string

const (
	// OperatorGT is satisfied when the actual value is strictly greater than the threshold.
	OperatorGT Operator = "GT"
	// OperatorGTE is satisfied when the actual value is greater than or equal to the threshold.
	OperatorGTE Operator = "GTE"
	// OperatorLT is satisfied when the actual value is strictly lower than the threshold.
	OperatorLT Operator = "LT"
	// OperatorLTE is satisfied when the actual value is lower than or equal to the threshold.
	OperatorLTE Operator = "LTE"
	// OperatorCrossAbove is satisfied on the observation that moves from at-or-below to above the threshold.
	OperatorCrossAbove Operator = "CROSS_ABOVE"
	// OperatorCrossBelow is satisfied on the observation that moves from at-or-above to below the threshold.
	OperatorCrossBelow Operator = "CROSS_BELOW"
)

// Valid reports whether the operator is one of the supported comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGT, OperatorGTE, OperatorLT, OperatorLTE, OperatorCrossAbove, OperatorCrossBelow:
		return true
	default:
		return false
	}
}

// ConditionLogic controls how a subscription combines its conditions.
type ConditionLogic string

const (
	// LogicAny triggers when at least one condition holds.
	LogicAny ConditionLogic = "ANY"
	// LogicAll triggers only when every condition holds.
	LogicAll ConditionLogic = "ALL"
)

// NormalizeLogic upper-cases the logic and defaults blanks to ANY.
func NormalizeLogic(logic ConditionLogic) ConditionLogic {
	trimmed := strings.ToUpper(strings.TrimSpace(string(logic)))
	if trimmed == "" {
		return LogicAny
	}
	return ConditionLogic(trimmed)
}

// Valid reports whether the logic is ANY or ALL.
func (l ConditionLogic) Valid() bool {
	return l == LogicAny || l == LogicAll
}

// Field identifies the value a condition inspects.
type Field string

// Raw ticker fields.
const (
	FieldPrice                 Field = "PRICE"
	FieldVolume24H             Field = "VOLUME_24H"
	FieldPricePercentChange24H Field = "PRICE_PERCENT_CHANGE_24H"
	FieldHigh24H               Field = "HIGH_24H"
	FieldLow24H                Field = "LOW_24H"
	FieldBestBid               Field = "BEST_BID"
	FieldBestAsk               Field = "BEST_ASK"
	FieldSpread                Field = "SPREAD"
)

// Indicator fields computed from the rolling candle buffer.
const (
	FieldSMA             Field = "SMA"
	FieldEMA             Field = "EMA"
	FieldRSI             Field = "RSI"
	FieldMACD            Field = "MACD"
	FieldMACDSignal      Field = "MACD_SIGNAL"
	FieldMACDHistogram   Field = "MACD_HISTOGRAM"
	FieldBollingerUpper  Field = "BOLLINGER_UPPER"
	FieldBollingerMiddle Field = "BOLLINGER_MIDDLE"
	FieldBollingerLower  Field = "BOLLINGER_LOWER"
	FieldATR             Field = "ATR"
)

// Order lifecycle fields.
const (
	FieldStatus               Field = "STATUS"
	FieldFilledSize           Field = "FILLED_SIZE"
	FieldFilledValue          Field = "FILLED_VALUE"
	FieldAverageFilledPrice   Field = "AVERAGE_FILLED_PRICE"
	FieldCompletionPercentage Field = "COMPLETION_PERCENTAGE"
	FieldTotalFees            Field = "TOTAL_FEES"
)

var (
	tickerFields = map[Field]struct{}{
		FieldPrice: {}, FieldVolume24H: {}, FieldPricePercentChange24H: {}, FieldHigh24H: {},
		FieldLow24H: {}, FieldBestBid: {}, FieldBestAsk: {}, FieldSpread: {},
	}
	indicatorFields = map[Field]struct{}{
		FieldSMA: {}, FieldEMA: {}, FieldRSI: {}, FieldMACD: {}, FieldMACDSignal: {},
		FieldMACDHistogram: {}, FieldBollingerUpper: {}, FieldBollingerMiddle: {},
		FieldBollingerLower: {}, FieldATR: {},
	}
	orderNumericFields = map[Field]struct{}{
		FieldFilledSize: {}, FieldFilledValue: {}, FieldAverageFilledPrice: {},
		FieldCompletionPercentage: {}, FieldTotalFees: {},
	}
)

// IsIndicator reports whether the field is derived from candles rather than read from the ticker.
func (f Field) IsIndicator() bool {
	_, ok := indicatorFields[f]
	return ok
}

// IsMarket reports whether the field can be used on a market subscription.
func (f Field) IsMarket() bool {
	if _, ok := tickerFields[f]; ok {
		return true
	}
	return f.IsIndicator()
}

// IsOrderNumeric reports whether the field is a numeric order lifecycle value.
func (f Field) IsOrderNumeric() bool {
	_, ok := orderNumericFields[f]
	return ok
}

// IndicatorParams tunes indicator computation. Zero values take per-indicator defaults.
type IndicatorParams struct {
	Period       int     `json:"period,omitempty"`
	FastPeriod   int     `json:"fastPeriod,omitempty"`
	SlowPeriod   int     `json:"slowPeriod,omitempty"`
	SignalPeriod int     `json:"signalPeriod,omitempty"`
	StdDev       float64 `json:"stdDev,omitempty"`
}

// Resolve fills unset parameters with the defaults for the given indicator field.
func (p *IndicatorParams) Resolve(field Field) IndicatorParams {
	var out IndicatorParams
	if p != nil {
		out = *p
	}
	switch field {
	case FieldRSI, FieldATR:
		if out.Period <= 0 {
			out.Period = 14
		}
	case FieldSMA, FieldEMA:
		if out.Period <= 0 {
			out.Period = 20
		}
	case FieldMACD, FieldMACDSignal, FieldMACDHistogram:
		if out.FastPeriod <= 0 {
			out.FastPeriod = 12
		}
		if out.SlowPeriod <= 0 {
			out.SlowPeriod = 26
		}
		if out.SignalPeriod <= 0 {
			out.SignalPeriod = 9
		}
	case FieldBollingerUpper, FieldBollingerMiddle, FieldBollingerLower:
		if out.Period <= 0 {
			out.Period = 20
		}
		if out.StdDev <= 0 {
			out.StdDev = 2
		}
	}
	return out
}

// Condition is one atomic test. Threshold conditions carry Operator and Value;
// status conditions carry TargetStatus and no operator.
type Condition struct {
	Field        Field             `json:"field"`
	Operator     Operator          `json:"operator,omitempty"`
	Value        float64           `json:"value,omitempty"`
	TargetStatus []ExecutionStatus `json:"targetStatus,omitempty"`
	Params       *IndicatorParams  `json:"params,omitempty"`
}

// IsStatus reports whether the condition is a set-membership test on order status.
func (c Condition) IsStatus() bool {
	return c.Field == FieldStatus
}

func (c Condition) validateMarket() error {
	if !c.Field.IsMarket() {
		return errs.Invalid("schema/condition", fmt.Sprintf("field %q not supported on market subscriptions", c.Field))
	}
	if len(c.TargetStatus) > 0 {
		return errs.Invalid("schema/condition", "targetStatus only applies to order status conditions")
	}
	if !c.Operator.Valid() {
		return errs.Invalid("schema/condition", fmt.Sprintf("unsupported operator %q", c.Operator))
	}
	if c.Params != nil && !c.Field.IsIndicator() {
		return errs.Invalid("schema/condition", fmt.Sprintf("params not supported for field %q", c.Field))
	}
	if c.Field.IsIndicator() {
		p := c.Params.Resolve(c.Field)
		if p.FastPeriod > 0 && p.SlowPeriod > 0 && p.FastPeriod >= p.SlowPeriod {
			return errs.Invalid("schema/condition", "fastPeriod must be lower than slowPeriod")
		}
		if p.Period < 0 || p.SignalPeriod < 0 || p.StdDev < 0 {
			return errs.Invalid("schema/condition", "indicator params must be positive")
		}
	}
	return nil
}

func (c Condition) validateOrder() error {
	if c.IsStatus() {
		if c.Operator != "" {
			return errs.Invalid("schema/condition", "status conditions take targetStatus, not an operator")
		}
		if len(c.TargetStatus) == 0 {
			return errs.Invalid("schema/condition", "status condition requires targetStatus")
		}
		for _, status := range c.TargetStatus {
			if !status.Valid() {
				return errs.Invalid("schema/condition", fmt.Sprintf("unknown execution status %q", status))
			}
		}
		return nil
	}
	if !c.Field.IsOrderNumeric() {
		return errs.Invalid("schema/condition", fmt.Sprintf("field %q not supported on order subscriptions", c.Field))
	}
	if len(c.TargetStatus) > 0 {
		return errs.Invalid("schema/condition", "targetStatus only applies to order status conditions")
	}
	if !c.Operator.Valid() {
		return errs.Invalid("schema/condition", fmt.Sprintf("unsupported operator %q", c.Operator))
	}
	if c.Params != nil {
		return errs.Invalid("schema/condition", "params only apply to indicator fields")
	}
	return nil
}

// CombineVerdicts folds per-condition verdicts under the logic. An empty list never holds.
func CombineVerdicts(logic ConditionLogic, verdicts []bool) bool {
	if len(verdicts) == 0 {
		return false
	}
	if logic == LogicAll {
		for _, v := range verdicts {
			if !v {
				return false
			}
		}
		return true
	}
	for _, v := range verdicts {
		if v {
			return true
		}
	}
	return false
}
