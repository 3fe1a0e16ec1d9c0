package schema

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/coachpo/eventwait/errs"
)

func marketConfig(conds ...Condition) SubscriptionConfig {
	return SubscriptionConfig{Type: SubscriptionMarket, ProductID: "BTC-USD", Conditions: conds, Logic: LogicAny}
}

func TestSubscriptionConfigNormalize(t *testing.T) {
	cfg := SubscriptionConfig{
		Type:      " market ",
		ProductID: " btc-usd ",
		Conditions: []Condition{
			{Field: "price", Operator: "cross_above", Value: 50000},
		},
	}
	got := cfg.Normalize()
	if got.Type != SubscriptionMarket {
		t.Fatalf("expected MARKET type, got %q", got.Type)
	}
	if got.ProductID != "BTC-USD" {
		t.Fatalf("expected upper-cased product, got %q", got.ProductID)
	}
	if got.Logic != LogicAny {
		t.Fatalf("expected default ANY logic, got %q", got.Logic)
	}
	if got.Conditions[0].Field != FieldPrice || got.Conditions[0].Operator != OperatorCrossAbove {
		t.Fatalf("unexpected normalised condition %+v", got.Conditions[0])
	}
	if cfg.Conditions[0].Field != "price" {
		t.Fatalf("normalize must not mutate the caller's config")
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestSubscriptionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SubscriptionConfig
		wantErr string
	}{
		{
			name: "market price ok",
			cfg:  marketConfig(Condition{Field: FieldPrice, Operator: OperatorGT, Value: 1}),
		},
		{
			name: "market indicator with params",
			cfg:  marketConfig(Condition{Field: FieldRSI, Operator: OperatorLT, Value: 30, Params: &IndicatorParams{Period: 7}}),
		},
		{
			name:    "missing product",
			cfg:     SubscriptionConfig{Type: SubscriptionMarket, Logic: LogicAny, Conditions: []Condition{{Field: FieldPrice, Operator: OperatorGT}}},
			wantErr: "productId required",
		},
		{
			name:    "no conditions",
			cfg:     marketConfig(),
			wantErr: "at least one condition",
		},
		{
			name:    "unknown operator",
			cfg:     marketConfig(Condition{Field: FieldPrice, Operator: "EQ", Value: 1}),
			wantErr: "unsupported operator",
		},
		{
			name:    "status on market",
			cfg:     marketConfig(Condition{Field: FieldStatus, TargetStatus: []ExecutionStatus{StatusFilled}}),
			wantErr: "not supported on market",
		},
		{
			name:    "params on raw field",
			cfg:     marketConfig(Condition{Field: FieldPrice, Operator: OperatorGT, Params: &IndicatorParams{Period: 3}}),
			wantErr: "params not supported",
		},
		{
			name:    "macd fast not below slow",
			cfg:     marketConfig(Condition{Field: FieldMACD, Operator: OperatorGT, Params: &IndicatorParams{FastPeriod: 30, SlowPeriod: 26}}),
			wantErr: "fastPeriod",
		},
		{
			name: "order status ok",
			cfg: SubscriptionConfig{Type: SubscriptionOrder, OrderID: "o-1", Logic: LogicAll, Conditions: []Condition{
				{Field: FieldStatus, TargetStatus: []ExecutionStatus{StatusFilled, StatusCancelled}},
				{Field: FieldFilledSize, Operator: OperatorGTE, Value: 0.5},
			}},
		},
		{
			name:    "order status without targets",
			cfg:     SubscriptionConfig{Type: SubscriptionOrder, OrderID: "o-1", Logic: LogicAny, Conditions: []Condition{{Field: FieldStatus}}},
			wantErr: "requires targetStatus",
		},
		{
			name:    "order status with operator",
			cfg:     SubscriptionConfig{Type: SubscriptionOrder, OrderID: "o-1", Logic: LogicAny, Conditions: []Condition{{Field: FieldStatus, Operator: OperatorGT, TargetStatus: []ExecutionStatus{StatusOpen}}}},
			wantErr: "not an operator",
		},
		{
			name:    "order unknown status",
			cfg:     SubscriptionConfig{Type: SubscriptionOrder, OrderID: "o-1", Logic: LogicAny, Conditions: []Condition{{Field: FieldStatus, TargetStatus: []ExecutionStatus{"DONE"}}}},
			wantErr: "unknown execution status",
		},
		{
			name:    "order market field",
			cfg:     SubscriptionConfig{Type: SubscriptionOrder, OrderID: "o-1", Logic: LogicAny, Conditions: []Condition{{Field: FieldPrice, Operator: OperatorGT}}},
			wantErr: "not supported on order",
		},
		{
			name:    "missing order id",
			cfg:     SubscriptionConfig{Type: SubscriptionOrder, Logic: LogicAny, Conditions: []Condition{{Field: FieldFilledSize, Operator: OperatorGT}}},
			wantErr: "orderId required",
		},
		{
			name:    "bad logic",
			cfg:     SubscriptionConfig{Type: SubscriptionMarket, ProductID: "ETH-USD", Logic: "SOME", Conditions: []Condition{{Field: FieldPrice, Operator: OperatorGT}}},
			wantErr: "unsupported logic",
		},
		{
			name:    "bad type",
			cfg:     SubscriptionConfig{Type: "POSITION", Logic: LogicAny, Conditions: []Condition{{Field: FieldPrice, Operator: OperatorGT}}},
			wantErr: "unsupported subscription type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, errs.New("", errs.CodeInvalid)) {
				t.Fatalf("expected invalid_request code, got %v", err)
			}
		})
	}
}

func TestWaitRequestValidate(t *testing.T) {
	valid := marketConfig(Condition{Field: FieldPrice, Operator: OperatorGT, Value: 1})
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: 10}).Validate(60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (WaitRequest{Timeout: 10}).Validate(60); err == nil {
		t.Fatalf("expected error for empty subscriptions")
	}
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}}).Validate(60); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: 61}).Validate(60); err == nil {
		t.Fatalf("expected error above timeout ceiling")
	}
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: 3600}).Validate(0); err != nil {
		t.Fatalf("expected ceiling disabled with maxTimeout=0, got %v", err)
	}
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: MaxTimeoutSeconds}).Validate(0); err != nil {
		t.Fatalf("expected largest representable timeout accepted, got %v", err)
	}
	huge := WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: math.MaxInt64}
	if err := huge.Validate(0); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected overflowing timeout rejected without a ceiling, got %v", err)
	}
	if err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid}, Timeout: MaxTimeoutSeconds + 1}).Validate(-1); err == nil {
		t.Fatalf("expected timeout past time.Duration range rejected")
	}
	bad := valid
	bad.Conditions = nil
	err := (WaitRequest{Subscriptions: []SubscriptionConfig{valid, bad}, Timeout: 5}).Validate(60)
	if err == nil || !strings.Contains(err.Error(), "subscription 1") {
		t.Fatalf("expected indexed subscription error, got %v", err)
	}
}

func TestIndicatorParamsResolveDefaults(t *testing.T) {
	var nilParams *IndicatorParams
	if got := nilParams.Resolve(FieldRSI); got.Period != 14 {
		t.Fatalf("expected RSI default 14, got %d", got.Period)
	}
	macd := (&IndicatorParams{FastPeriod: 5}).Resolve(FieldMACDHistogram)
	if macd.FastPeriod != 5 || macd.SlowPeriod != 26 || macd.SignalPeriod != 9 {
		t.Fatalf("unexpected MACD params %+v", macd)
	}
	bb := nilParams.Resolve(FieldBollingerLower)
	if bb.Period != 20 || bb.StdDev != 2 {
		t.Fatalf("unexpected bollinger params %+v", bb)
	}
}

func TestCombineVerdicts(t *testing.T) {
	if CombineVerdicts(LogicAny, nil) || CombineVerdicts(LogicAll, nil) {
		t.Fatalf("empty verdicts must never hold")
	}
	if !CombineVerdicts(LogicAny, []bool{false, true}) {
		t.Fatalf("ANY should hold with one true verdict")
	}
	if CombineVerdicts(LogicAll, []bool{true, false}) {
		t.Fatalf("ALL should fail with one false verdict")
	}
	if !CombineVerdicts(LogicAll, []bool{true, true}) {
		t.Fatalf("ALL should hold when every verdict is true")
	}
}
