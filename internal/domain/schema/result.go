package schema

// ConditionResult is the per-condition verdict with enough detail for a caller to see
// why a wait is still pending. ActualValue is nil until a value could be resolved.
type ConditionResult struct {
	Field        Field             `json:"field"`
	Operator     Operator          `json:"operator,omitempty"`
	Threshold    *float64          `json:"threshold,omitempty"`
	TargetStatus []ExecutionStatus `json:"targetStatus,omitempty"`
	ActualValue  *float64          `json:"actualValue"`
	ActualStatus ExecutionStatus   `json:"actualStatus,omitempty"`
	Triggered    bool              `json:"triggered"`
}

// SubscriptionResult is the latest evaluated outcome of one subscription.
type SubscriptionResult struct {
	Type       SubscriptionType  `json:"type"`
	ProductID  string            `json:"productId,omitempty"`
	OrderID    string            `json:"orderId,omitempty"`
	Logic      ConditionLogic    `json:"logic"`
	Triggered  bool              `json:"triggered"`
	Conditions []ConditionResult `json:"conditions"`
}

// PendingResult builds the result reported before any feed message arrived.
func PendingResult(cfg SubscriptionConfig) SubscriptionResult {
	conditions := make([]ConditionResult, len(cfg.Conditions))
	for i, cond := range cfg.Conditions {
		conditions[i] = NewConditionResult(cond)
	}
	return SubscriptionResult{
		Type:       cfg.Type,
		ProductID:  cfg.ProductID,
		OrderID:    cfg.OrderID,
		Logic:      cfg.Logic,
		Triggered:  false,
		Conditions: conditions,
	}
}

// NewConditionResult seeds a result record from its condition with no actual value.
func NewConditionResult(cond Condition) ConditionResult {
	res := ConditionResult{Field: cond.Field}
	if cond.IsStatus() {
		res.TargetStatus = append([]ExecutionStatus(nil), cond.TargetStatus...)
		return res
	}
	threshold := cond.Value
	res.Operator = cond.Operator
	res.Threshold = &threshold
	return res
}

// Clone deep-copies the result so callers cannot observe later mutation.
func (r SubscriptionResult) Clone() SubscriptionResult {
	out := r
	out.Conditions = make([]ConditionResult, len(r.Conditions))
	for i, cond := range r.Conditions {
		c := cond
		if cond.Threshold != nil {
			v := *cond.Threshold
			c.Threshold = &v
		}
		if cond.ActualValue != nil {
			v := *cond.ActualValue
			c.ActualValue = &v
		}
		if len(cond.TargetStatus) > 0 {
			c.TargetStatus = append([]ExecutionStatus(nil), cond.TargetStatus...)
		}
		out.Conditions[i] = c
	}
	return out
}
