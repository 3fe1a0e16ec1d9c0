package condition

import (
	"slices"

	"github.com/coachpo/eventwait/internal/domain/schema"
)

// OrderEvaluator evaluates conditions against order lifecycle events.
type OrderEvaluator struct{}

// Evaluate produces one result per condition, in condition order. Status conditions
// hold iff the current status is one of the targets.
func (OrderEvaluator) Evaluate(current schema.OrderEvent, previous *schema.OrderEvent, conditions []schema.Condition) []schema.ConditionResult {
	results := make([]schema.ConditionResult, len(conditions))
	for i, cond := range conditions {
		if cond.IsStatus() {
			res := schema.NewConditionResult(cond)
			res.ActualStatus = current.Status
			res.Triggered = current.Status != "" && slices.Contains(cond.TargetStatus, current.Status)
			results[i] = res
			continue
		}
		results[i] = numericResult(cond, orderValue(&current, cond.Field), orderValue(previous, cond.Field))
	}
	return results
}

func orderValue(evt *schema.OrderEvent, field schema.Field) *float64 {
	if evt == nil {
		return nil
	}
	v, ok := evt.Value(field)
	if !ok {
		return nil
	}
	return &v
}
