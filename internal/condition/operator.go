// Package condition evaluates subscription conditions against feed snapshots.
//
// Evaluators hold no state between calls. The previous snapshot used by the cross
// operators is owned by the caller.
package condition

import "github.com/coachpo/eventwait/internal/domain/schema"

// EvaluateOperator compares actual against threshold. previous is consulted only by the
// cross operators, which require a transition and never hold on a first observation.
func EvaluateOperator(actual float64, op schema.Operator, threshold float64, previous *float64) bool {
	switch op {
	case schema.OperatorGT:
		return actual > threshold
	case schema.OperatorGTE:
		return actual >= threshold
	case schema.OperatorLT:
		return actual < threshold
	case schema.OperatorLTE:
		return actual <= threshold
	case schema.OperatorCrossAbove:
		return previous != nil && *previous <= threshold && actual > threshold
	case schema.OperatorCrossBelow:
		return previous != nil && *previous >= threshold && actual < threshold
	default:
		return false
	}
}

// Combine folds condition results under the logic into a single verdict.
func Combine(logic schema.ConditionLogic, results []schema.ConditionResult) bool {
	verdicts := make([]bool, len(results))
	for i, r := range results {
		verdicts[i] = r.Triggered
	}
	return schema.CombineVerdicts(logic, verdicts)
}

func numericResult(cond schema.Condition, actual, previous *float64) schema.ConditionResult {
	res := schema.NewConditionResult(cond)
	if actual == nil {
		return res
	}
	v := *actual
	res.ActualValue = &v
	res.Triggered = EvaluateOperator(v, cond.Operator, cond.Value, previous)
	return res
}
