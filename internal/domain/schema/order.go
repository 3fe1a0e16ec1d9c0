package schema

import (
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state reported for an order.
type ExecutionStatus string

const (
	// StatusPending marks an order accepted locally but not yet live on the venue.
	StatusPending ExecutionStatus = "PENDING"
	// StatusOpen marks a working order.
	StatusOpen ExecutionStatus = "OPEN"
	// StatusFilled marks a fully executed order.
	StatusFilled ExecutionStatus = "FILLED"
	// StatusCancelled marks an order cancelled before completion.
	StatusCancelled ExecutionStatus = "CANCELLED"
	// StatusExpired marks an order whose time in force elapsed.
	StatusExpired ExecutionStatus = "EXPIRED"
	// StatusFailed marks an order rejected by the venue.
	StatusFailed ExecutionStatus = "FAILED"
)

// NormalizeExecutionStatus trims and upper-cases a venue status string.
func NormalizeExecutionStatus(raw string) ExecutionStatus {
	return ExecutionStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// Valid reports whether the status is a known lifecycle state.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle events are expected after this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// OrderEvent is one lifecycle update for a single order.
type OrderEvent struct {
	OrderID              string          `json:"orderId"`
	ClientOrderID        string          `json:"clientOrderId,omitempty"`
	ProductID            string          `json:"productId,omitempty"`
	Status               ExecutionStatus `json:"status"`
	FilledSize           float64         `json:"filledSize"`
	FilledValue          float64         `json:"filledValue"`
	AverageFilledPrice   float64         `json:"averageFilledPrice"`
	CompletionPercentage float64         `json:"completionPercentage"`
	TotalFees            float64         `json:"totalFees"`
	Time                 time.Time       `json:"time"`
}

// Value returns the numeric order field. The second result is false for non-numeric fields.
func (o OrderEvent) Value(field Field) (float64, bool) {
	switch field {
	case FieldFilledSize:
		return o.FilledSize, true
	case FieldFilledValue:
		return o.FilledValue, true
	case FieldAverageFilledPrice:
		return o.AverageFilledPrice, true
	case FieldCompletionPercentage:
		return o.CompletionPercentage, true
	case FieldTotalFees:
		return o.TotalFees, true
	default:
		return 0, false
	}
}
