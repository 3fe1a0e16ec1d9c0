package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/eventwait/errs"
)

// Status is the response discriminator.
type Status string

const (
	// StatusTriggered reports that at least one subscription met its conditions.
	StatusTriggered Status = "triggered"
	// StatusTimeout reports that the shared deadline elapsed first.
	StatusTimeout Status = "timeout"
	// StatusError reports cancellation or a feed disconnect.
	StatusError Status = "error"
)

// ReasonCancelled is the fixed reason reported when the caller cancels a wait.
const ReasonCancelled = "Request cancelled"

// Response is the closed set of wait outcomes: *TriggeredResponse, *TimeoutResponse
// or *ErrorResponse.
type Response interface {
	Status() Status
	At() time.Time
	isResponse()
}

// TriggeredResponse carries the latest result of every subscription in configuration order.
type TriggeredResponse struct {
	Subscriptions []SubscriptionResult
	Timestamp     time.Time
}

// TimeoutResponse reports the deadline, in seconds, that elapsed.
type TimeoutResponse struct {
	Duration  int
	Timestamp time.Time
}

// ErrorResponse reports cancellation or the disconnect message of a failed feed.
type ErrorResponse struct {
	Reason    string
	Timestamp time.Time
}

func (*TriggeredResponse) isResponse() {}
func (*TimeoutResponse) isResponse()   {}
func (*ErrorResponse) isResponse()     {}

// Status implements Response.
func (*TriggeredResponse) Status() Status { return StatusTriggered }

// Status implements Response.
func (*TimeoutResponse) Status() Status { return StatusTimeout }

// Status implements Response.
func (*ErrorResponse) Status() Status { return StatusError }

// At implements Response.
func (r *TriggeredResponse) At() time.Time { return r.Timestamp }

// At implements Response.
func (r *TimeoutResponse) At() time.Time { return r.Timestamp }

// At implements Response.
func (r *ErrorResponse) At() time.Time { return r.Timestamp }

type wireResponse struct {
	Status        Status               `json:"status"`
	Subscriptions []SubscriptionResult `json:"subscriptions,omitempty"`
	Duration      int                  `json:"duration,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// MarshalJSON encodes the triggered shape.
func (r *TriggeredResponse) MarshalJSON() ([]byte, error) {
	subs := r.Subscriptions
	if subs == nil {
		subs = []SubscriptionResult{}
	}
	return json.Marshal(struct {
		Status        Status               `json:"status"`
		Subscriptions []SubscriptionResult `json:"subscriptions"`
		Timestamp     time.Time            `json:"timestamp"`
	}{StatusTriggered, subs, r.Timestamp})
}

// MarshalJSON encodes the timeout shape.
func (r *TimeoutResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status    Status    `json:"status"`
		Duration  int       `json:"duration"`
		Timestamp time.Time `json:"timestamp"`
	}{StatusTimeout, r.Duration, r.Timestamp})
}

// MarshalJSON encodes the error shape.
func (r *ErrorResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status    Status    `json:"status"`
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}{StatusError, r.Reason, r.Timestamp})
}

// DecodeResponse parses a JSON response and validates its shape.
func DecodeResponse(data []byte) (Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var resp Response
	switch wire.Status {
	case StatusTriggered:
		resp = &TriggeredResponse{Subscriptions: wire.Subscriptions, Timestamp: wire.Timestamp}
	case StatusTimeout:
		resp = &TimeoutResponse{Duration: wire.Duration, Timestamp: wire.Timestamp}
	case StatusError:
		resp = &ErrorResponse{Reason: wire.Reason, Timestamp: wire.Timestamp}
	default:
		return nil, shapeViolation("unknown status %q", wire.Status)
	}
	return ValidateResponse(resp)
}

// ValidateResponse checks the response against its declared shape and returns it
// unchanged. Any violation is returned as an errs.CodeShapeViolation envelope.
func ValidateResponse(resp Response) (Response, error) {
	switch r := resp.(type) {
	case *TriggeredResponse:
		if r == nil {
			return nil, shapeViolation("nil triggered response")
		}
		if r.Timestamp.IsZero() {
			return nil, shapeViolation("triggered response missing timestamp")
		}
		if len(r.Subscriptions) == 0 {
			return nil, shapeViolation("triggered response without subscriptions")
		}
		anyTriggered := false
		for i, sub := range r.Subscriptions {
			if err := validateResult(sub); err != nil {
				return nil, shapeViolation("subscription %d: %v", i, err)
			}
			anyTriggered = anyTriggered || sub.Triggered
		}
		if !anyTriggered {
			return nil, shapeViolation("triggered response without a triggered subscription")
		}
	case *TimeoutResponse:
		if r == nil {
			return nil, shapeViolation("nil timeout response")
		}
		if r.Timestamp.IsZero() {
			return nil, shapeViolation("timeout response missing timestamp")
		}
		if r.Duration <= 0 {
			return nil, shapeViolation("timeout response duration must be > 0")
		}
	case *ErrorResponse:
		if r == nil {
			return nil, shapeViolation("nil error response")
		}
		if r.Timestamp.IsZero() {
			return nil, shapeViolation("error response missing timestamp")
		}
		if strings.TrimSpace(r.Reason) == "" {
			return nil, shapeViolation("error response requires a reason")
		}
	default:
		return nil, shapeViolation("unsupported response %T", resp)
	}
	return resp, nil
}

func validateResult(sub SubscriptionResult) error {
	switch sub.Type {
	case SubscriptionMarket:
		if sub.ProductID == "" {
			return fmt.Errorf("market result missing productId")
		}
	case SubscriptionOrder:
		if sub.OrderID == "" {
			return fmt.Errorf("order result missing orderId")
		}
	default:
		return fmt.Errorf("unknown result type %q", sub.Type)
	}
	if !sub.Logic.Valid() {
		return fmt.Errorf("unknown logic %q", sub.Logic)
	}
	if len(sub.Conditions) == 0 {
		return fmt.Errorf("result without conditions")
	}
	verdicts := make([]bool, len(sub.Conditions))
	for j, cond := range sub.Conditions {
		verdicts[j] = cond.Triggered
		if cond.Field == "" {
			return fmt.Errorf("condition %d missing field", j)
		}
		if cond.Field == FieldStatus {
			if len(cond.TargetStatus) == 0 {
				return fmt.Errorf("condition %d missing targetStatus", j)
			}
			continue
		}
		if !cond.Operator.Valid() || cond.Threshold == nil {
			return fmt.Errorf("condition %d missing operator or threshold", j)
		}
		if cond.Triggered && cond.ActualValue == nil {
			return fmt.Errorf("condition %d triggered without an actual value", j)
		}
	}
	if sub.Triggered != CombineVerdicts(sub.Logic, verdicts) {
		return fmt.Errorf("triggered flag disagrees with %s over conditions", sub.Logic)
	}
	return nil
}

func shapeViolation(format string, args ...any) error {
	return errs.New("schema/response", errs.CodeShapeViolation, errs.WithMessage(fmt.Sprintf(format, args...)))
}
