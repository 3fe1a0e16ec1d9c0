package schema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coachpo/eventwait/errs"
)

// SubscriptionType discriminates subscription configs.
type SubscriptionType string

const (
	// SubscriptionMarket watches a product's ticker feed.
	SubscriptionMarket SubscriptionType = "MARKET"
	// SubscriptionOrder watches a single order's lifecycle events.
	SubscriptionOrder SubscriptionType = "ORDER"
)

// SubscriptionConfig declares what one subscription waits for. It is owned by the
// caller's request and never mutated by the engine.
type SubscriptionConfig struct {
	Type       SubscriptionType `json:"type"`
	ProductID  string           `json:"productId,omitempty"`
	OrderID    string           `json:"orderId,omitempty"`
	Conditions []Condition      `json:"conditions"`
	Logic      ConditionLogic   `json:"logic,omitempty"`
}

// Key returns the feed key the subscription registers under.
func (c SubscriptionConfig) Key() string {
	if c.Type == SubscriptionOrder {
		return c.OrderID
	}
	return c.ProductID
}

// Normalize returns a copy with trimmed identifiers, upper-cased enums, and default logic.
func (c SubscriptionConfig) Normalize() SubscriptionConfig {
	out := c
	out.Type = SubscriptionType(strings.ToUpper(strings.TrimSpace(string(c.Type))))
	out.ProductID = strings.ToUpper(strings.TrimSpace(c.ProductID))
	out.OrderID = strings.TrimSpace(c.OrderID)
	out.Logic = NormalizeLogic(c.Logic)
	out.Conditions = make([]Condition, len(c.Conditions))
	for i, cond := range c.Conditions {
		cond.Field = Field(strings.ToUpper(strings.TrimSpace(string(cond.Field))))
		cond.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(cond.Operator))))
		if len(cond.TargetStatus) > 0 {
			statuses := make([]ExecutionStatus, len(cond.TargetStatus))
			for j, status := range cond.TargetStatus {
				statuses[j] = NormalizeExecutionStatus(string(status))
			}
			cond.TargetStatus = statuses
		}
		out.Conditions[i] = cond
	}
	return out
}

// Validate checks the config is internally consistent for its type.
func (c SubscriptionConfig) Validate() error {
	if !c.Logic.Valid() {
		return errs.Invalid("schema/subscription", fmt.Sprintf("unsupported logic %q", c.Logic))
	}
	if len(c.Conditions) == 0 {
		return errs.Invalid("schema/subscription", "at least one condition required")
	}
	switch c.Type {
	case SubscriptionMarket:
		if strings.TrimSpace(c.ProductID) == "" {
			return errs.Invalid("schema/subscription", "productId required for market subscriptions")
		}
		for i, cond := range c.Conditions {
			if err := cond.validateMarket(); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
	case SubscriptionOrder:
		if strings.TrimSpace(c.OrderID) == "" {
			return errs.Invalid("schema/subscription", "orderId required for order subscriptions")
		}
		for i, cond := range c.Conditions {
			if err := cond.validateOrder(); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
	default:
		return errs.Invalid("schema/subscription", fmt.Sprintf("unsupported subscription type %q", c.Type))
	}
	return nil
}

// WaitRequest is the caller's request to block until an event.
type WaitRequest struct {
	Subscriptions []SubscriptionConfig `json:"subscriptions"`
	// Timeout is the shared deadline in seconds.
	Timeout int `json:"timeout"`
}

// Normalize returns a copy of the request with every subscription normalised.
func (r WaitRequest) Normalize() WaitRequest {
	out := WaitRequest{Timeout: r.Timeout, Subscriptions: make([]SubscriptionConfig, len(r.Subscriptions))}
	for i, sub := range r.Subscriptions {
		out.Subscriptions[i] = sub.Normalize()
	}
	return out
}

// MaxTimeoutSeconds is the largest timeout that still fits a time.Duration. It applies
// even when the configured ceiling is disabled.
const MaxTimeoutSeconds = int(math.MaxInt64 / int64(time.Second))

// Validate checks the request against the configured timeout ceiling. A non-positive
// maxTimeout disables the ceiling.
func (r WaitRequest) Validate(maxTimeout int) error {
	if len(r.Subscriptions) == 0 {
		return errs.Invalid("schema/request", "at least one subscription required")
	}
	if r.Timeout <= 0 {
		return errs.Invalid("schema/request", "timeout must be > 0")
	}
	if maxTimeout > 0 && r.Timeout > maxTimeout {
		return errs.Invalid("schema/request", fmt.Sprintf("timeout must be <= %d", maxTimeout))
	}
	if r.Timeout > MaxTimeoutSeconds {
		return errs.Invalid("schema/request", fmt.Sprintf("timeout must be <= %d", MaxTimeoutSeconds))
	}
	for i, sub := range r.Subscriptions {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("subscription %d: %w", i, err)
		}
	}
	return nil
}
