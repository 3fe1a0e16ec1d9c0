package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Instrument names shared by the meters and the histogram views.
const (
	MetricWaits               = "waiter.waits"
	MetricWaitDuration        = "waiter.wait.duration"
	MetricActiveSubscriptions = "waiter.subscriptions.active"
	MetricPoolHandlers        = "pool.handlers"
	MetricPoolDisconnects     = "pool.disconnects"
	MetricPoolFanoutDuration  = "pool.fanout.duration"
	MetricPoolFanoutSize      = "pool.fanout.size"
	MetricFeedMessages        = "feed.messages"
	MetricHistoryWrites       = "history.writes"
)

const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrPool labels pool metrics by feed kind (market, order).
	AttrPool = attribute.Key("pool.name")
	// AttrSubscriptionType labels subscription metrics by MARKET or ORDER.
	AttrSubscriptionType = attribute.Key("subscription.type")
	// AttrOutcome records the terminal status of a wait.
	AttrOutcome = attribute.Key("outcome")
	// AttrChannel names the upstream feed channel a message arrived on.
	AttrChannel = attribute.Key("channel")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason carries free-form context such as a disconnect reason.
	AttrReason = attribute.Key("reason")
)

// WaitAttributes returns attributes for wait outcome metrics.
func WaitAttributes(environment, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOutcome.String(outcome),
	}
}

// PoolAttributes returns attributes for pool metrics.
func PoolAttributes(environment, pool string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPool.String(pool),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		attribute.Key("operation").String(operation),
		AttrResult.String(result),
	}
}

// FeedAttributes returns attributes for upstream feed message metrics.
func FeedAttributes(environment, channel, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrResult.String(result),
	}
}

// MetricMigrations counts golang-migrate runs by result.
const MetricMigrations = "db.migrations"
