package waiter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventwait/internal/telemetry"
)

type metrics struct {
	waits    metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newMetrics() *metrics {
	meter := otel.Meter("waiter")
	m := new(metrics)
	m.waits, _ = meter.Int64Counter(telemetry.MetricWaits,
		metric.WithDescription("Number of finished waits by outcome"),
		metric.WithUnit("{wait}"))
	m.duration, _ = meter.Float64Histogram(telemetry.MetricWaitDuration,
		metric.WithDescription("Time from request to outcome"),
		metric.WithUnit("ms"))
	m.active, _ = meter.Int64UpDownCounter(telemetry.MetricActiveSubscriptions,
		metric.WithDescription("Subscriptions currently registered by waits"),
		metric.WithUnit("{subscription}"))
	return m
}

func (m *metrics) subscriptionsStarted(ctx context.Context, n int) {
	m.active.Add(context.WithoutCancel(ctx), int64(n),
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *metrics) subscriptionsEnded(ctx context.Context, n int) {
	m.active.Add(context.WithoutCancel(ctx), -int64(n),
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *metrics) waitFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.WaitAttributes(telemetry.Environment(), outcome)...)
	ctx = context.WithoutCancel(ctx)
	m.waits.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
