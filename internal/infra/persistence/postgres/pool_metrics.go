package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventwait/internal/telemetry"
)

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "history"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	gauges := []struct {
		name string
		desc string
		read func(*pgxpool.Stat) int32
	}{
		{"db.pool.connections.total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
		{"db.pool.connections.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
		{"db.pool.connections.acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}
