// Package migrations applies the wait history schema with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/eventwait/db/migrations"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	return dbmigrations.Files
}

// Dir returns the migrations found in a directory on disk.
func Dir(path string) (fs.FS, error) {
	resolved, err := resolveDir(path)
	if err != nil {
		return nil, err
	}
	return os.DirFS(resolved), nil
}

// Apply runs every pending up migration from files against dsn.
func Apply(ctx context.Context, dsn string, files fs.FS, logger observability.Logger) error {
	logger = orNoop(logger)
	return run(ctx, dsn, files, logger, func(m *migrate.Migrate) error {
		logger.Info("running database migrations")
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				logger.Info("database migrations up-to-date")
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "applied")
		logger.Info("database migrations applied")
		return nil
	})
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn string, files fs.FS, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0")
	}
	logger = orNoop(logger)
	return run(ctx, dsn, files, logger, func(m *migrate.Migrate) error {
		logger.Info("rolling back database migrations", observability.F("steps", steps))
		if err := m.Steps(-steps); err != nil {
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back")
		return nil
	})
}

func run(ctx context.Context, dsn string, files fs.FS, logger observability.Logger, fn func(*migrate.Migrate) error) error {
	if files == nil {
		return fmt.Errorf("migrations source required")
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("open migrations source: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}()
	return fn(m)
}

func orNoop(logger observability.Logger) observability.Logger {
	if logger == nil {
		return observability.Log()
	}
	return logger
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter(telemetry.MetricMigrations,
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	))
}
