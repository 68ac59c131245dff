// Package migrations wires golang-migrate execution for the postgres session store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/orchestrator/db/migrations"
	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

const embeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. An empty migrationsDir uses the migrations embedded
// in the binary. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		if logger != nil {
			logger.Printf("running database migrations: path=%s", label)
		}
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", label)
				if logger != nil {
					logger.Printf("database migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed", label)
			return fmt.Errorf("apply migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations applied successfully")
		}
		recordMigrationMetric(ctx, "applied", label)
		return nil
	})
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0")
	}
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		if logger != nil {
			logger.Printf("rolling back database migrations: path=%s steps=%d", label, steps)
		}
		if err := m.Steps(-steps); err != nil {
			recordMigrationMetric(ctx, "rollback_failed", label)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back", label)
		return nil
	})
}

func withMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, fn func(*migrate.Migrate, string) error) error {
	resolvedDir := ""
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		resolvedDir = dir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
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

	m, label, err := newMigrator(resolvedDir, driver)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	return fn(m, label)
}

func newMigrator(resolvedDir string, driver database.Driver) (*migrate.Migrate, string, error) {
	if resolvedDir == "" {
		src, err := embeddedSource(dbmigrations.Files)
		if err != nil {
			return nil, "", err
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, embeddedLabel, nil
	}

	m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	if err != nil {
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, resolvedDir, nil
}

func embeddedSource(fsys fs.FS) (source.Driver, error) {
	driver, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return driver, nil
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

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("orchestrator_db_migrations_total",
			metric.WithDescription("Total session store migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
