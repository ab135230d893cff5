// Package migrations wires golang-migrate execution for the journal schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/ordertask/db/migrations"
	"github.com/coachpo/ordertask/internal/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

type options struct {
	dir string
	log *logrus.Entry
}

// Option customises a migration run.
type Option func(*options)

// FromDir reads migrations from dir instead of the embedded set.
func FromDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets the progress logger; a nil entry keeps the default.
func WithLogger(entry *logrus.Entry) Option {
	return func(o *options) {
		if entry != nil {
			o.log = entry
		}
	}
}

// Apply brings the database reachable via dsn up to the latest migration.
func Apply(ctx context.Context, dsn string, opts ...Option) error {
	o := resolveOptions(opts)
	m, source, closeFn, err := open(ctx, dsn, o)
	if err != nil {
		return err
	}
	defer closeFn()

	o.log.WithField("source", source).Info("running database migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", source)
			o.log.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", source)
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied", source)
	o.log.Info("database migrations applied")
	return nil
}

// Rollback reverts steps migrations.
func Rollback(ctx context.Context, dsn string, steps int, opts ...Option) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	o := resolveOptions(opts)
	m, source, closeFn, err := open(ctx, dsn, o)
	if err != nil {
		return err
	}
	defer closeFn()

	o.log.WithFields(logrus.Fields{"source": source, "steps": steps}).Info("rolling back database migrations")
	if err := m.Steps(-steps); err != nil {
		recordMigrationMetric(ctx, "rollback_failed", source)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back", source)
	return nil
}

func resolveOptions(opts []Option) options {
	o := options{log: logrus.WithField("component", "migrations")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// open validates the source before connecting so a bad path fails fast.
func open(ctx context.Context, dsn string, o options) (*migrate.Migrate, string, func(), error) {
	source := embeddedSource
	if o.dir != "" {
		resolved, err := resolveDir(o.dir)
		if err != nil {
			return nil, "", nil, err
		}
		source = resolved
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			o.log.WithError(cerr).Warn("database migrations close")
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if source == embeddedSource {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(source), "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, source, func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			o.log.WithError(sourceErr).Warn("database migrations source close")
		}
		if dbErr != nil {
			o.log.WithError(dbErr).Warn("database migrations db close")
		}
	}, nil
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

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("ordertask_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
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
		attribute.String("migrations_source", source),
	))
}
