// Package database manages the PostgreSQL connection pool, health checks,
// and schema migrations for Continuum. It uses pgx for direct PostgreSQL
// access without an ORM, and golang-migrate for the embedded migrations.
// Pool sizing and connection lifetimes come from the database section of the
// server configuration.
package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/continuum/internal/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps a pgx connection pool and provides health checks and graceful
// shutdown.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a connection pool from the database configuration and verifies
// connectivity with a ping before returning.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MinConnections)

	lifetime, err := cfg.MaxConnLifetimeParsed()
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConnLifetime = lifetime

	idle, err := cfg.MaxConnIdleTimeParsed()
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConnIdleTime = idle

	healthPeriod, err := cfg.HealthCheckPeriodParsed()
	if err != nil {
		return nil, err
	}
	poolCfg.HealthCheckPeriod = healthPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("max_conns", cfg.MaxConnections),
		slog.Duration("conn_lifetime", lifetime),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck verifies the database connection is alive by executing a
// simple query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.Pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close gracefully shuts down the connection pool.
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// MigrateUp applies all pending migrations from the embedded migrations
// directory.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Info("running database migrations (up)")

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		closeMigrator(m)
		return fmt.Errorf("running migrations up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNoChange {
		closeMigrator(m)
		return fmt.Errorf("getting migration version: %w", err)
	}

	logger.Info("migrations complete",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return closeMigrator(m)
}

// MigrateDown rolls back all migrations. This drops every table; use only
// against disposable databases.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Warn("running database migrations (down), all tables will be dropped")

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		closeMigrator(m)
		return fmt.Errorf("running migrations down: %w", err)
	}

	logger.Info("migrations rolled back")
	return closeMigrator(m)
}

// MigrateStatus returns the current migration version and dirty state.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && err != migrate.ErrNoChange {
		closeMigrator(m)
		return 0, false, fmt.Errorf("getting migration status: %w", err)
	}

	return version, dirty, closeMigrator(m)
}

// newMigrator creates a migrate.Migrate instance over the embedded SQL
// files.
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// closeMigrator releases both migrator halves, reporting the first failure.
func closeMigrator(m *migrate.Migrate) error {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}
