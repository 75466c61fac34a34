// Package postgres is the relational storage backend: a pgxpool connection
// pool plus embedded golang-migrate schema migrations, following the same
// embed-and-auto-apply pattern used across the example pack's Postgres
// backends.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql, used only to drive migrate

	coreerrors "github.com/fieldkit/mcpcore/internal/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures the postgres backend's connection and migrations.
type Config struct {
	DSN            string
	MigrationsPath string // unused when embedded migrations apply; reserved for overriding on disk
	MaxConns       int32
}

// Backend implements storage.Backend against PostgreSQL via pgx.
type Backend struct {
	pool *pgxpool.Pool
}

// New opens a connection pool, applies pending migrations, and returns a
// ready-to-use backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, coreerrors.NewBackendError("parse dsn", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, coreerrors.NewBackendError("open pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, coreerrors.NewBackendError("ping", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Backend{pool: pool}, nil
}

// runMigrations applies embedded migrations using golang-migrate, opening a
// throwaway database/sql connection since migrate's postgres driver wants
// the stdlib interface rather than pgxpool.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// TruncateForTests wipes all rows so the conformance suite can reuse one
// container across subtests without cross-contamination.
func (b *Backend) TruncateForTests(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `TRUNCATE TABLE tasks, events, sessions`)
	if err != nil {
		return coreerrors.NewBackendError("truncate_for_tests", err)
	}
	return nil
}
