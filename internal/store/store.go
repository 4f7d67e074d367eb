// Package store is the durable layer: Postgres-backed stores for every core
// entity plus embedded schema migrations. Queries use sqlx over the pgx
// stdlib driver; callers get typed rows, never raw SQL results.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// DB wraps the shared connection pool and hands out entity stores.
type DB struct {
	conn *sqlx.DB

	Namespaces  *NamespaceStore
	Workflows   *WorkflowStore
	Runtimes    *RuntimeStore
	Providers   *ProviderStore
	Triggers    *TriggerStore
	Webhooks    *WebhookStore
	Recurring   *RecurringTaskStore
	Executions  *ExecutionStore
}

// Open connects to Postgres, verifies the connection, and runs pending
// migrations.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn), nil
}

// New builds a DB over an existing connection. Used by tests with sqlmock.
func New(conn *sqlx.DB) *DB {
	return &DB{
		conn:       conn,
		Namespaces: &NamespaceStore{db: conn},
		Workflows:  &WorkflowStore{db: conn},
		Runtimes:   &RuntimeStore{db: conn},
		Providers:  &ProviderStore{db: conn},
		Triggers:   &TriggerStore{db: conn},
		Webhooks:   &WebhookStore{db: conn},
		Recurring:  &RecurringTaskStore{db: conn},
		Executions: &ExecutionStore{db: conn},
	}
}

func migrate(conn *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(conn.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Conn exposes the pool for components that manage their own transactions
// (the scheduler's claim loop).
func (d *DB) Conn() *sqlx.DB { return d.conn }

// Ping verifies database reachability; used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

// Close shuts down the pool.
func (d *DB) Close() error { return d.conn.Close() }
