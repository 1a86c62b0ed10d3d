// Package postgres persists synced DAG runs and task runs in Postgres.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	runTable  = "airflow_dag_run"
	taskTable = "airflow_dag_task_run"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a Postgres-backed run store. All tables live in one schema.
type Store struct {
	pool      Pool
	schema    string
	userAgent string
}

// New creates a connection pool on dsn and verifies it.
func New(ctx context.Context, dsn, schema, userAgent string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return NewFromPool(pool, schema, userAgent), nil
}

// NewFromPool wraps an existing pool. An empty schema means "public".
func NewFromPool(pool Pool, schema, userAgent string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema, userAgent: userAgent}
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// table returns the quoted, schema-qualified name of a table.
func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}
