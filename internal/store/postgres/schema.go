package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id              SERIAL PRIMARY KEY,
    dag_id          VARCHAR,
    dag_description VARCHAR,
    run_id          VARCHAR,
    state           VARCHAR,
    start_time      TIMESTAMP WITHOUT TIME ZONE,
    end_time        TIMESTAMP WITHOUT TIME ZONE,
    duration        DOUBLE PRECISION,
    saved_at        TIMESTAMP WITHOUT TIME ZONE,
    airflow_env     VARCHAR
);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (dag_id);
COMMENT ON COLUMN %[1]s.duration IS 'in seconds';

CREATE TABLE IF NOT EXISTS %[2]s (
    id          SERIAL PRIMARY KEY,
    dag_id      VARCHAR,
    run_id      VARCHAR,
    task_id     VARCHAR,
    operator    VARCHAR,
    state       VARCHAR,
    start_time  TIMESTAMP WITHOUT TIME ZONE,
    end_time    TIMESTAMP WITHOUT TIME ZONE,
    duration    DOUBLE PRECISION,
    try_number  INTEGER,
    run_db_id   INTEGER NOT NULL REFERENCES %[1]s (id)
);
CREATE INDEX IF NOT EXISTS %[4]s ON %[2]s (dag_id);
COMMENT ON COLUMN %[2]s.duration IS 'in seconds';
`

// EnsureSchema creates the schema, tables and indexes when missing and sets
// the table comments to the configured user agent. When role is set the DDL
// runs as that role. Existing tables are left as they are.
func (s *Store) EnsureSchema(ctx context.Context, role string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres ensure schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if role != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{role}.Sanitize()); err != nil {
			return fmt.Errorf("postgres ensure schema: set role %s: %w", role, err)
		}
	}

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("postgres ensure schema: create schema %s: %w", s.schema, err)
	}

	ddl := fmt.Sprintf(schemaDDL,
		s.table(runTable),
		s.table(taskTable),
		pgx.Identifier{"ix_" + runTable + "_dag_id"}.Sanitize(),
		pgx.Identifier{"ix_" + taskTable + "_dag_id"}.Sanitize(),
	)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres ensure schema: create tables: %w", err)
	}

	if s.userAgent != "" {
		for _, name := range []string{runTable, taskTable} {
			stmt := fmt.Sprintf("COMMENT ON TABLE %s IS %s", s.table(name), quoteLiteral(s.userAgent))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("postgres ensure schema: comment on %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres ensure schema: commit: %w", err)
	}
	return nil
}

// quoteLiteral quotes s as a SQL string literal. COMMENT ON does not accept
// bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
