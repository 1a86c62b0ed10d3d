package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// LatestRun returns the most recently inserted run of pipelineID, or nil when
// the pipeline has no stored runs. Recency is the surrogate key, not end_time.
func (s *Store) LatestRun(ctx context.Context, pipelineID string) (*types.PipelineRun, error) {
	query := fmt.Sprintf(`
		SELECT id, dag_id, COALESCE(dag_description, ''), COALESCE(run_id, ''), COALESCE(state, ''),
			start_time, end_time, COALESCE(duration, 0), saved_at, COALESCE(airflow_env, '')
		FROM %s
		WHERE dag_id = $1
		ORDER BY id DESC
		LIMIT 1`, s.table(runTable))

	var (
		run                 types.PipelineRun
		start, end, savedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, pipelineID).Scan(
		&run.ID, &run.PipelineID, &run.Description, &run.RunID, &run.State,
		&start, &end, &run.DurationSeconds, &savedAt, &run.SourceEnvironment,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres latest run of %s: %w", pipelineID, err)
	}

	run.StartTime = utc(start)
	run.EndTime = utc(end)
	run.SavedAt = utc(savedAt)
	return &run, nil
}

func utc(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// CountRuns returns how many runs of pipelineID are stored. An empty
// pipelineID counts every run.
func (s *Store) CountRuns(ctx context.Context, pipelineID string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table(runTable))
	args := []any{}
	if pipelineID != "" {
		query += " WHERE dag_id = $1"
		args = append(args, pipelineID)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count runs: %w", err)
	}
	return n, nil
}

// PipelineStatus is the stored history of one pipeline.
type PipelineStatus struct {
	PipelineID string
	Runs       int
	Tasks      int
	LastEnd    *time.Time
	LastSaved  *time.Time
}

// PipelineStatuses summarises the stored runs per pipeline, ordered by
// pipeline id.
func (s *Store) PipelineStatuses(ctx context.Context) ([]PipelineStatus, error) {
	query := fmt.Sprintf(`
		SELECT r.dag_id, COUNT(DISTINCT r.id), COUNT(t.id), MAX(r.end_time), MAX(r.saved_at)
		FROM %s r
		LEFT JOIN %s t ON t.run_db_id = r.id
		GROUP BY r.dag_id
		ORDER BY r.dag_id`, s.table(runTable), s.table(taskTable))

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres pipeline statuses: %w", err)
	}
	defer rows.Close()

	var out []PipelineStatus
	for rows.Next() {
		var st PipelineStatus
		if err := rows.Scan(&st.PipelineID, &st.Runs, &st.Tasks, &st.LastEnd, &st.LastSaved); err != nil {
			return nil, fmt.Errorf("postgres pipeline statuses: scan: %w", err)
		}
		if st.LastEnd != nil {
			t := st.LastEnd.UTC()
			st.LastEnd = &t
		}
		if st.LastSaved != nil {
			t := st.LastSaved.UTC()
			st.LastSaved = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres pipeline statuses: %w", err)
	}
	return out, nil
}
