package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// Commit inserts runs and their task runs in one transaction. Either every
// row is written or none is. On success the surrogate key of each run is set
// in runs[i].ID.
func (s *Store) Commit(ctx context.Context, runs []types.PipelineRun) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertRun := fmt.Sprintf(`
		INSERT INTO %s (dag_id, dag_description, run_id, state, start_time, end_time, duration, saved_at, airflow_env)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`, s.table(runTable))
	insertTask := fmt.Sprintf(`
		INSERT INTO %s (dag_id, run_id, task_id, operator, state, start_time, end_time, duration, try_number, run_db_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table(taskTable))

	ids := make([]int64, len(runs))
	for i, run := range runs {
		err := tx.QueryRow(ctx, insertRun,
			run.PipelineID, nullString(run.Description), run.RunID, run.State,
			run.StartTime.UTC(), run.EndTime.UTC(), run.DurationSeconds,
			run.SavedAt.UTC(), run.SourceEnvironment,
		).Scan(&ids[i])
		if err != nil {
			return fmt.Errorf("postgres insert run %s/%s: %w", run.PipelineID, run.RunID, err)
		}

		for _, task := range run.Tasks {
			_, err := tx.Exec(ctx, insertTask,
				task.PipelineID, task.RunID, task.TaskID, task.OperatorType, task.State,
				task.StartTime.UTC(), nullTime(task.EndTime), nullFloat(task.DurationSeconds),
				task.AttemptNumber, ids[i],
			)
			if err != nil {
				return fmt.Errorf("postgres insert task %s of run %s/%s: %w", task.TaskID, run.PipelineID, run.RunID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	for i := range runs {
		runs[i].ID = ids[i]
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
