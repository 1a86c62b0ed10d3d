package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

func newMockStore(t *testing.T, schema string) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewFromPool(mock, schema, "airflow-monitor/1.0 (it's us)"), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func ptr(t time.Time) *time.Time { return &t }

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
)

func sampleRun() types.PipelineRun {
	end := t0.Add(4 * time.Minute)
	dur := 240.0
	return types.PipelineRun{
		PipelineID:        "etl",
		RunID:             "scheduled__2024-01-01T00:00:00+00:00",
		Description:       "Nightly ETL",
		State:             "success",
		StartTime:         t0,
		EndTime:           t1,
		DurationSeconds:   600,
		SavedAt:           t1.Add(time.Hour),
		SourceEnvironment: "https://airflow.example.com/api/v1",
		Tasks: []types.TaskRun{
			{PipelineID: "etl", RunID: "scheduled__2024-01-01T00:00:00+00:00", TaskID: "extract", OperatorType: "PythonOperator",
				State: "success", StartTime: t0, EndTime: &end, DurationSeconds: &dur, AttemptNumber: 1},
			{PipelineID: "etl", RunID: "scheduled__2024-01-01T00:00:00+00:00", TaskID: "notify",
				State: "skipped", StartTime: t0, AttemptNumber: 0},
		},
	}
}

func TestNewFromPool_DefaultsSchema(t *testing.T) {
	s, _ := newMockStore(t, "")
	assert.Equal(t, `"public"."airflow_dag_run"`, s.table(runTable))
}

func TestLatestRun_Found(t *testing.T) {
	s, mock := newMockStore(t, "analytics")

	mock.ExpectQuery(q(`FROM "analytics"."airflow_dag_run"`) + `\s+WHERE dag_id = \$1\s+ORDER BY id DESC\s+LIMIT 1`).
		WithArgs("etl").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "dag_id", "dag_description", "run_id", "state",
			"start_time", "end_time", "duration", "saved_at", "airflow_env",
		}).AddRow(int64(42), "etl", "Nightly ETL", "r1", "success", ptr(t0), ptr(t1), 600.0, ptr(t1), "https://af/api/v1"))

	run, err := s.LatestRun(context.Background(), "etl")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, "r1", run.RunID)
	assert.Equal(t, t1, run.EndTime)
	assert.Equal(t, 600.0, run.DurationSeconds)
	assert.Equal(t, "https://af/api/v1", run.SourceEnvironment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun_NoRows(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectQuery(q(`FROM "public"."airflow_dag_run"`)).
		WithArgs("etl").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	run, err := s.LatestRun(context.Background(), "etl")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectQuery(q(`FROM "public"."airflow_dag_run"`)).
		WithArgs("etl").
		WillReturnError(errors.New("connection refused"))

	_, err := s.LatestRun(context.Background(), "etl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latest run of etl")
}

func TestCountRuns(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "public"."airflow_dag_run" WHERE dag_id = $1`)).
		WithArgs("etl").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "public"."airflow_dag_run"`) + `$`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(10))

	n, err := s.CountRuns(context.Background(), "etl")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineStatuses(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectQuery(q(`FROM "public"."airflow_dag_run" r`) + `\s+` + q(`LEFT JOIN "public"."airflow_dag_task_run" t ON t.run_db_id = r.id`)).
		WillReturnRows(pgxmock.NewRows([]string{"dag_id", "runs", "tasks", "last_end", "last_saved"}).
			AddRow("etl", 3, 6, ptr(t0.Add(time.Hour)), ptr(t0.Add(2*time.Hour))).
			AddRow("reports", 1, 0, nil, nil))

	got, err := s.PipelineStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "etl", got[0].PipelineID)
	assert.Equal(t, 3, got[0].Runs)
	assert.Equal(t, 6, got[0].Tasks)
	require.NotNil(t, got[0].LastEnd)
	assert.Equal(t, t0.Add(time.Hour), *got[0].LastEnd)
	require.NotNil(t, got[0].LastSaved)

	assert.Equal(t, "reports", got[1].PipelineID)
	assert.Nil(t, got[1].LastEnd)
	assert.Nil(t, got[1].LastSaved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineStatuses_QueryError(t *testing.T) {
	s, mock := newMockStore(t, "public")
	mock.ExpectQuery(q(`GROUP BY r.dag_id`)).WillReturnError(errors.New("permission denied"))

	_, err := s.PipelineStatuses(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}

func TestCommit_WritesRunAndTasksInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t, "public")
	run := sampleRun()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "public"."airflow_dag_run"`)).
		WithArgs("etl", "Nightly ETL", run.RunID, "success", t0, t1, 600.0, run.SavedAt, run.SourceEnvironment).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(q(`INSERT INTO "public"."airflow_dag_task_run"`)).
		WithArgs("etl", run.RunID, "extract", "PythonOperator", "success", t0, t0.Add(4*time.Minute), 240.0, 1, int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(`INSERT INTO "public"."airflow_dag_task_run"`)).
		WithArgs("etl", run.RunID, "notify", "", "skipped", t0, nil, nil, 0, int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	runs := []types.PipelineRun{run}
	require.NoError(t, s.Commit(context.Background(), runs))
	assert.Equal(t, int64(7), runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_EmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t, "public")
	require.NoError(t, s.Commit(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_RunInsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "public"."airflow_dag_run"`)).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), []types.PipelineRun{sampleRun()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run etl/")
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_TaskInsertFailureRollsBackWholeBatch(t *testing.T) {
	s, mock := newMockStore(t, "public")
	first := sampleRun()
	first.Tasks = nil
	second := sampleRun()
	second.RunID = "r2"

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "public"."airflow_dag_run"`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(q(`INSERT INTO "public"."airflow_dag_run"`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectExec(q(`INSERT INTO "public"."airflow_dag_task_run"`)).
		WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	runs := []types.PipelineRun{first, second}
	err := s.Commit(context.Background(), runs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert task extract of run etl/r2")
	assert.Zero(t, runs[0].ID, "ids are only set after a successful commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_CommitFailure(t *testing.T) {
	s, mock := newMockStore(t, "public")
	run := sampleRun()
	run.Tasks = nil

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "public"."airflow_dag_run"`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := s.Commit(context.Background(), []types.PipelineRun{run})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialization failure")
}

func TestEnsureSchema_WithRole(t *testing.T) {
	s, mock := newMockStore(t, "analytics")

	mock.ExpectBegin()
	mock.ExpectExec(q(`SET LOCAL ROLE "etl_owner"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`CREATE SCHEMA IF NOT EXISTS "analytics"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "analytics"."airflow_dag_run"`) + `(?s).*` +
		q(`REFERENCES "analytics"."airflow_dag_run" (id)`)).
		WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`COMMENT ON TABLE "analytics"."airflow_dag_run" IS 'airflow-monitor/1.0 (it''s us)'`)).
		WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`COMMENT ON TABLE "analytics"."airflow_dag_task_run" IS 'airflow-monitor/1.0 (it''s us)'`)).
		WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectCommit()

	require.NoError(t, s.EnsureSchema(context.Background(), "etl_owner"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_WithoutRoleSkipsSetRole(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE SCHEMA IF NOT EXISTS "public"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "public"."airflow_dag_run"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`COMMENT ON TABLE "public"."airflow_dag_run"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectExec(q(`COMMENT ON TABLE "public"."airflow_dag_task_run"`)).WillReturnResult(pgxmock.NewResult("", 0))
	mock.ExpectCommit()

	require.NoError(t, s.EnsureSchema(context.Background(), ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_DDLFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t, "public")

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE SCHEMA IF NOT EXISTS "public"`)).WillReturnError(errors.New("must be owner"))
	mock.ExpectRollback()

	err := s.EnsureSchema(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create schema public")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'plain'`, quoteLiteral("plain"))
	assert.Equal(t, `'it''s'`, quoteLiteral("it's"))
}
