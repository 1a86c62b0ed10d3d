package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/airflow-monitor/internal/testutil"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input *string
		want  *time.Time
	}{
		{"offset", testutil.Ptr("2022-05-30T12:35:00+00:00"), testutil.Ptr(time.Date(2022, 5, 30, 12, 35, 0, 0, time.UTC))},
		{"fractional", testutil.Ptr("2023-01-01T00:00:00.489281+00:00"), testutil.Ptr(time.Date(2023, 1, 1, 0, 0, 0, 489281000, time.UTC))},
		{"non-utc offset", testutil.Ptr("2024-03-01T02:00:00+02:00"), testutil.Ptr(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))},
		{"empty", testutil.Ptr(""), nil},
		{"null", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.input)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseTime_Invalid(t *testing.T) {
	_, err := ParseTime(testutil.Ptr("yesterday"))
	assert.Error(t, err)
}

func TestRun_MissingStartDateRejected(t *testing.T) {
	raw := testutil.Run("r1", "", "2024-01-01T00:05:00Z")
	tasks := []types.TaskInstance{testutil.Task("t1", "2024-01-01T00:00:00Z", "", 1)}

	got, err := Run("etl", "r1", raw, tasks)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, types.ErrMalformedRun)
	assert.Contains(t, err.Error(), "no start_date")
}

func TestRun_MissingEndDateDeferred(t *testing.T) {
	raw := testutil.Run("r1", "2024-01-01T00:00:00Z", "")
	raw.State = "running"

	got, err := Run("etl", "r1", raw, nil)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, types.ErrRunInProgress)
	assert.NotErrorIs(t, err, types.ErrMalformedRun)
}

func TestRun_DurationRecomputed(t *testing.T) {
	raw := testutil.Run("r1", "2024-01-01T00:00:00Z", "2024-01-01T00:01:30.5Z")

	got, err := Run("etl", "r1", raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 90.5, got.DurationSeconds)
	assert.Equal(t, "etl", got.PipelineID)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "success", got.State)
	assert.Empty(t, got.Description, "enrichment is the caller's job")
	assert.True(t, got.SavedAt.IsZero())
	assert.Empty(t, got.SourceEnvironment)
	assert.Empty(t, got.Tasks)
}

func TestRun_TaskDurationCopiedFromSource(t *testing.T) {
	raw := testutil.Run("r1", "2024-01-01T00:00:00Z", "2024-01-01T00:10:00Z")
	// Source duration deliberately disagrees with the timestamps.
	task := testutil.Task("extract", "2024-01-01T00:00:00Z", "2024-01-01T00:01:00Z", 42.25)
	task.TryNumber = 2

	got, err := Run("etl", "r1", raw, []types.TaskInstance{task})
	require.NoError(t, err)
	require.Len(t, got.Tasks, 1)

	tr := got.Tasks[0]
	assert.Equal(t, "etl", tr.PipelineID)
	assert.Equal(t, "r1", tr.RunID)
	assert.Equal(t, "extract", tr.TaskID)
	assert.Equal(t, "PythonOperator", tr.OperatorType)
	assert.Equal(t, "success", tr.State)
	require.NotNil(t, tr.DurationSeconds)
	assert.Equal(t, 42.25, *tr.DurationSeconds)
	assert.Equal(t, 2, tr.AttemptNumber)
	require.NotNil(t, tr.EndTime)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), *tr.EndTime)
}

func TestTask_StartFallsBackToExecutionDate(t *testing.T) {
	ti := types.TaskInstance{
		TaskID:        "skipped_task",
		State:         testutil.Ptr("skipped"),
		ExecutionDate: testutil.Ptr("2024-01-01T00:00:00+00:00"),
	}

	tr, err := Task("etl", "r1", ti)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), tr.StartTime)
	assert.Nil(t, tr.EndTime)
	assert.Nil(t, tr.DurationSeconds)
	assert.Empty(t, tr.OperatorType)
}

func TestTask_StartFallsBackToLogicalDate(t *testing.T) {
	ti := types.TaskInstance{
		TaskID:      "upstream_failed",
		LogicalDate: testutil.Ptr("2024-02-01T00:00:00Z"),
	}

	tr, err := Task("etl", "r1", ti)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), tr.StartTime)
}

func TestTask_NoTimestampsIsMalformed(t *testing.T) {
	_, err := Task("etl", "r1", types.TaskInstance{TaskID: "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMalformedRun)
	assert.ErrorIs(t, err, types.ErrTaskUndated)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRun_MalformedTaskRejectsRun(t *testing.T) {
	raw := testutil.Run("r1", "2024-01-01T00:00:00Z", "2024-01-01T00:10:00Z")
	tasks := []types.TaskInstance{
		testutil.Task("ok", "2024-01-01T00:00:00Z", "", 1),
		{TaskID: "ghost"},
	}

	got, err := Run("etl", "r1", raw, tasks)
	assert.Nil(t, got, "no partial record")
	assert.ErrorIs(t, err, types.ErrMalformedRun)
}

func TestRun_UnparseableStartDate(t *testing.T) {
	raw := testutil.Run("r1", "not-a-date", "2024-01-01T00:10:00Z")
	_, err := Run("etl", "r1", raw, nil)
	assert.ErrorIs(t, err, types.ErrMalformedRun)
	assert.NotErrorIs(t, err, types.ErrTaskUndated)
}
