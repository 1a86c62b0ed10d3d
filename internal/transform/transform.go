// Package transform maps raw Airflow run and task payloads onto the normalized
// PipelineRun / TaskRun records persisted by the store.
package transform

import (
	"fmt"
	"time"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// Run builds the PipelineRun for one DAG run and its task instances.
//
// A run without start_date is rejected with types.ErrMalformedRun; a run
// without end_date is reported as types.ErrRunInProgress. Run duration is
// always recomputed from the timestamps while task durations are copied as
// reported. Description, SavedAt and SourceEnvironment are left for the caller.
func Run(dagID, runID string, run types.DAGRun, tasks []types.TaskInstance) (*types.PipelineRun, error) {
	start, err := ParseTime(run.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: run %s start_date: %w", types.ErrMalformedRun, runID, err)
	}
	if start == nil {
		return nil, fmt.Errorf("%w: run %s has no start_date", types.ErrMalformedRun, runID)
	}
	end, err := ParseTime(run.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: run %s end_date: %w", types.ErrMalformedRun, runID, err)
	}
	if end == nil {
		return nil, fmt.Errorf("%w: run %s (state %q)", types.ErrRunInProgress, runID, run.State)
	}

	taskRuns := make([]types.TaskRun, 0, len(tasks))
	for _, ti := range tasks {
		tr, err := Task(dagID, runID, ti)
		if err != nil {
			return nil, err
		}
		taskRuns = append(taskRuns, tr)
	}

	return &types.PipelineRun{
		PipelineID:      dagID,
		RunID:           runID,
		State:           run.State,
		StartTime:       *start,
		EndTime:         *end,
		DurationSeconds: end.Sub(*start).Seconds(),
		Tasks:           taskRuns,
	}, nil
}

// Task builds a TaskRun. The start time falls back to the execution date and
// then the logical date when the task never started; a task with none of the
// three is a malformed payload.
func Task(dagID, runID string, ti types.TaskInstance) (types.TaskRun, error) {
	var start *time.Time
	for _, candidate := range []*string{ti.StartDate, ti.ExecutionDate, ti.LogicalDate} {
		t, err := ParseTime(candidate)
		if err != nil {
			return types.TaskRun{}, fmt.Errorf("%w: task %s of run %s: %w", types.ErrMalformedRun, ti.TaskID, runID, err)
		}
		if t != nil {
			start = t
			break
		}
	}
	if start == nil {
		return types.TaskRun{}, fmt.Errorf("%w: %w: task %s of run %s has neither start_date nor execution_date",
			types.ErrMalformedRun, types.ErrTaskUndated, ti.TaskID, runID)
	}

	end, err := ParseTime(ti.EndDate)
	if err != nil {
		return types.TaskRun{}, fmt.Errorf("%w: task %s of run %s end_date: %w", types.ErrMalformedRun, ti.TaskID, runID, err)
	}

	return types.TaskRun{
		PipelineID:      dagID,
		RunID:           runID,
		TaskID:          ti.TaskID,
		OperatorType:    deref(ti.Operator),
		State:           deref(ti.State),
		StartTime:       *start,
		EndTime:         end,
		DurationSeconds: ti.Duration,
		AttemptNumber:   ti.TryNumber,
	}, nil
}

// ParseTime parses an Airflow ISO 8601 timestamp. nil and "" yield nil.
func ParseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
