// Package testutil provides shared test helpers: a fake Airflow API server,
// an in-memory run store and builders for raw API payloads.
package testutil

import "github.com/dwsmith1983/airflow-monitor/pkg/types"

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// optional returns nil for "" so builders can express JSON nulls.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Run builds a successful DAG run; empty timestamps become nulls.
func Run(runID, start, end string) types.DAGRun {
	return types.DAGRun{
		DagRunID:      runID,
		State:         "success",
		RunType:       "scheduled",
		StartDate:     optional(start),
		EndDate:       optional(end),
		ExecutionDate: optional(start),
	}
}

// Task builds a successful task instance; empty timestamps become nulls.
func Task(taskID, start, end string, duration float64) types.TaskInstance {
	return types.TaskInstance{
		TaskID:        taskID,
		Operator:      Ptr("PythonOperator"),
		State:         Ptr("success"),
		StartDate:     optional(start),
		EndDate:       optional(end),
		ExecutionDate: optional(start),
		Duration:      Ptr(duration),
		TryNumber:     1,
	}
}
