// Package types defines the domain types shared by the Airflow history sync.
package types

import "time"

// PipelineRun is one persisted execution of a DAG.
// (PipelineID, RunID) identifies a run; the sync watermark keeps the pair unique in storage.
type PipelineRun struct {
	ID                int64     `json:"id,omitempty"` // surrogate key, set by the store on commit
	PipelineID        string    `json:"pipelineId"`
	RunID             string    `json:"runId"`
	Description       string    `json:"description,omitempty"`
	State             string    `json:"state"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	DurationSeconds   float64   `json:"durationSeconds"` // always EndTime - StartTime
	SavedAt           time.Time `json:"savedAt"`
	SourceEnvironment string    `json:"sourceEnvironment"`
	Tasks             []TaskRun `json:"tasks,omitempty"`
}

// TaskRun is a single task instance within a PipelineRun. It is persisted in the
// same transaction as its parent and never on its own.
type TaskRun struct {
	PipelineID      string     `json:"pipelineId"`
	RunID           string     `json:"runId"`
	TaskID          string     `json:"taskId"`
	OperatorType    string     `json:"operatorType"`
	State           string     `json:"state"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"` // copied from the source, not recomputed
	AttemptNumber   int        `json:"attemptNumber"`
}

// SyncSummary reports the outcome of a single sync pass.
type SyncSummary struct {
	PassID          string    `json:"passId"`
	Source          string    `json:"source"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
	PipelinesSeen   int       `json:"pipelinesSeen"`
	PipelinesSynced int       `json:"pipelinesSynced"`
	RunsSaved       int       `json:"runsSaved"`
	TasksSaved      int       `json:"tasksSaved"`
	RunsRejected    int       `json:"runsRejected"`
	RunsDeferred    int       `json:"runsDeferred"`
	RunsStale       int       `json:"runsStale"` // returned by the server despite ending before the watermark
	Committed       bool      `json:"committed"`
	Error           string    `json:"error,omitempty"`
}
