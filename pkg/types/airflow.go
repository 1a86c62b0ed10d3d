package types

// DAG is a pipeline definition as returned by GET /dags.
type DAG struct {
	DagID       string  `json:"dag_id"`
	Description *string `json:"description"`
	IsPaused    bool    `json:"is_paused"`
	IsActive    bool    `json:"is_active"`
}

// DAGCollection is one page of GET /dags.
type DAGCollection struct {
	DAGs         []DAG `json:"dags"`
	TotalEntries int   `json:"total_entries"`
}

// DAGRun is a single run as returned by GET /dags/{dag_id}/dagRuns.
// Timestamps are kept as raw ISO 8601 strings; null and "" both mean absent.
type DAGRun struct {
	DagRunID      string  `json:"dag_run_id"`
	DagID         string  `json:"dag_id"`
	State         string  `json:"state"`
	RunType       string  `json:"run_type"`
	StartDate     *string `json:"start_date"`
	EndDate       *string `json:"end_date"`
	ExecutionDate *string `json:"execution_date"`
	LogicalDate   *string `json:"logical_date"`
}

// DAGRunCollection is one page of GET /dags/{dag_id}/dagRuns.
type DAGRunCollection struct {
	DAGRuns      []DAGRun `json:"dag_runs"`
	TotalEntries int      `json:"total_entries"`
}

// TaskInstance is a task execution as returned by
// GET /dags/{dag_id}/dagRuns/{dag_run_id}/taskInstances.
type TaskInstance struct {
	TaskID        string   `json:"task_id"`
	Operator      *string  `json:"operator"`
	State         *string  `json:"state"`
	StartDate     *string  `json:"start_date"`
	EndDate       *string  `json:"end_date"`
	ExecutionDate *string  `json:"execution_date"`
	LogicalDate   *string  `json:"logical_date"`
	Duration      *float64 `json:"duration"`
	TryNumber     int      `json:"try_number"`
}

// TaskInstanceCollection is the response of the task instance listing.
type TaskInstanceCollection struct {
	TaskInstances []TaskInstance `json:"task_instances"`
	TotalEntries  int            `json:"total_entries"`
}
