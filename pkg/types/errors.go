package types

import "errors"

var (
	// ErrUpstreamUnavailable is returned when the Airflow API cannot be reached or
	// answers with a failure after transport-level retries. Fatal for a sync pass.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedRun marks a run that cannot produce a complete record, e.g. one
	// without a start_date. The run is skipped; sibling runs still process.
	ErrMalformedRun = errors.New("malformed run")

	// ErrRunInProgress marks a run with no end_date yet. It is deferred to a later
	// pass rather than persisted half-finished.
	ErrRunInProgress = errors.New("run in progress")

	// ErrTaskUndated marks a task instance with no start, execution or logical
	// date. It always comes wrapped together with ErrMalformedRun.
	ErrTaskUndated = errors.New("task has no timestamp")

	// ErrStoreCommit is returned when a pipeline's staged writes fail to commit.
	// Fatal for a sync pass.
	ErrStoreCommit = errors.New("store commit failed")

	// ErrLockHeld is returned when another sync pass holds the single-writer lease.
	ErrLockHeld = errors.New("sync lease held by another process")
)
