// Package watermark resolves, per DAG, the end-time lower bound of the next
// incremental fetch from what the store already holds.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// Epsilon is added to the last persisted end time so that run, which the
// inclusive end_date_gte filter would return again, is excluded.
const Epsilon = 100 * time.Millisecond

// LatestRunReader is the store's read contract: the most recently inserted run
// of a DAG (highest insertion sequence), or nil when none exists.
type LatestRunReader interface {
	LatestRun(ctx context.Context, pipelineID string) (*types.PipelineRun, error)
}

// Resolver computes watermarks.
type Resolver struct {
	store LatestRunReader
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store LatestRunReader) *Resolver {
	return &Resolver{store: store}
}

// Since returns the lower bound for the next fetch of pipelineID, or nil when
// nothing has been persisted yet and the whole history should be fetched.
//
// The latest run is chosen by insertion order, not by end time. If runs were
// ever persisted out of chronological order the watermark follows the last
// insert, which may sit before an already persisted end time.
func (r *Resolver) Since(ctx context.Context, pipelineID string) (*time.Time, error) {
	last, err := r.store.LatestRun(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("watermark: latest run of %s: %w", pipelineID, err)
	}
	if last == nil {
		return nil, nil
	}
	since := last.EndTime.Add(Epsilon)
	return &since, nil
}
