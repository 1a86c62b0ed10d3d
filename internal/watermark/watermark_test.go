package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/airflow-monitor/internal/testutil"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

func TestSince_EmptyStoreIsUnbounded(t *testing.T) {
	r := NewResolver(testutil.NewMemoryStore())

	since, err := r.Since(context.Background(), "etl")
	require.NoError(t, err)
	assert.Nil(t, since)
}

func TestSince_LastRunPlusEpsilon(t *testing.T) {
	store := testutil.NewMemoryStore()
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Seed(types.PipelineRun{PipelineID: "etl", RunID: "r1", StartTime: end.Add(-time.Minute), EndTime: end})

	since, err := NewResolver(store).Since(context.Background(), "etl")
	require.NoError(t, err)
	require.NotNil(t, since)
	assert.Equal(t, end.Add(100*time.Millisecond), *since)
	assert.Equal(t, "2024-01-01T00:00:00.1Z", since.Format(time.RFC3339Nano))
}

func TestSince_IgnoresOtherPipelines(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.Seed(types.PipelineRun{PipelineID: "other", RunID: "r1", EndTime: time.Now()})

	since, err := NewResolver(store).Since(context.Background(), "etl")
	require.NoError(t, err)
	assert.Nil(t, since)
}

func TestSince_UsesInsertionOrderNotEndTime(t *testing.T) {
	store := testutil.NewMemoryStore()
	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Seed(
		types.PipelineRun{PipelineID: "etl", RunID: "late", EndTime: later},
		types.PipelineRun{PipelineID: "etl", RunID: "early", EndTime: earlier},
	)

	since, err := NewResolver(store).Since(context.Background(), "etl")
	require.NoError(t, err)
	require.NotNil(t, since)
	assert.Equal(t, earlier.Add(Epsilon), *since)
}

func TestSince_StoreError(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.LatestRunErr = errors.New("connection refused")

	_, err := NewResolver(store).Since(context.Background(), "etl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
