package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// MemoryStore is an in-memory run store for testing. Rows get increasing
// surrogate ids in insertion order, like the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	rows    []types.PipelineRun
	nextID  int64
	commits int

	// LatestRunErr, when set, is returned by LatestRun.
	LatestRunErr error
	// CommitErr, when set, is returned by Commit and nothing is written.
	CommitErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Seed appends runs as if they had been committed earlier.
func (m *MemoryStore) Seed(runs ...types.PipelineRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(runs)
}

// LatestRun returns the most recently inserted run of pipelineID.
func (m *MemoryStore) LatestRun(_ context.Context, pipelineID string) (*types.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LatestRunErr != nil {
		return nil, m.LatestRunErr
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].PipelineID == pipelineID {
			run := m.rows[i]
			return &run, nil
		}
	}
	return nil, nil
}

// Commit appends runs atomically.
func (m *MemoryStore) Commit(_ context.Context, runs []types.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.commits++
	m.appendLocked(runs)
	return nil
}

// Runs returns a copy of every stored run in insertion order.
func (m *MemoryStore) Runs() []types.PipelineRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PipelineRun, len(m.rows))
	copy(out, m.rows)
	return out
}

// RunsFor returns the stored runs of one pipeline in insertion order.
func (m *MemoryStore) RunsFor(pipelineID string) []types.PipelineRun {
	var out []types.PipelineRun
	for _, r := range m.Runs() {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	return out
}

// Commits returns how many successful commits were made.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// AssertNoDuplicates returns an error if any (pipeline, run) pair is stored twice.
func (m *MemoryStore) AssertNoDuplicates() error {
	seen := make(map[string]bool)
	for _, r := range m.Runs() {
		key := r.PipelineID + "/" + r.RunID
		if seen[key] {
			return fmt.Errorf("duplicate run %s", key)
		}
		seen[key] = true
	}
	return nil
}

func (m *MemoryStore) appendLocked(runs []types.PipelineRun) {
	for _, r := range runs {
		r.ID = m.nextID
		m.nextID++
		m.rows = append(m.rows, r)
	}
}
