package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

const apiPrefix = "/api/v1"

// FakeAirflow is an httptest-backed stand-in for the Airflow REST API. It
// paginates, orders runs by end_date descending and honours end_date_gte the
// way the real server does.
type FakeAirflow struct {
	Server *httptest.Server

	mu       sync.Mutex
	pageSize int
	dags     []types.DAG
	runs     map[string][]types.DAGRun
	tasks    map[string][]types.TaskInstance // key: dagID + "/" + runID
	requests []url.URL
	failures map[string]int // path suffix -> status code
	dagTotal int            // overrides total_entries of /dags when > 0
}

// NewFakeAirflow starts a fake server that is closed when the test ends.
func NewFakeAirflow(t *testing.T) *FakeAirflow {
	t.Helper()
	f := &FakeAirflow{
		pageSize: 100,
		runs:     make(map[string][]types.DAGRun),
		tasks:    make(map[string][]types.TaskInstance),
		failures: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the API base URL, including the /api/v1 prefix.
func (f *FakeAirflow) URL() string {
	return f.Server.URL + apiPrefix
}

// SetPageSize sets how many items a listing page holds when no limit is sent.
func (f *FakeAirflow) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// SetDAGTotal makes /dags report total instead of the real count.
func (f *FakeAirflow) SetDAGTotal(total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dagTotal = total
}

// FailPath makes every request whose path ends with suffix answer with status.
func (f *FakeAirflow) FailPath(suffix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[suffix] = status
}

// AddDAG registers a DAG.
func (f *FakeAirflow) AddDAG(dagID, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dag := types.DAG{DagID: dagID, IsActive: true}
	if description != "" {
		dag.Description = Ptr(description)
	}
	f.dags = append(f.dags, dag)
}

// AddRun registers a run for dagID along with its task instances.
func (f *FakeAirflow) AddRun(dagID string, run types.DAGRun, tasks ...types.TaskInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.DagID = dagID
	f.runs[dagID] = append(f.runs[dagID], run)
	f.tasks[dagID+"/"+run.DagRunID] = tasks
}

// Requests returns a copy of every request URL received so far.
func (f *FakeAirflow) Requests() []url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]url.URL, len(f.requests))
	copy(out, f.requests)
	return out
}

// RunListQueries returns the query strings of the run listings made for dagID.
func (f *FakeAirflow) RunListQueries(dagID string) []url.Values {
	var out []url.Values
	for _, u := range f.Requests() {
		if strings.HasSuffix(u.Path, "/dags/"+dagID+"/dagRuns") {
			out = append(out, u.Query())
		}
	}
	return out
}

func (f *FakeAirflow) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, *r.URL)
	for suffix, status := range f.failures {
		if strings.HasSuffix(r.URL.Path, suffix) {
			w.WriteHeader(status)
			return
		}
	}

	parts := splitPath(strings.TrimPrefix(r.URL.EscapedPath(), apiPrefix))
	q := r.URL.Query()

	switch {
	case len(parts) == 1 && parts[0] == "dags":
		page := paginateSlice(f.dags, q, f.pageSize)
		total := len(f.dags)
		if f.dagTotal > 0 {
			total = f.dagTotal
		}
		writeJSON(w, types.DAGCollection{DAGs: page, TotalEntries: total})
	case len(parts) == 3 && parts[0] == "dags" && parts[2] == "dagRuns":
		runs, err := f.filteredRuns(parts[1], q.Get("end_date_gte"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, types.DAGRunCollection{DAGRuns: paginateSlice(runs, q, f.pageSize), TotalEntries: len(runs)})
	case len(parts) == 5 && parts[0] == "dags" && parts[2] == "dagRuns" && parts[4] == "taskInstances":
		tasks, ok := f.tasks[parts[1]+"/"+parts[3]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, types.TaskInstanceCollection{TaskInstances: tasks, TotalEntries: len(tasks)})
	default:
		http.NotFound(w, r)
	}
}

// filteredRuns applies end_date_gte and orders by end_date descending with
// null end dates first, as Postgres does for DESC.
func (f *FakeAirflow) filteredRuns(dagID, gte string) ([]types.DAGRun, error) {
	var since time.Time
	if gte != "" {
		t, err := time.Parse(time.RFC3339Nano, gte)
		if err != nil {
			return nil, err
		}
		since = t
	}

	var out []types.DAGRun
	for _, run := range f.runs[dagID] {
		if gte != "" {
			end := parseOrZero(run.EndDate)
			if end.IsZero() || end.Before(since) {
				continue
			}
		}
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := parseOrZero(out[i].EndDate), parseOrZero(out[j].EndDate)
		if ei.IsZero() != ej.IsZero() {
			return ei.IsZero()
		}
		return ei.After(ej)
	})
	return out, nil
}

func paginateSlice[T any](items []T, q url.Values, pageSize int) []T {
	limit := pageSize
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if s, err := url.PathUnescape(seg); err == nil {
			out = append(out, s)
		} else {
			out = append(out, seg)
		}
	}
	return out
}

func parseOrZero(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
