// Package airflow is a read-only client for the Airflow stable REST API
// (/api/v1): DAG listing, DAG run history and task instances.
package airflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// Doer executes HTTP requests. *httpclient.Client and *http.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client lists DAGs, runs and task instances from one Airflow server.
type Client struct {
	baseURL   string
	http      Doer
	pageLimit int
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPageLimit sets the limit query parameter sent on listing requests.
// Zero leaves the server default in place.
func WithPageLimit(n int) Option {
	return func(c *Client) { c.pageLimit = n }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// "https://airflow.example.com/api/v1".
func NewClient(baseURL string, doer Doer, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckAccess issues a one-item DAG listing to verify the server is reachable
// and the credentials are accepted.
func (c *Client) CheckAccess(ctx context.Context) (bool, error) {
	q := url.Values{}
	q.Set("limit", "1")
	resp, err := c.get(ctx, "/dags", q)
	if err != nil {
		return false, upstream("check access", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return true, nil
}

// ListPipelines fetches every DAG, following offset pagination until the
// reported total is reached or the server stops returning items.
func (c *Client) ListPipelines(ctx context.Context) ([]types.DAG, error) {
	var all []types.DAG
	total, err := paginate(ctx, 0, func(ctx context.Context, offset int) (int, int, error) {
		var page types.DAGCollection
		if err := c.getJSON(ctx, "/dags", c.pageQuery(offset), &page); err != nil {
			return 0, 0, upstream("list dags", err)
		}
		all = append(all, page.DAGs...)
		return len(page.DAGs), page.TotalEntries, nil
	})
	if err != nil {
		return nil, err
	}
	if len(all) != total {
		c.logger.Warn("dag listing shorter than reported total", "fetched", len(all), "total", total)
	}
	return all, nil
}

// ListRuns fetches runs of dagID, newest first from the server, optionally
// restricted to runs ending at or after since and capped at maxRuns (0 means no
// cap). The returned slice is in chronological order, earliest first.
func (c *Client) ListRuns(ctx context.Context, dagID string, since *time.Time, maxRuns int) ([]types.DAGRun, error) {
	path := "/dags/" + url.PathEscape(dagID) + "/dagRuns"

	var all []types.DAGRun
	limit, err := paginate(ctx, maxRuns, func(ctx context.Context, offset int) (int, int, error) {
		q := c.pageQuery(offset)
		q.Set("order_by", "-end_date")
		if since != nil {
			q.Set("end_date_gte", since.UTC().Format(time.RFC3339Nano))
		}
		var page types.DAGRunCollection
		if err := c.getJSON(ctx, path, q, &page); err != nil {
			return 0, 0, upstream("list runs of "+dagID, err)
		}
		if len(all) == 0 {
			c.logger.Info("listing dag runs", "pipeline", dagID, "totalEntries", page.TotalEntries, "maxRuns", maxRuns)
		}
		all = append(all, page.DAGRuns...)
		return len(page.DAGRuns), page.TotalEntries, nil
	})
	if err != nil {
		return nil, err
	}

	if len(all) > limit {
		all = all[:limit]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// ListTasks fetches the task instances of one DAG run.
func (c *Client) ListTasks(ctx context.Context, dagID, runID string) ([]types.TaskInstance, error) {
	path := "/dags/" + url.PathEscape(dagID) + "/dagRuns/" + url.PathEscape(runID) + "/taskInstances"
	var coll types.TaskInstanceCollection
	if err := c.getJSON(ctx, path, nil, &coll); err != nil {
		return nil, upstream("list tasks of "+dagID+"/"+runID, err)
	}
	return coll.TaskInstances, nil
}

func (c *Client) pageQuery(offset int) url.Values {
	q := url.Values{}
	if c.pageLimit > 0 {
		q.Set("limit", strconv.Itoa(c.pageLimit))
	}
	// offset=0 is the server default; it is never sent explicitly.
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	resp, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func upstream(op string, err error) error {
	return fmt.Errorf("airflow: %s: %w: %w", op, types.ErrUpstreamUnavailable, err)
}
