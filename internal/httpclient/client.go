// Package httpclient provides the HTTP transport used to talk to the Airflow API:
// basic auth, a fixed User-Agent, bounded retries on server errors and a circuit
// breaker so a dead upstream fails fast instead of burning the whole retry budget
// on every call.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Defaults applied by New when a Config field is zero.
const (
	defaultTimeout     = 30 * time.Second
	defaultInitialWait = 500 * time.Millisecond
	defaultMaxWait     = 10 * time.Second
	defaultFailTrip    = 5
	defaultCooldown    = 30 * time.Second
)

// Config holds the transport settings.
type Config struct {
	Username      string
	Password      string
	UserAgent     string
	SkipTLSVerify bool
	Timeout       time.Duration
	MaxRetries    int           // retries after the first attempt; 0 disables retrying
	InitialWait   time.Duration // first backoff interval
	MaxWait       time.Duration // backoff interval cap
	FailThreshold uint32        // consecutive failed calls before the breaker opens
	Cooldown      time.Duration // how long the breaker stays open
}

// StatusError is returned when the server answers with a non-2xx status after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Client is a retrying, circuit-broken http.Client wrapper. It satisfies the
// Doer interface consumed by the airflow package.
type Client struct {
	http    *http.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client from cfg, filling in defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = defaultInitialWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = defaultFailTrip
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		// Deployment-specific trust decision, off unless configured.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	c := &Client{
		http:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cfg:    cfg,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "airflow-api",
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailThreshold
		},
		IsSuccessful: func(err error) bool {
			// Client errors mean the server is up; they must not trip the breaker.
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < 500 {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Do sends req, retrying transport errors and 5xx responses with exponential
// backoff. Any non-2xx final response is returned as a *StatusError and the
// body is closed; on success the caller owns resp.Body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attempt := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialWait
	b.MaxInterval = c.cfg.MaxWait

	return backoff.Retry(ctx, func() (*http.Response, error) {
		attempt++
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("http request failed", "url", req.URL.Redacted(), "attempt", attempt, "error", err)
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			c.logger.Debug("http server error", "url", req.URL.Redacted(), "attempt", attempt, "status", resp.StatusCode)
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
	)
}

// readSnippet reads at most 512 bytes of an error body for diagnostics.
func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(data)
}
