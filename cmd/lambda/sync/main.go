// sync Lambda runs one Airflow history sync pass.
// Invoked by an EventBridge schedule (e.g. every 15 minutes).
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/dwsmith1983/airflow-monitor/internal/app"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

var version = "dev"

var (
	depsMu   sync.Mutex
	deps     *app.Deps
	initDeps = app.Init
)

// getDeps builds the dependencies once per container. A failed init is not
// cached, so the next invocation tries again.
func getDeps() (*app.Deps, error) {
	depsMu.Lock()
	defer depsMu.Unlock()
	if deps != nil {
		return deps, nil
	}
	d, err := initDeps(context.Background(), version)
	if err != nil {
		return nil, err
	}
	deps = d
	return deps, nil
}

type passRunner interface {
	RunOnce(ctx context.Context) (types.SyncSummary, error)
	Flush(ctx context.Context) error
}

func handler(ctx context.Context, evt events.CloudWatchEvent) (types.SyncSummary, error) {
	d, err := getDeps()
	if err != nil {
		return types.SyncSummary{}, err
	}
	return handle(ctx, d, d.Logger, evt)
}

// handle runs the pass and flushes telemetry before the invocation ends. A
// held lease is not a failure: the schedule retries on its next tick.
func handle(ctx context.Context, r passRunner, logger *slog.Logger, evt events.CloudWatchEvent) (types.SyncSummary, error) {
	logger.Info("sync invoked", "eventID", evt.ID, "source", evt.Source, "time", evt.Time)

	sum, err := r.RunOnce(ctx)
	if ferr := r.Flush(context.WithoutCancel(ctx)); ferr != nil {
		logger.Warn("flushing telemetry", "error", ferr)
	}
	if errors.Is(err, types.ErrLockHeld) {
		return sum, nil
	}
	return sum, err
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
