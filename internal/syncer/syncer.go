// Package syncer runs one incremental sync pass: it walks every DAG on the
// Airflow server, fetches the runs that finished after the DAG's watermark and
// commits them, with their task instances, one DAG per transaction.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/airflow-monitor/internal/metrics"
	"github.com/dwsmith1983/airflow-monitor/internal/transform"
	"github.com/dwsmith1983/airflow-monitor/internal/watermark"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

const tracerName = "github.com/dwsmith1983/airflow-monitor/internal/syncer"

// API is the read side of the Airflow server.
type API interface {
	CheckAccess(ctx context.Context) (bool, error)
	ListPipelines(ctx context.Context) ([]types.DAG, error)
	ListRuns(ctx context.Context, dagID string, since *time.Time, maxRuns int) ([]types.DAGRun, error)
	ListTasks(ctx context.Context, dagID, runID string) ([]types.TaskInstance, error)
}

// Store persists runs. Commit must write all runs or none.
type Store interface {
	watermark.LatestRunReader
	Commit(ctx context.Context, runs []types.PipelineRun) error
}

// Options controls a pass.
type Options struct {
	// Since overrides the per-DAG watermark for every DAG when set.
	Since *time.Time
	// OnlyPipeline restricts the pass to one DAG id.
	OnlyPipeline string
	// Commit enables writes. When false runs are staged and counted only.
	Commit bool
	// MaxRuns caps the runs fetched per DAG. Zero means no cap.
	MaxRuns int
	// Pace is the pause between DAGs that had runs to process.
	Pace time.Duration
	// Source identifies the Airflow deployment on every persisted run.
	Source string
}

// Syncer executes sync passes.
type Syncer struct {
	api      API
	store    Store
	resolver *watermark.Resolver
	opts     Options

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Instruments
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithTracerProvider sets the provider spans are recorded on.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Syncer) { s.tracer = tp.Tracer(tracerName) }
}

// WithMetrics sets the instruments pass counts are recorded on.
func WithMetrics(m *metrics.Instruments) Option {
	return func(s *Syncer) { s.metrics = m }
}

// New creates a Syncer.
func New(api API, store Store, opts Options, options ...Option) *Syncer {
	s := &Syncer{
		api:      api,
		store:    store,
		resolver: watermark.NewResolver(store),
		opts:     opts,
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		metrics:  metrics.Noop(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// pipelineResult counts what happened to one DAG.
type pipelineResult struct {
	saved    int
	tasks    int
	rejected int
	deferred int
	stale    int
	fetched  bool
}

// Run executes one pass. A failed access check, DAG listing, run or task
// fetch, watermark lookup or commit aborts the pass. DAGs committed before the
// failure stay committed. The summary is populated in both cases.
func (s *Syncer) Run(ctx context.Context) (types.SyncSummary, error) {
	startedAt := s.now().UTC()
	sum := types.SyncSummary{
		PassID:    ulid.Make().String(),
		Source:    s.opts.Source,
		StartedAt: startedAt,
		Committed: s.opts.Commit,
	}
	logger := s.logger.With("passID", sum.PassID)

	ctx, span := s.tracer.Start(ctx, "sync.pass", trace.WithAttributes(
		attribute.String("pass.id", sum.PassID),
		attribute.String("airflow.source", s.opts.Source),
		attribute.Bool("sync.commit", s.opts.Commit),
	))
	defer span.End()

	err := s.run(ctx, logger, startedAt, &sum)

	sum.FinishedAt = s.now().UTC()
	s.metrics.PassDuration.Record(ctx, sum.FinishedAt.Sub(startedAt).Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)))
	span.SetAttributes(
		attribute.Int("sync.pipelines_synced", sum.PipelinesSynced),
		attribute.Int("sync.runs_saved", sum.RunsSaved),
	)

	if err != nil {
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("sync pass failed", "error", err, "runsSaved", sum.RunsSaved)
		return sum, err
	}
	logger.Info("sync pass complete",
		"pipelines", sum.PipelinesSeen,
		"pipelinesSynced", sum.PipelinesSynced,
		"runsSaved", sum.RunsSaved,
		"tasksSaved", sum.TasksSaved,
		"runsRejected", sum.RunsRejected,
		"runsDeferred", sum.RunsDeferred,
		"runsStale", sum.RunsStale,
		"duration", sum.FinishedAt.Sub(startedAt),
	)
	return sum, nil
}

func (s *Syncer) run(ctx context.Context, logger *slog.Logger, savedAt time.Time, sum *types.SyncSummary) error {
	if _, err := s.api.CheckAccess(ctx); err != nil {
		return fmt.Errorf("syncer: access check: %w", err)
	}

	dags, err := s.api.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list pipelines: %w", err)
	}
	sum.PipelinesSeen = len(dags)
	logger.Info("pipelines listed", "count", len(dags), "only", s.opts.OnlyPipeline)

	for _, dag := range dags {
		if s.opts.OnlyPipeline != "" && dag.DagID != s.opts.OnlyPipeline {
			continue
		}

		res, err := s.syncPipeline(ctx, logger.With("pipeline", dag.DagID), dag, savedAt)
		sum.RunsRejected += res.rejected
		sum.RunsDeferred += res.deferred
		sum.RunsStale += res.stale
		if err != nil {
			return err
		}
		if res.saved > 0 {
			sum.PipelinesSynced++
			sum.RunsSaved += res.saved
			sum.TasksSaved += res.tasks
		}

		if res.fetched && s.opts.Pace > 0 {
			if err := s.sleep(ctx, s.opts.Pace); err != nil {
				return fmt.Errorf("syncer: pacing: %w", err)
			}
		}
	}
	return nil
}

func (s *Syncer) syncPipeline(ctx context.Context, logger *slog.Logger, dag types.DAG, savedAt time.Time) (pipelineResult, error) {
	var res pipelineResult

	ctx, span := s.tracer.Start(ctx, "sync.pipeline", trace.WithAttributes(
		attribute.String("pipeline.id", dag.DagID),
	))
	defer span.End()

	fail := func(err error) (pipelineResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	since := s.opts.Since
	if since == nil {
		var err error
		if since, err = s.resolver.Since(ctx, dag.DagID); err != nil {
			return fail(fmt.Errorf("syncer: %w", err))
		}
	}
	if since != nil {
		logger = logger.With("since", since.Format(time.RFC3339Nano))
	}

	runs, err := s.api.ListRuns(ctx, dag.DagID, since, s.opts.MaxRuns)
	if err != nil {
		return fail(fmt.Errorf("syncer: %w", err))
	}
	if len(runs) == 0 {
		logger.Info("no new runs")
		return res, nil
	}
	res.fetched = true
	logger.Info("processing runs", "count", len(runs))

	pipelineAttr := metric.WithAttributes(attribute.String("pipeline", dag.DagID))
	description := ""
	if dag.Description != nil {
		description = *dag.Description
	}

	staged := make([]types.PipelineRun, 0, len(runs))
	for _, raw := range runs {
		runLogger := logger.With("runID", raw.DagRunID)

		if endedBefore(raw, since) {
			res.stale++
			runLogger.Warn("server returned a run ending before the watermark, skipping", "endDate", *raw.EndDate)
			continue
		}

		tasks, err := s.api.ListTasks(ctx, dag.DagID, raw.DagRunID)
		if err != nil {
			return fail(fmt.Errorf("syncer: %w", err))
		}

		run, err := transform.Run(dag.DagID, raw.DagRunID, raw, tasks)
		switch {
		case errors.Is(err, types.ErrRunInProgress):
			res.deferred++
			s.metrics.RunsDeferred.Add(ctx, 1, pipelineAttr)
			runLogger.Info("run not finished, deferring", "state", raw.State)
			continue
		case errors.Is(err, types.ErrTaskUndated):
			res.rejected++
			s.metrics.RunsRejected.Add(ctx, 1, pipelineAttr)
			runLogger.Error("task instance has no timestamp, rejecting run", "error", err)
			continue
		case err != nil:
			res.rejected++
			s.metrics.RunsRejected.Add(ctx, 1, pipelineAttr)
			runLogger.Warn("skipping malformed run", "error", err)
			continue
		}

		run.Description = description
		run.SavedAt = savedAt
		run.SourceEnvironment = s.opts.Source
		staged = append(staged, *run)
		runLogger.Debug("run staged", "tasks", len(run.Tasks), "duration", run.DurationSeconds)
	}

	taskCount := 0
	for _, r := range staged {
		taskCount += len(r.Tasks)
	}
	span.SetAttributes(
		attribute.Int("pipeline.runs_staged", len(staged)),
		attribute.Int("pipeline.runs_rejected", res.rejected),
	)

	if len(staged) == 0 {
		logger.Info("nothing to save", "rejected", res.rejected, "deferred", res.deferred, "stale", res.stale)
		return res, nil
	}
	if !s.opts.Commit {
		logger.Info("dry run, not committing", "runs", len(staged), "tasks", taskCount)
		return res, nil
	}

	if err := s.store.Commit(ctx, staged); err != nil {
		return fail(fmt.Errorf("syncer: commit %s: %w: %w", dag.DagID, types.ErrStoreCommit, err))
	}
	res.saved = len(staged)
	res.tasks = taskCount

	s.metrics.PipelinesSynced.Add(ctx, 1, pipelineAttr)
	s.metrics.RunsSaved.Add(ctx, int64(res.saved), pipelineAttr)
	s.metrics.TasksSaved.Add(ctx, int64(res.tasks), pipelineAttr)
	logger.Info("runs saved", "runs", res.saved, "tasks", res.tasks, "rejected", res.rejected, "deferred", res.deferred)
	return res, nil
}

// endedBefore reports whether raw has a parseable end_date before since. The
// server is asked to filter on end_date, but that filter is not trusted.
func endedBefore(raw types.DAGRun, since *time.Time) bool {
	if since == nil {
		return false
	}
	end, err := transform.ParseTime(raw.EndDate)
	if err != nil || end == nil {
		return false
	}
	return end.Before(*since)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
