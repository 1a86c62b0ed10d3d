// Package notify publishes sync pass summaries to configured sinks.
package notify

import (
	"context"
	"log/slog"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// Sink is a summary destination.
type Sink interface {
	Send(ctx context.Context, sum types.SyncSummary) error
	Name() string
}

// Dispatcher fans a summary out to every sink. Delivery is best-effort: a
// failing sink is logged and does not affect the others or the pass outcome.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// AddSink registers another sink.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Dispatch sends sum to all sinks.
func (d *Dispatcher) Dispatch(ctx context.Context, sum types.SyncSummary) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, sum); err != nil {
			d.logger.Error("notify: sink failed", "sink", sink.Name(), "passID", sum.PassID, "error", err)
		}
	}
}

// LogSink writes summaries to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name returns the sink identifier.
func (s *LogSink) Name() string { return "log" }

// Send logs the summary, at error level when the pass failed.
func (s *LogSink) Send(ctx context.Context, sum types.SyncSummary) error {
	level := slog.LevelInfo
	if sum.Error != "" {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "sync pass summary",
		"passID", sum.PassID,
		"source", sum.Source,
		"pipelines", sum.PipelinesSeen,
		"pipelinesSynced", sum.PipelinesSynced,
		"runsSaved", sum.RunsSaved,
		"tasksSaved", sum.TasksSaved,
		"runsRejected", sum.RunsRejected,
		"runsDeferred", sum.RunsDeferred,
		"runsStale", sum.RunsStale,
		"committed", sum.Committed,
		"error", sum.Error,
	)
	return nil
}
