// Package metrics defines the OpenTelemetry instruments recorded by sync passes.
package metrics

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every instrument in this package.
const MeterName = "github.com/dwsmith1983/airflow-monitor"

// Instruments groups the sync counters.
type Instruments struct {
	PipelinesSynced metric.Int64Counter
	RunsSaved       metric.Int64Counter
	TasksSaved      metric.Int64Counter
	RunsRejected    metric.Int64Counter
	RunsDeferred    metric.Int64Counter
	PassDuration    metric.Float64Histogram
}

// New registers the instruments on mp.
func New(mp metric.MeterProvider) (*Instruments, error) {
	m := mp.Meter(MeterName)
	ins := &Instruments{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&ins.PipelinesSynced, "airflow_monitor.pipelines_synced", "Pipelines whose new runs were committed"},
		{&ins.RunsSaved, "airflow_monitor.runs_saved", "DAG runs committed to the store"},
		{&ins.TasksSaved, "airflow_monitor.tasks_saved", "Task runs committed to the store"},
		{&ins.RunsRejected, "airflow_monitor.runs_rejected", "DAG runs skipped as malformed"},
		{&ins.RunsDeferred, "airflow_monitor.runs_deferred", "DAG runs skipped because they had not finished"},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("metrics: creating %s: %w", c.name, err)
		}
	}

	ins.PassDuration, err = m.Float64Histogram("airflow_monitor.pass_duration",
		metric.WithDescription("Wall-clock duration of a sync pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: creating pass duration: %w", err)
	}
	return ins, nil
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	ins, _ := New(noop.NewMeterProvider())
	return ins
}
