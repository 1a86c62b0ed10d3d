package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew_RegistersInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	ins, err := New(mp)
	require.NoError(t, err)

	ctx := context.Background()
	ins.PipelinesSynced.Add(ctx, 1)
	ins.RunsSaved.Add(ctx, 3)
	ins.TasksSaved.Add(ctx, 9)
	ins.RunsRejected.Add(ctx, 1)
	ins.RunsDeferred.Add(ctx, 2)
	ins.PassDuration.Record(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, MeterName, rm.ScopeMetrics[0].Scope.Name)

	got := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		got[m.Name] = true
	}
	for _, name := range []string{
		"airflow_monitor.pipelines_synced",
		"airflow_monitor.runs_saved",
		"airflow_monitor.tasks_saved",
		"airflow_monitor.runs_rejected",
		"airflow_monitor.runs_deferred",
		"airflow_monitor.pass_duration",
	} {
		assert.True(t, got[name], "missing %s", name)
	}
}

func TestNoop(t *testing.T) {
	ins := Noop()
	require.NotNil(t, ins)
	assert.NotPanics(t, func() {
		ins.RunsSaved.Add(context.Background(), 1)
		ins.PassDuration.Record(context.Background(), 2)
	})
}
