package telemetry

import (
	"bytes"
	"context"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func TestBuild_ExportsUnderServiceIdentity(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	reg := promclient.NewRegistry()

	tel, err := build(ctx, Options{
		ServiceName: "quantgraph-test",
		Version:     "1.4.0",
		Traces:      true,
		Writer:      &buf,
		Metrics:     true,
		Registerer:  reg,
	})
	require.NoError(t, err)

	_, span := tel.Tracer("test").Start(ctx, "graph.execute")
	span.End()
	runs, err := tel.Meter("test").Int64Counter("test_runs")
	require.NoError(t, err)
	runs.Add(ctx, 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	require.Contains(t, byName, "target_info")
	info := labelsOf(byName["target_info"].GetMetric()[0])
	assert.Equal(t, "quantgraph-test", info["service_name"])
	assert.Equal(t, "1.4.0", info["service_version"])
	require.Contains(t, byName, "test_runs_total")
	assert.Equal(t, float64(2), byName["test_runs_total"].GetMetric()[0].GetCounter().GetValue())

	require.NoError(t, tel.Shutdown(ctx))
	assert.Contains(t, buf.String(), "graph.execute")
	assert.Contains(t, buf.String(), "quantgraph-test")
}

func TestBuild_DisabledSignalsInstallNothing(t *testing.T) {
	ctx := context.Background()
	tel, err := build(ctx, Options{ServiceName: "quantgraph-test"})
	require.NoError(t, err)

	assert.Nil(t, tel.tp)
	assert.Nil(t, tel.mp)
	assert.Nil(t, tel.lp)
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))

	version, ok := tel.Resource().Set().Value("service.version")
	require.True(t, ok)
	assert.Equal(t, "dev", version.AsString())
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestBuild_RequiresServiceName(t *testing.T) {
	_, err := build(context.Background(), Options{Metrics: true, Registerer: promclient.NewRegistry()})
	assert.Error(t, err)
}
