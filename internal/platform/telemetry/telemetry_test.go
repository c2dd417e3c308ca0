package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewMeterProvider_RequiresEndpoint(t *testing.T) {
	_, err := NewMeterProvider(context.Background(), Config{ServiceName: "genqueue"}, nil)
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestNewMeterProvider_ConnectsLazily(t *testing.T) {
	mp, err := NewMeterProvider(context.Background(), Config{
		ServiceName:       "genqueue",
		CollectorEndpoint: "127.0.0.1:4317",
		Insecure:          true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, mp)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = mp.Shutdown(ctx)
}

func TestMeterProvider_CarriesServiceResource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := newMeterProvider(Config{ServiceName: "genqueue", ServiceVersion: "1.2.3"}, reader)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	hist, err := mp.Meter("test").Float64Histogram("genqueue.task.duration")
	require.NoError(t, err)
	hist.Record(context.Background(), 12.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	name, ok := rm.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "genqueue", name.AsString())
	version, ok := rm.Resource.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())

	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	assert.Equal(t, "genqueue.task.duration", rm.ScopeMetrics[0].Metrics[0].Name)
}
