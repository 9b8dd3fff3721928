package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	tp := trace.NewTracerProvider()
	tel := newTelemetry(tp, mp, "agent", "test")
	defer tel.Shutdown(context.Background())

	r := chi.NewRouter()
	r.Use(tel.RequestInFlight(), tel.RequestDuration())
	r.Get("/actions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for range 3 {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actions/1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	hist, ok := byName["request_duration_millis"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count)
	route, ok := hist.DataPoints[0].Attributes.Value("http.route")
	require.True(t, ok)
	assert.Equal(t, "/actions/{id}", route.AsString())

	inflight, ok := byName["request_in_flight"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, inflight.DataPoints, 1)
	assert.Equal(t, int64(0), inflight.DataPoints[0].Value)
}

func TestTraceStart(t *testing.T) {
	tel := newTelemetry(trace.NewTracerProvider(), metric.NewMeterProvider(), "agent", "test")
	defer tel.Shutdown(context.Background())

	ctx, span := tel.TraceStart(context.Background(), "op")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.Equal(t, "test", tel.ServiceVersion())
}
