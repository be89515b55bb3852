package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	s := &Server{logger: zap.NewNop()}
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/cycles/:id/complete", func(c echo.Context) error {
		return s.fail(c, faults.New(faults.KindAttestation, "orchestrator.complete", "attestation missing"))
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/v1/cycles/c-1/complete"},
		{http.MethodPost, "/api/v1/cycles/c-2/complete"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		byName[md.Name] = md
	}

	requests := byName["regcycle.http.requests_total"].Data.(metricdata.Sum[int64])
	routes := map[string]int64{}
	for _, dp := range requests.DataPoints {
		route, _ := dp.Attributes.Value("route")
		routes[route.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		"/health":                     1,
		"/api/v1/cycles/:id/complete": 2,
	}, routes)

	hist := byName["regcycle.http.request_duration_seconds"].Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)

	rejections := byName["regcycle.http.rejections_total"].Data.(metricdata.Sum[int64])
	require.Len(t, rejections.DataPoints, 1)
	kind, _ := rejections.DataPoints[0].Attributes.Value("kind")
	assert.Equal(t, string(faults.KindAttestation), kind.AsString())
	assert.Equal(t, int64(2), rejections.DataPoints[0].Value)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/cycles/:id", routeLabel("/api/v1/cycles/:id"))
}
