package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	httpInstrumentationName = "github.com/fyrsmithlabs/regcycle/internal/http"

	// errorKindKey is the echo context key fail uses to hand the error kind
	// to the metrics middleware.
	errorKindKey = "regcycle.error_kind"
)

// HTTPMetrics records request counts, latency and rejected requests by
// error kind.
type HTTPMetrics struct {
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	rejections metric.Int64Counter
	active     metric.Int64UpDownCounter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("regcycle.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("regcycle.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	warn("request_duration_seconds", err)

	m.rejections, err = meter.Int64Counter("regcycle.http.rejections_total",
		metric.WithDescription("API requests answered with an error, by route and error kind"),
		metric.WithUnit("{request}"))
	warn("rejections_total", err)

	m.active, err = meter.Int64UpDownCounter("regcycle.http.active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// MetricsMiddleware returns an echo middleware recording the instruments.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.active != nil {
				m.active.Add(ctx, 1)
				defer m.active.Add(ctx, -1)
			}

			err := next(c)

			route := routeLabel(c.Path())
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if kind, ok := c.Get(errorKindKey).(string); ok && m.rejections != nil {
				m.rejections.Add(ctx, 1, metric.WithAttributes(
					attribute.String("route", route),
					attribute.String("kind", kind),
				))
			}
			return err
		}
	}
}

// routeLabel is the registered route pattern, so cycle and action ids never
// become label values. Unmatched requests share one label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
