package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fyrsmithlabs/elexd/internal/http"

// unmatchedRoute labels requests that hit no registered route, so scans for
// random paths do not create new series.
const unmatchedRoute = "unmatched"

// requestMetrics instruments the diagnostics endpoints.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter. Instruments that fail
// to register are left nil and skipped.
func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	m := &requestMetrics{}
	var err, errs error

	m.requests, err = meter.Int64Counter("elexd.http.requests_total",
		metric.WithDescription("Diagnostics requests by route, method and status."),
		metric.WithUnit("{request}"))
	errs = errors.Join(errs, err)

	// Handlers read in-memory state; buckets stop at one second.
	m.duration, err = meter.Float64Histogram("elexd.http.request_duration_seconds",
		metric.WithDescription("Diagnostics request latency by route, method and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1))
	errs = errors.Join(errs, err)

	m.inflight, err = meter.Int64UpDownCounter("elexd.http.inflight_requests",
		metric.WithDescription("Diagnostics requests being served."),
		metric.WithUnit("{request}"))
	errs = errors.Join(errs, err)

	return m, errs
}

func defaultRequestMetrics() (*requestMetrics, error) {
	return newRequestMetrics(otel.Meter(meterName))
}

func (m *requestMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if m.inflight != nil {
			m.inflight.Add(ctx, 1)
			defer m.inflight.Add(ctx, -1)
		}

		start := time.Now()
		err := next(c)

		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		attrs := metric.WithAttributes(
			attribute.String("route", routeLabel(c.Path(), status)),
			attribute.String("method", c.Request().Method),
			attribute.Int("status", status),
		)
		if m.requests != nil {
			m.requests.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		return err
	}
}

func routeLabel(path string, status int) string {
	if status == http.StatusNotFound || path == "" || path == "/*" {
		return unmatchedRoute
	}
	return path
}
