package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/whispercore/internal/http"

// HTTPMetrics records request instruments on the otel meter. Nil
// instruments are skipped, so a failed registration only loses that series.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates HTTPMetrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("whispercore.http.requests_total",
		metric.WithDescription("HTTP requests by route, method and status class"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	// Streams stay open for the whole generation, hence the long tail.
	m.duration, err = meter.Float64Histogram("whispercore.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration, including streamed responses"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300))
	warn("request_duration_seconds", err)

	m.size, err = meter.Int64Histogram("whispercore.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 2048, 8192, 32768, 131072))
	warn("response_size_bytes", err)

	m.inFlight, err = meter.Int64UpDownCounter("whispercore.http.in_flight",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"))
	warn("in_flight", err)
	return m
}

// MetricsMiddleware records one data point per request.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", normalizePath(c.Path())),
				attribute.String("status_class", statusClass(res.Status)),
				attribute.Bool("stream", strings.HasPrefix(res.Header().Get(echo.HeaderContentType), mimeNDJSON)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, res.Size, attrs)
			}
			return err
		}
	}
}

// normalizePath maps the matched route to a label. Unmatched requests
// share one value so scanners cannot grow the label set.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}
