package http

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts handled requests.
	// Labels: method, route, code
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whispercore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "code"},
	)

	// UpstreamUp is 1 when the last health probe reached the model endpoint.
	UpstreamUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "whispercore",
			Subsystem: "upstream",
			Name:      "up",
			Help:      "Whether the last health probe reached the model endpoint (1=up, 0=down)",
		},
	)

	// HealthChecksTotal counts health probes.
	// Labels: result (up, down)
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whispercore",
			Subsystem: "upstream",
			Name:      "health_checks_total",
			Help:      "Total number of upstream health probes",
		},
		[]string{"result"},
	)
)

func prometheusMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			RequestsTotal.WithLabelValues(c.Request().Method, normalizePath(c.Path()), strconv.Itoa(status)).Inc()
			return err
		}
	}
}

func recordHealth(up bool) {
	if up {
		UpstreamUp.Set(1)
		HealthChecksTotal.WithLabelValues("up").Inc()
		return
	}
	UpstreamUp.Set(0)
	HealthChecksTotal.WithLabelValues("down").Inc()
}
