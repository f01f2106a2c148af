package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/whispercore/internal/llm"

// Metrics records transport and retry instruments. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	duration metric.Float64Histogram
	attempts metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics creates Metrics on the global meter provider. Instruments that
// fail to register are logged and left nil.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("llm instrument unavailable", zap.String("instrument", name), zap.Error(err))
		}
	}

	var m Metrics
	var err error
	m.duration, err = meter.Float64Histogram("whispercore.llm.request_duration_seconds",
		metric.WithDescription("Generation request latency by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300))
	warn("request_duration_seconds", err)

	m.attempts, err = meter.Int64Counter("whispercore.llm.attempts_total",
		metric.WithDescription("Supervised attempts by operation and outcome"),
		metric.WithUnit("{attempt}"))
	warn("attempts_total", err)

	m.errors, err = meter.Int64Counter("whispercore.llm.errors_total",
		metric.WithDescription("Failed generation requests by model and operation"),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	return &m
}

// RecordRequest records one HTTP exchange with the endpoint.
func (m *Metrics) RecordRequest(ctx context.Context, model, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", op),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordAttempt records one supervised attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, op string, outcome Outcome) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome.String()),
	))
}
