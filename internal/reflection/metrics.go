package reflection

import (
	"context"

	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metrics records pipeline outcomes.
type Metrics struct {
	weight      metric.Int64Histogram
	submissions metric.Int64Counter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *logging.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	m := &Metrics{}
	var err error

	m.weight, err = meter.Int64Histogram(
		"whispercore.reflection.weight",
		metric.WithDescription("Extracted emotional-significance weight, 0 when absent"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	)
	if err != nil && logger != nil {
		logger.Warn(context.Background(), "failed to create weight histogram", zap.Error(err))
	}

	m.submissions, err = meter.Int64Counter(
		"whispercore.reflection.submissions_total",
		metric.WithDescription("Memory submissions by final state"),
		metric.WithUnit("{submission}"),
	)
	if err != nil && logger != nil {
		logger.Warn(context.Background(), "failed to create submissions counter", zap.Error(err))
	}
	return m
}

// RecordWeight records one extracted weight.
func (m *Metrics) RecordWeight(ctx context.Context, weight int) {
	if m == nil || m.weight == nil {
		return
	}
	m.weight.Record(ctx, int64(weight))
}

// RecordSubmission counts one submission ending in state.
func (m *Metrics) RecordSubmission(ctx context.Context, state string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
