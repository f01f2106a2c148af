package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/whispercore/internal/stream"

// Metrics counts chunks delivered to stream consumers.
type Metrics struct {
	meter  metric.Meter
	chunks metric.Int64Counter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{meter: otel.Meter(instrumentationName)}
	var err error
	m.chunks, err = m.meter.Int64Counter(
		"whispercore.stream.chunks_total",
		metric.WithDescription("Filtered chunks delivered to stream consumers"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil && logger != nil {
		logger.Warn("failed to create chunks counter", zap.Error(err))
	}
	return m
}

// RecordChunk counts one delivered chunk.
func (m *Metrics) RecordChunk(ctx context.Context) {
	if m == nil || m.chunks == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}
