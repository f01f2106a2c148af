package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Telemetry owns the installed otel providers.
//
// A collector that cannot be set up at startup does not stop the process:
// the failing signal keeps the no-op global and Degraded reports why.
type Telemetry struct {
	timeout  time.Duration
	closers  []closer
	degraded error
}

type closer struct {
	name     string
	shutdown func(context.Context) error
}

// New installs OTLP tracer and meter providers as the otel globals when
// cfg.Enabled, along with W3C trace-context and baggage propagation.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{timeout: cfg.ShutdownTimeout.Duration()}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degraded = errors.Join(t.degraded, err)
	} else {
		otel.SetTracerProvider(tp)
		t.closers = append(t.closers, closer{"tracer provider", tp.Shutdown})
	}
	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degraded = errors.Join(t.degraded, err)
	} else {
		otel.SetMeterProvider(mp)
		t.closers = append(t.closers, closer{"meter provider", mp.Shutdown})
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Degraded returns why a signal could not be exported, or nil.
func (t *Telemetry) Degraded() error {
	if t == nil {
		return nil
	}
	return t.degraded
}

// Shutdown flushes pending spans and metrics. Without a deadline on ctx
// the configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || len(t.closers) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var errs []error
	for _, c := range t.closers {
		if err := c.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
