package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs an operation up to MaxAttempts times, sleeping InitialDelay
// before the second attempt and doubling the delay after each retry.
//
// Only Retryable outcomes are retried. When attempts run out the last
// failure is returned wrapped, so errors.As still finds its type.
type Retrier struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Sleep        SleepFunc
	Logger       *zap.Logger
	Metrics      *Metrics
}

// NewRetrier returns a Retrier with defaults for zero values.
func NewRetrier(maxAttempts int, initialDelay time.Duration, logger *zap.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if initialDelay < 0 {
		initialDelay = defaultInitialDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Sleep:        sleepContext,
		Logger:       logger,
	}
}

// Delay returns the backoff to wait before attempt (1-based). The first
// attempt never waits.
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return r.InitialDelay * time.Duration(1<<(attempt-2))
}

// Wait sleeps the backoff owed before attempt.
func (r *Retrier) Wait(ctx context.Context, attempt int) error {
	d := r.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, d)
}

// Attempts returns the configured attempt budget, at least 1.
func (r *Retrier) Attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Do runs fn until it succeeds, fails fatally, or the budget is spent.
// fn receives the 1-based attempt number.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.Attempts(); attempt++ {
		if err := r.Wait(ctx, attempt); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: interrupted after %d attempts: %w", op, attempt-1, lastErr)
			}
			return err
		}

		err := fn(ctx, attempt)
		outcome := Classify(err)
		r.Record(ctx, op, outcome)

		switch outcome {
		case Success:
			return nil
		case Fatal:
			return err
		}

		lastErr = err
		if r.Logger != nil {
			r.Logger.Warn("llm attempt failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.Attempts()),
				zap.Error(err))
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, r.Attempts(), lastErr)
}

// Record counts one attempt outcome.
func (r *Retrier) Record(ctx context.Context, op string, outcome Outcome) {
	if r.Metrics != nil {
		r.Metrics.RecordAttempt(ctx, op, outcome)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
