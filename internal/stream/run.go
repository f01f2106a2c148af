package stream

import (
	"context"
	"iter"

	"github.com/fyrsmithlabs/whispercore/internal/extraction"
	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"go.uber.org/zap"
)

const op = "generate_stream"

// Source opens one upstream attempt and yields raw fragments. A non-nil
// error ends the attempt.
type Source func(ctx context.Context) iter.Seq2[string, error]

// Runner drives a Source through a Buffer with retries.
type Runner struct {
	Retrier   *llm.Retrier
	Extractor *extraction.Extractor
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Run returns the event sequence for one request. Every sequence that is
// consumed to the end finishes with exactly one complete or error event.
//
// A failed attempt is retried with the Retrier's backoff only if no chunk
// of it reached the consumer; otherwise the error is terminal. An attempt
// that produced no text at all counts as a retryable failure.
func (r *Runner) Run(ctx context.Context, tone string, src Source) iter.Seq[Event] {
	retrier := r.retrier()
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(yield func(Event) bool) {
		var lastErr error
		for attempt := 1; attempt <= retrier.Attempts(); attempt++ {
			if err := retrier.Wait(ctx, attempt); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				yield(Event{Type: EventError, Error: lastErr.Error(), Attempt: attempt - 1, Tone: tone})
				return
			}

			buf := NewBuffer(r.Extractor)
			emitted := false
			var failure error

			for frag, err := range src(ctx) {
				if err != nil {
					failure = err
					break
				}
				chunk, ok := buf.Write(frag)
				if !ok {
					continue
				}
				emitted = true
				r.Metrics.RecordChunk(ctx)
				if !yield(Event{Type: EventChunk, Content: chunk, Attempt: attempt, Tone: tone}) {
					return
				}
			}

			if failure == nil && buf.Empty() {
				failure = &llm.ValidationError{Reason: "stream produced no text"}
			}

			if failure == nil {
				retrier.Record(ctx, op, llm.Success)
				if chunk, ok := buf.Flush(); ok {
					r.Metrics.RecordChunk(ctx)
					if !yield(Event{Type: EventChunk, Content: chunk, Attempt: attempt, Tone: tone}) {
						return
					}
				}
				res := buf.Result()
				yield(Event{
					Type:       EventComplete,
					Reflection: res.Reflection,
					Weight:     res.Weight,
					Tags:       res.Tags,
					Attempt:    attempt,
					Tone:       tone,
				})
				return
			}

			outcome := llm.Classify(failure)
			retrier.Record(ctx, op, outcome)
			lastErr = failure

			if emitted || outcome != llm.Retryable || attempt == retrier.Attempts() {
				logger.Error("reflection stream failed",
					zap.Int("attempt", attempt),
					zap.Bool("partial", emitted),
					zap.Error(failure))
				yield(Event{Type: EventError, Error: failure.Error(), Attempt: attempt, Tone: tone})
				return
			}
			logger.Warn("reflection stream attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", retrier.Attempts()),
				zap.Error(failure))
		}
	}
}

// retrier returns r.Retrier, or one with the default attempts and backoff.
func (r *Runner) retrier() *llm.Retrier {
	if r.Retrier != nil {
		return r.Retrier
	}
	return llm.NewRetrier(0, -1, r.Logger)
}
