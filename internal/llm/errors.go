package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransportError reports a network or HTTP failure talking to the
// generation endpoint.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that a call exceeded its wall-clock or idle budget.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm %s: no result within %s", e.Op, e.Budget)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ValidationError reports a response that arrived but is unusable, such
// as empty text or a missing done marker.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "llm response invalid: " + e.Reason
}

// Outcome classifies the result of one attempt.
type Outcome int

const (
	// Success means the attempt produced a usable result.
	Success Outcome = iota
	// Retryable covers transport, timeout and validation failures.
	Retryable
	// Fatal covers caller cancellation and programming errors.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps an attempt error onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var (
		te *TransportError
		to *TimeoutError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &to), errors.As(err, &ve):
		return Retryable
	case errors.As(err, &te):
		// A transport error caused by the caller going away is not worth
		// another attempt.
		if errors.Is(te.Err, context.Canceled) {
			return Fatal
		}
		return Retryable
	default:
		return Fatal
	}
}
