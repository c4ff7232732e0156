package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Outcome tags the result of one attempt.
type Outcome int

const (
	// Ok ends the loop with the attempt's result.
	Ok Outcome = iota
	// Retry discards the attempt and runs it again after a jittered delay.
	Retry
	// Fatal ends the loop with the attempt's error.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var ErrRetriesExhausted = errors.New("retries exhausted")

// AttemptFunc runs one attempt and classifies its result.
type AttemptFunc[T any] func(ctx context.Context) (T, Outcome, error)

// Jitter bounds the delay between attempts. Each delay is drawn uniformly
// from [Min, Max]. MaxRetries of zero retries until the context ends.
type Jitter struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries int
}

// ConflictJitter is the delay used when a storage transaction lost a
// serialization race.
var ConflictJitter = Jitter{Min: time.Millisecond, Max: 50 * time.Millisecond}

func (j Jitter) delay() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min+1)
}

// Do runs fn until it reports Ok or Fatal. onRetry, if set, sees every
// discarded attempt.
func Do[T any](ctx context.Context, j Jitter, fn AttemptFunc[T], onRetry func(attempt int, err error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		result, outcome, err := fn(ctx)
		switch outcome {
		case Ok:
			return result, nil
		case Fatal:
			return zero, err
		}

		if j.MaxRetries > 0 && attempt > j.MaxRetries {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(j.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// WithRetry retries fn on any error with exponential backoff plus up to
// 100ms of jitter, at most maxRetries times in total.
func WithRetry[T any](ctx context.Context, maxRetries int, initialBackoff, maxBackoff time.Duration, fn RetryableFunc[T]) (T, error) {
	var (
		result T
		err    error
	)

	for i := 0; i < maxRetries; i++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if i == maxRetries-1 {
			break
		}

		backoff := min(initialBackoff*(1<<i), maxBackoff)
		backoff += rand.N(100 * time.Millisecond)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, err
}
