package exporter

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// retryConfig configures exponential backoff with jitter for retryable sink
// writes, modelled on the exponential-backoff-with-jitter shape used
// elsewhere in the corpus for resilient remote calls.
type retryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// retryWrite calls write until it succeeds, a non-retryable error occurs,
// the attempt budget is exhausted, or ctx is cancelled.
func retryWrite(ctx context.Context, cfg retryConfig, onRetry func(attempt int, err error, delay time.Duration), write func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := write(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var expErr *Error
		if ee, ok := err.(*Error); ok {
			expErr = ee
		}
		if expErr == nil || !expErr.IsRetryable() {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	multiplier := math.Pow(cfg.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(cfg.InitialDelay) * multiplier)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
		delay += jitter
	}
	return delay
}
