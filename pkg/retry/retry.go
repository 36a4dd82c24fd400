// Package retry re-runs operations that failed on transient errors: store
// reads under lock contention and replies to flaky chat front ends.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/alice/pkg/logger"
)

type Config struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. Nil retries every error.
	ShouldRetry func(err error) bool
}

var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. Delays double up to MaxDelay. The last error is returned,
// joined with ctx.Err() when the context ends the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Value(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(lastErr, err)
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !shouldRetry(err) || attempt == cfg.MaxAttempts {
			break
		}

		logger.DebugCF("retry", "Attempt failed, retrying", map[string]interface{}{
			"attempt":  attempt,
			"max":      cfg.MaxAttempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
	return zero, lastErr
}
