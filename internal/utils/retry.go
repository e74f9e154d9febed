package utils

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Default retry configuration values.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	MaxAttempts      int           // Maximum number of attempts (including first try)
	InitialDelay     time.Duration // Initial delay between retries
	MaxDelay         time.Duration // Maximum delay between retries
	Multiplier       float64       // Multiplier for exponential backoff
	RetriableChecker func(error) bool
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      defaultMaxAttempts,
		InitialDelay:     defaultInitialDelay,
		MaxDelay:         defaultMaxDelay,
		Multiplier:       defaultMultiplier,
		RetriableChecker: IsRetriableError,
	}
}

// networkPatterns are error fragments that indicate a connection problem.
var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"eof",
	"broken pipe",
	"temporary failure",
	"dns",
}

// IsRetriableError reports whether err looks like a transient network failure.
// This is the default checker; callers with typed errors provide their own.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are NOT retriable (caller cancelled)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return slices.ContainsFunc(networkPatterns, func(pattern string) bool {
		return strings.Contains(errStr, pattern)
	})
}

// Retry executes the given function with exponential backoff retry logic.
// Returns the result and final error after all retries are exhausted.
func Retry[T any](
	ctx context.Context,
	config RetryConfig,
	logger *slog.Logger,
	operation string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	checker := config.RetriableChecker
	if checker == nil {
		checker = IsRetriableError
	}
	attempts := max(config.MaxAttempts, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 && logger != nil {
				logger.DebugContext(ctx, "operation succeeded after retry",
					"operation", operation,
					"attempt", attempt,
				)
			}
			return result, nil
		}

		lastErr = err
		if !checker(err) || attempt >= attempts {
			break
		}

		if logger != nil {
			logger.WarnContext(ctx, "operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"maxAttempts", attempts,
				"error", err,
				"nextDelay", delay,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = min(time.Duration(float64(delay)*config.Multiplier), config.MaxDelay)
	}

	return zero, lastErr
}
