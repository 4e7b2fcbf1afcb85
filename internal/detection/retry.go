package detection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nexara/internal/logger"
)

// RetryOptions configures WithRetry
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Name        string
}

// DefaultRetryOptions returns 3 attempts starting at one second
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: time.Second, Name: "operation"}
}

// Backoff is the delay before retry number attempt (1-based): base * 2^(attempt-1)
func (o RetryOptions) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return o.BaseDelay << (attempt - 1)
}

// WithRetry runs op until it succeeds, the attempts run out, or ctx ends.
// Client errors (HTTP 4xx) are returned immediately.
func WithRetry[T any](ctx context.Context, opts RetryOptions, op func(context.Context) (T, error)) (T, error) {
	def := DefaultRetryOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	log := logger.Component("retry")

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) || attempt == opts.MaxAttempts {
			break
		}

		delay := opts.Backoff(attempt)
		log.Warn().Err(err).Str("op", opts.Name).Int("attempt", attempt).Dur("delay", delay).Msg("attempt failed, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
	}
	return true
}
