package syncer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RetryConfig controls the per-call retry behavior of the sync engine.
type RetryConfig struct {
	MaxRetries    int
	BackoffStep   time.Duration
	RateLimitWait time.Duration
}

// DefaultRetryConfig returns the sync defaults: 3 retries with linearly
// increasing backoff (1s, 2s, 3s) and a 5s forced wait after a 429.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BackoffStep:   time.Second,
		RateLimitWait: 5 * time.Second,
	}
}

// retryCall invokes fn until it succeeds or the retry budget is spent.
// Backoff grows linearly per failed attempt. A rate-limited response waits
// RateLimitWait and repeats the same call without consuming a retry slot;
// only a bounded number of such waits is tolerated per call so a permanently
// throttling upstream still terminates the run.
func retryCall(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	var lastErr error
	rateLimitWaits := 0
	for attempt := 0; attempt < cfg.MaxRetries; {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if isRateLimited(lastErr) && rateLimitWaits < cfg.MaxRetries {
			rateLimitWaits++
			if err := sleepCtx(ctx, cfg.RateLimitWait); err != nil {
				return err
			}
			continue
		}

		if !isTransientError(lastErr) && !isRateLimited(lastErr) {
			return lastErr
		}

		attempt++
		if attempt == cfg.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*cfg.BackoffStep); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRateLimited matches 429-class upstream responses. Provider clients wrap
// non-200 statuses into errors carrying the status code text.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "http 429") || strings.Contains(value, "too many requests")
}

// isTransientError reports whether a failure may succeed on retry: timeouts,
// connection resets, EOF, upstream 5xx.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "http 5") ||
		strings.Contains(lower, "eof")
}
