package clover

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig bounds the retries of throttled requests (429 and 503 only)
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig keeps the total delay well inside a webhook delivery timeout
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   3 * time.Second,
	}
}

// delay returns how long to wait before the next attempt, or false when the answer is final
func (rc RetryConfig) delay(attempt int, resp *http.Response) (time.Duration, bool) {
	if attempt >= rc.MaxRetries {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}

	d := rc.BaseDelay << attempt
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		}
	}
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
