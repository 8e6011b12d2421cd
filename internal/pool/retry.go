package pool

import (
	"context"
	"time"
)

// RetryPolicy is the exponential backoff policy applied while a transport
// is in the reconnecting state.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultRetryPolicy is 1s initial delay, doubling, capped at 30s, up
// to 3 attempts before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  3,
	}
}

// delayForAttempt returns the backoff delay before the given attempt
// (0-indexed), doubling from InitialDelay and capped at MaxDelay.
func (p RetryPolicy) delayForAttempt(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Reconnect retries connect (a func(ctx) error, typically an adapter's
// Connect) up to MaxAttempts times with exponential backoff. It returns
// nil on the first success, or the last error once attempts are
// exhausted.
func (p RetryPolicy) Reconnect(ctx context.Context, connect func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delayForAttempt(attempt - 1)):
			}
		}
		if err := connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
