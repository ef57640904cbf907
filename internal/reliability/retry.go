package reliability

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy runs an operation a fixed number of times with a per-attempt
// timeout and a fixed pause between attempts.
type RetryPolicy struct {
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration

	// OnAttempt, when set, observes every attempt result.
	OnAttempt func(attempt int, err error)
}

// ConnectPolicy is the transport connection budget: 3 attempts of 10s each,
// 1.5s apart.
func ConnectPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		AttemptTimeout: 10 * time.Second,
		Backoff:        1500 * time.Millisecond,
	}
}

// Do calls fn until it succeeds or the attempt budget is spent. The returned
// error wraps the last attempt's error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("after %d attempts: %w", attempt-1, lastErr)
		}

		err := p.runAttempt(ctx, fn)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, err)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if !sleep(ctx, p.Backoff) {
			return fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (p RetryPolicy) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
