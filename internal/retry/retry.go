// Package retry provides a small, reusable retry policy. The backoff schedule comes
// from github.com/sethvargo/go-retry; the sleep is injectable so tests can run the
// full schedule without waiting.
package retry

import (
	"context"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the wait before the first retry. It doubles on every retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// JitterPercent randomises each wait by +/- that percentage.
	JitterPercent uint64

	// Retryable reports whether err is worth another attempt. A nil Retryable
	// retries every error.
	Retryable func(err error) bool
	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used for remote API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		JitterPercent: 10,
	}
}

// Backoff builds the go-retry backoff for this policy. It stops after
// MaxAttempts-1 retries.
func (p Policy) Backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return goretry.WithMaxRetries(uint64(retries), b)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error from fn is returned, except when ctx
// ends during a backoff, in which case the context's error is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	b := p.Backoff()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		delay, stop := b.Next()
		if stop {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w after %d attempts, last error: %v", serr, attempt, err)
		}
	}
}

// Sleep waits for d, returning early with ctx's error if it is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
