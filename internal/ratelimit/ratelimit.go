// Package ratelimit enforces call budgets over one or more sliding windows.
//
// A Limiter remembers when each call was issued. Before a call is allowed it
// checks every window; if any window already holds its limit, the caller blocks
// until the oldest call that matters ages out. Every allowed call is recorded,
// so the budget counts what was sent, not what succeeded.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lildude/stravasync/internal/retry"
	"golang.org/x/time/rate"
)

// Window is a budget of Limit calls within any interval of length Period.
type Window struct {
	Name   string
	Limit  int
	Period time.Duration
}

func (w Window) String() string {
	return fmt.Sprintf("%s %d/%s", w.Name, w.Limit, w.Period)
}

// Usage is the number of calls currently counted against a window.
type Usage struct {
	Window Window
	Used   int
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows []Window
	calls   []time.Time // ascending
	longest time.Duration

	now    func() time.Time
	sleep  retry.SleepFunc
	smooth *rate.Limiter
	onWait func(d time.Duration, w Window)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleep used while blocking.
func WithClock(now func() time.Time, sleep retry.SleepFunc) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithMinInterval spaces calls at least d apart in addition to the windows.
func WithMinInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.smooth = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithWaitHook registers fn to be called whenever a call has to wait for a window.
func WithWaitHook(fn func(d time.Duration, w Window)) Option {
	return func(l *Limiter) {
		l.onWait = fn
	}
}

// New returns a Limiter for the given windows. Windows with a non-positive limit
// or period are ignored.
func New(windows []Window, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now, sleep: retry.Sleep}
	for _, w := range windows {
		if w.Limit <= 0 || w.Period <= 0 {
			continue
		}
		l.windows = append(l.windows, w)
		if w.Period > l.longest {
			l.longest = w.Period
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a call is allowed by every window and records it.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.smooth != nil {
		if err := l.smooth.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		wait, w := l.delay(now)
		if wait <= 0 {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if l.onWait != nil {
			l.onWait(wait, w)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Usage reports how many recorded calls fall inside each window right now.
func (l *Limiter) Usage() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	out := make([]Usage, 0, len(l.windows))
	for _, w := range l.windows {
		out = append(out, Usage{Window: w, Used: l.countSince(now.Add(-w.Period))})
	}
	return out
}

// delay returns how long the next call must wait and the window that forces it.
func (l *Limiter) delay(now time.Time) (time.Duration, Window) {
	var (
		longest time.Duration
		worst   Window
	)
	for _, w := range l.windows {
		if l.countSince(now.Add(-w.Period)) < w.Limit {
			continue
		}
		// The call that has to age out is the Limit-th most recent one.
		oldest := l.calls[len(l.calls)-w.Limit]
		if d := oldest.Add(w.Period).Sub(now); d > longest {
			longest, worst = d, w
		}
	}
	return longest, worst
}

// countSince counts calls strictly after t.
func (l *Limiter) countSince(t time.Time) int {
	n := 0
	for i := len(l.calls) - 1; i >= 0; i-- {
		if !l.calls[i].After(t) {
			break
		}
		n++
	}
	return n
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.longest)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
