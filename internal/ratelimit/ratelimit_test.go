package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWaitAllowsUpToLimit(t *testing.T) {
	clk := newFakeClock()
	l := New([]Window{{Name: "short", Limit: 3, Period: time.Minute}}, WithClock(clk.Now, clk.Sleep))

	start := clk.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !clk.Now().Equal(start) {
		t.Errorf("expected no waiting for the first 3 calls, clock moved by %v", clk.Now().Sub(start))
	}

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := clk.Now().Sub(start); got != time.Minute {
		t.Errorf("expected the 4th call to wait a full window, waited %v", got)
	}
}

// TestSlidingWindowCompliance queues many calls against two windows and checks that
// no interval of either window's length ever holds more than its limit.
func TestSlidingWindowCompliance(t *testing.T) {
	clk := newFakeClock()
	windows := []Window{
		{Name: "short", Limit: 10, Period: 15 * time.Minute},
		{Name: "long", Limit: 25, Period: 24 * time.Hour},
	}
	l := New(windows, WithClock(clk.Now, clk.Sleep))

	var issued []time.Time
	for i := 0; i < 120; i++ {
		// Requests arrive in uneven bursts.
		if i%7 == 0 {
			clk.Advance(time.Duration(i%4) * time.Minute)
		}
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		issued = append(issued, clk.Now())
	}

	for _, w := range windows {
		for i := range issued {
			n := 0
			for j := i; j < len(issued) && issued[j].Sub(issued[i]) < w.Period; j++ {
				n++
			}
			if n > w.Limit {
				t.Fatalf("%s: %d calls within %v starting at call %d", w, n, w.Period, i)
			}
		}
	}

	// 120 calls at 25/day need at least 4 full days between the first and last call.
	if span := issued[len(issued)-1].Sub(issued[0]); span < 4*24*time.Hour {
		t.Errorf("expected the long window to spread calls over 4 days, got %v", span)
	}
}

func TestWaitSleepsUntilOldestCallAgesOut(t *testing.T) {
	clk := newFakeClock()
	var waits []time.Duration
	l := New(
		[]Window{{Name: "short", Limit: 2, Period: 10 * time.Minute}},
		WithClock(clk.Now, clk.Sleep),
		WithWaitHook(func(d time.Duration, _ Window) { waits = append(waits, d) }),
	)

	ctx := context.Background()
	_ = l.Wait(ctx) // t=0
	clk.Advance(4 * time.Minute)
	_ = l.Wait(ctx) // t=4
	clk.Advance(time.Minute)
	_ = l.Wait(ctx) // must wait until t=10

	if len(waits) != 1 || waits[0] != 5*time.Minute {
		t.Fatalf("expected one 5m wait, got %v", waits)
	}
}

func TestWaitCancelled(t *testing.T) {
	l := New([]Window{{Name: "short", Limit: 1, Period: time.Hour}})
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestUsage(t *testing.T) {
	clk := newFakeClock()
	l := New([]Window{
		{Name: "short", Limit: 100, Period: 15 * time.Minute},
		{Name: "long", Limit: 1000, Period: 24 * time.Hour},
	}, WithClock(clk.Now, clk.Sleep))

	for i := 0; i < 5; i++ {
		_ = l.Wait(context.Background())
	}
	clk.Advance(20 * time.Minute)
	_ = l.Wait(context.Background())

	u := l.Usage()
	if len(u) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(u))
	}
	if u[0].Used != 1 {
		t.Errorf("expected 1 call in the short window, got %d", u[0].Used)
	}
	if u[1].Used != 6 {
		t.Errorf("expected 6 calls in the long window, got %d", u[1].Used)
	}
}

func TestNewIgnoresEmptyWindows(t *testing.T) {
	l := New([]Window{{Name: "off", Limit: 0, Period: time.Minute}, {Name: "zero", Limit: 5}})
	for i := 0; i < 50; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(l.Usage()) != 0 {
		t.Error("expected no active windows")
	}
}

func TestConcurrentWaiters(t *testing.T) {
	clk := newFakeClock()
	l := New([]Window{{Name: "short", Limit: 5, Period: time.Minute}}, WithClock(clk.Now, clk.Sleep))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if u := l.Usage(); u[0].Used > 5 {
		t.Errorf("expected at most 5 calls in the current window, got %d", u[0].Used)
	}
}
