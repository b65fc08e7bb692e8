package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

// backends returns a fresh Redis-backed and in-memory cache for each test.
func backends(t *testing.T) map[string]Cache {
	t.Helper()
	r := miniredis.RunT(t)
	rc, err := NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", r.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rc.Close() })
	return map[string]Cache{"redis": rc, "memory": NewMemoryCache()}
}

func TestSetGet(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Set(ctx, "test", "test", 0); err != nil {
				t.Fatal(err)
			}
			value, err := c.Get(ctx, "test")
			if err != nil {
				t.Fatal(err)
			}
			if value != "test" {
				t.Errorf("expected test, got %s", value)
			}

			missing, err := c.Get(ctx, "nope")
			if err != nil {
				t.Fatal(err)
			}
			if missing != "" {
				t.Errorf("expected empty string for a missing key, got %v", missing)
			}
		})
	}
}

func TestSetGetJSON(t *testing.T) {
	type gear struct {
		ID       string
		Distance float64
	}

	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.SetJSON(ctx, "gear:b1", gear{ID: "b1", Distance: 1234.5}, 0); err != nil {
				t.Fatal(err)
			}

			// Confirm the value is stored as a JSON string
			js, err := c.Get(ctx, "gear:b1")
			if err != nil {
				t.Fatal(err)
			}
			if js != `{"ID":"b1","Distance":1234.5}` {
				t.Errorf("unexpected stored JSON %s", js)
			}

			var got gear
			if err := c.GetJSON(ctx, "gear:b1", &got); err != nil {
				t.Fatal(err)
			}
			if got.ID != "b1" || got.Distance != 1234.5 {
				t.Errorf("unexpected value %+v", got)
			}

			if err := c.GetJSON(ctx, "gear:none", &got); !errors.Is(err, ErrMiss) {
				t.Errorf("expected ErrMiss, got %v", err)
			}
		})
	}
}

func TestGetJSONInvalid(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = c.Set(ctx, "bad", "{not json", 0)
			var v map[string]any
			err := c.GetJSON(ctx, "bad", &v)
			if err == nil || errors.Is(err, ErrMiss) {
				t.Errorf("expected a decode error, got %v", err)
			}
		})
	}
}

func TestAcquire(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lock, err := c.Acquire(ctx, "lock:sync:1", time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if _, err := c.Acquire(ctx, "lock:sync:1", time.Minute); !errors.Is(err, ErrLocked) {
				t.Fatalf("expected ErrLocked, got %v", err)
			}

			// A different key is independent.
			other, err := c.Acquire(ctx, "lock:sync:2", time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer other.Release(ctx) //nolint:errcheck

			if err := lock.Release(ctx); err != nil {
				t.Fatalf("unexpected release error: %v", err)
			}
			again, err := c.Acquire(ctx, "lock:sync:1", time.Minute)
			if err != nil {
				t.Fatalf("expected lock to be free after release, got %v", err)
			}
			_ = again.Release(ctx)
		})
	}
}

func TestAcquireExpires(t *testing.T) {
	r := miniredis.RunT(t)
	rc, err := NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", r.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	ctx := context.Background()
	stale, err := rc.Acquire(ctx, "lock", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r.FastForward(2 * time.Minute)

	lock, err := rc.Acquire(ctx, "lock", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lock to be free, got %v", err)
	}
	// The stale holder must neither extend nor release the new holder's lock.
	if err := stale.Refresh(ctx, time.Hour); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
	if ttl := r.TTL("lock"); ttl != time.Minute {
		t.Errorf("expected the new holder's TTL to be untouched, got %s", ttl)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := rc.Acquire(ctx, "lock", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("expected lock to still be held, got %v", err)
	}
	_ = lock.Release(ctx)
}

func TestLockRefresh(t *testing.T) {
	r := miniredis.RunT(t)
	rc, err := NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", r.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	ctx := context.Background()
	lock, err := rc.Acquire(ctx, "lock", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Keep the lock alive well past its original TTL.
	for i := 0; i < 5; i++ {
		r.FastForward(40 * time.Second)
		if err := lock.Refresh(ctx, time.Minute); err != nil {
			t.Fatalf("refresh %d: unexpected error: %v", i, err)
		}
	}
	if ttl := r.TTL("lock"); ttl != time.Minute {
		t.Errorf("expected TTL of 1m after refresh, got %s", ttl)
	}
	if _, err := rc.Acquire(ctx, "lock", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected the refreshed lock to be held, got %v", err)
	}

	r.FastForward(2 * time.Minute)
	if err := lock.Refresh(ctx, time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost after expiry, got %v", err)
	}
}

func TestMemoryLockRefresh(t *testing.T) {
	mc := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }
	ctx := context.Background()

	lock, err := mc.Acquire(ctx, "lock", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		now = now.Add(40 * time.Second)
		if err := lock.Refresh(ctx, time.Minute); err != nil {
			t.Fatalf("refresh %d: unexpected error: %v", i, err)
		}
	}
	if _, err := mc.Acquire(ctx, "lock", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected the refreshed lock to be held, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	other, err := mc.Acquire(ctx, "lock", time.Minute)
	if err != nil {
		t.Fatalf("expected the expired lock to be free, got %v", err)
	}
	if err := lock.Refresh(ctx, time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
	_ = other.Release(ctx)
}

func TestMemoryCacheTTL(t *testing.T) {
	mc := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }

	ctx := context.Background()
	_ = mc.Set(ctx, "k", "v", time.Minute)
	now = now.Add(59 * time.Second)
	if v, _ := mc.Get(ctx, "k"); v != "v" {
		t.Errorf("expected value before expiry, got %v", v)
	}
	now = now.Add(time.Second)
	if v, _ := mc.Get(ctx, "k"); v != "" {
		t.Errorf("expected value to expire, got %v", v)
	}
}

func TestNewRedisCacheErrors(t *testing.T) {
	if _, err := NewRedisCache(context.Background(), "foobar"); err == nil {
		t.Error("expected error for an invalid URL")
	}
	r := miniredis.RunT(t)
	addr := r.Addr()
	r.Close()
	if _, err := NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", addr)); err == nil {
		t.Error("expected error for an unreachable server")
	}
}
