package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time
}

// MemoryCache keeps values in process. It is used when no Redis URL is configured,
// so locks and cached lookups only span a single process.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]entry), now: time.Now}
}

func (mc *MemoryCache) Get(_ context.Context, key string) (any, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.getLocked(key), nil
}

func (mc *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.setLocked(key, fmt.Sprint(value), ttl)
	return nil
}

func (mc *MemoryCache) GetJSON(ctx context.Context, key string, value any) error {
	v, _ := mc.Get(ctx, key)
	return decodeJSON(key, v, value)
}

func (mc *MemoryCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	t, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling JSON for cache key %q: %w", key, err)
	}
	return mc.Set(ctx, key, string(t), ttl)
}

func (mc *MemoryCache) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.getLocked(key) != "" {
		return nil, ErrLocked
	}
	token := newToken()
	mc.setLocked(key, token, ttl)
	return &memoryLock{mc: mc, key: key, token: token}, nil
}

type memoryLock struct {
	mc    *MemoryCache
	key   string
	token string
}

func (l *memoryLock) Refresh(_ context.Context, ttl time.Duration) error {
	l.mc.mu.Lock()
	defer l.mc.mu.Unlock()
	if l.mc.getLocked(l.key) != l.token {
		return ErrLockLost
	}
	l.mc.setLocked(l.key, l.token, ttl)
	return nil
}

func (l *memoryLock) Release(context.Context) error {
	l.mc.mu.Lock()
	defer l.mc.mu.Unlock()
	if l.mc.getLocked(l.key) == l.token {
		delete(l.mc.items, l.key)
	}
	return nil
}

func (mc *MemoryCache) Close() error { return nil }

func (mc *MemoryCache) getLocked(key string) string {
	e, ok := mc.items[key]
	if !ok {
		return ""
	}
	if !e.expires.IsZero() && !mc.now().Before(e.expires) {
		delete(mc.items, key)
		return ""
	}
	return e.value
}

func (mc *MemoryCache) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = mc.now().Add(ttl)
	}
	mc.items[key] = e
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
