// Package cache implements a Redis cache and an in-memory stand-in with the same behaviour.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
)

var (
	// ErrMiss is returned by GetJSON when the key does not exist.
	ErrMiss = errors.New("cache miss")
	// ErrLocked is returned by Acquire when another holder owns the lock.
	ErrLocked = errors.New("lock held by another process")
	// ErrLockLost is returned by Lock.Refresh once the lock has expired or been
	// taken by someone else.
	ErrLockLost = errors.New("lock no longer held")
)

// Lock is a held lock. Refresh and Release only act while the lock still
// carries the holder's token.
type Lock interface {
	// Refresh extends the lock to ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, value any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	// Acquire takes an exclusive lock on key for ttl unless it is refreshed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	Close() error
}

type RedisCache struct {
	conn *redis.Client
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisCache{conn: client}, nil
}

// Set stores a value in the cache. A zero ttl keeps it forever.
func (rc *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return rc.conn.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value from the cache. A missing key returns an empty string.
func (rc *RedisCache) Get(ctx context.Context, key string) (any, error) {
	value, err := rc.conn.Get(ctx, key).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		return value, nil
	}

	return nil, err
}

// GetJSON retrieves a JSON string and unmarshals it into the given value.
func (rc *RedisCache) GetJSON(ctx context.Context, key string, value any) error {
	v, err := rc.Get(ctx, key)
	if err != nil {
		return err
	}
	return decodeJSON(key, v, value)
}

// SetJSON stores a struct as a JSON string.
func (rc *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	t, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling JSON for cache key %q: %w", key, err)
	}
	return rc.Set(ctx, key, string(t), ttl)
}

// Acquire takes the lock with SET NX and a random token.
func (rc *RedisCache) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := newToken()
	ok, err := rc.conn.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLock{conn: rc.conn, key: key, token: token}, nil
}

type redisLock struct {
	conn  *redis.Client
	key   string
	token string
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.conn, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refreshing lock %q: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.conn, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lock %q: %w", l.key, err)
	}
	return nil
}

// Close closes the connection pool.
func (rc *RedisCache) Close() error {
	return rc.conn.Close()
}

func decodeJSON(key string, v any, value any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("cache value for %q is not a string: %T", key, v)
	}
	if s == "" {
		return ErrMiss
	}

	if err := json.Unmarshal([]byte(s), value); err != nil {
		return fmt.Errorf("unmarshaling cached JSON for %q: %w", key, err)
	}
	return nil
}
