// Package cache memoizes lookups of external collaborators in process memory
// or Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const keyPrefix = "sprout:"

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Cacher interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// New returns a Redis-backed cache when client is non-nil, else an in-process
// cache of sizeMB megabytes.
func New(client *redis.Client, sizeMB int) Cacher {
	if client != nil {
		return NewRedisCache(client)
	}
	return NewMemoryCache(sizeMB)
}

// MemoryCache is a freecache-backed Cacher. freecache is safe for concurrent use.
type MemoryCache struct {
	cache *freecache.Cache
}

func NewMemoryCache(sizeMB int) *MemoryCache {
	if sizeMB <= 0 {
		sizeMB = 16
	}
	return &MemoryCache{cache: freecache.NewCache(sizeMB * 1024 * 1024)}
}

func (m *MemoryCache) Get(_ context.Context, key string, value any) error {
	data, err := m.cache.Get([]byte(keyPrefix + key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return ErrMiss
		}
		return err
	}
	return msgpack.Unmarshal(data, value)
}

func (m *MemoryCache) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return m.cache.Set([]byte(keyPrefix+key), data, int(expiration.Seconds()))
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.cache.Del([]byte(keyPrefix + key))
	}
	return nil
}

// RedisCache is a Redis-backed Cacher shared across instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string, value any) error {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}
	return msgpack.Unmarshal(data, value)
}

func (r *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+key, data, expiration).Err()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Fetch returns the cached value for key or computes it with fn. Values are
// stored only when fn succeeds and keep reports true. A backend error is
// treated as a miss.
func Fetch[T any](ctx context.Context, c Cacher, key string, expiration time.Duration, fn func() (T, bool, error)) (T, error) {
	var zero, value T
	if err := c.Get(ctx, key, &value); err == nil {
		return value, nil
	}

	value, keep, err := fn()
	if err != nil {
		return zero, err
	}
	if keep {
		_ = c.Set(ctx, key, &value, expiration)
	}
	return value, nil
}

// Key joins parts into a cache key.
func Key(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = strings.ToLower(strings.TrimSpace(fmt.Sprint(p)))
	}
	return strings.Join(s, ":")
}
