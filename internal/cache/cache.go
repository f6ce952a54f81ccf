// Package cache stores short-lived read results (aggregate counts) in process
// memory or in Redis. Values are msgpack encoded in both backends.
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

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

const keyPrefix = "activitylog:"

// Cacher is the storage contract shared by the memory and Redis backends.
type Cacher interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Options selects and sizes a backend.
type Options struct {
	MaxSize   int
	RedisAddr string
	RedisPass string
	RedisDB   int
}

// New returns a Redis-backed cache when an address is configured, otherwise an in-memory one.
// Redis reachability is checked once up front.
func New(ctx context.Context, opts Options) (Cacher, error) {
	if opts.RedisAddr == "" {
		return NewMemoryCache(opts.MaxSize), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:            opts.RedisAddr,
		Password:        opts.RedisPass,
		DB:              opts.RedisDB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.RedisAddr, err)
	}
	return NewRedisCache(client), nil
}

// MemoryCache keeps entries in a freecache ring buffer.
type MemoryCache struct {
	cache *freecache.Cache
}

// NewMemoryCache allocates a cache of size bytes (freecache enforces a 512KiB minimum).
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = 8 * 1024 * 1024
	}
	return &MemoryCache{cache: freecache.NewCache(size)}
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
	seconds := int(expiration.Seconds())
	if expiration > 0 && seconds == 0 {
		seconds = 1
	}
	return m.cache.Set([]byte(keyPrefix+key), data, seconds)
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.cache.Del([]byte(keyPrefix + key))
	}
	return nil
}

// RedisCache shares entries across API replicas.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
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
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Close releases the Redis connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string, any) error                { return ErrMiss }
func (Noop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Noop) Delete(context.Context, ...string) error               { return nil }

// Fetch returns the cached value for key or computes, stores and returns it.
// A failing cache degrades to calling fn.
func Fetch[T any](ctx context.Context, c Cacher, key string, expiration time.Duration, fn func() (T, error)) (T, error) {
	var value T
	if err := c.Get(ctx, key, &value); err == nil {
		return value, nil
	}
	var zero T
	value, err := fn()
	if err != nil {
		return zero, err
	}
	_ = c.Set(ctx, key, value, expiration)
	return value, nil
}

// Key joins parts with ':'; empty parts are written as '-'.
func Key(parts ...any) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		s := fmt.Sprint(p)
		if s == "" {
			s = "-"
		}
		out[i] = s
	}
	return strings.Join(out, ":")
}
