package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache abstracts the key/value operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

// MemoryCache keeps entries in process memory. It is used when no redis
// address is configured.
type MemoryCache struct {
	store *gocache.Cache
}

// DefaultCacheTTL applies to in-process entries when no positive TTL is given.
const DefaultCacheTTL = 10 * time.Minute

// NewMemoryCache returns an in-process cache with the given default
// expiration. Entries always expire: a non-positive value falls back to
// DefaultCacheTTL.
func NewMemoryCache(defaultExpiration time.Duration) *MemoryCache {
	if defaultExpiration <= 0 {
		defaultExpiration = DefaultCacheTTL
	}
	return &MemoryCache{store: gocache.New(defaultExpiration, 2*defaultExpiration)}
}

// Set stores value. A zero expiration uses the cache default.
func (c *MemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration == 0 {
		expiration = gocache.DefaultExpiration
	}
	c.store.Set(key, value, expiration)
	return nil
}

// Get returns the stored value or ErrCacheMiss.
func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := c.store.Get(key)
	if !ok {
		return "", ErrCacheMiss
	}
	s, ok := value.(string)
	if !ok {
		return "", ErrCacheMiss
	}
	return s, nil
}
