package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// ErrMiss is returned by Cache.Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// Cache is the subset of redis the service relies on. Callers treat every
// cache error as a miss; the store stays the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Client struct{ R *redis.Client }

func (c Client) Get(ctx context.Context, key string) (string, error) {
	s, err := c.R.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return s, err
}

func (c Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.R.Set(ctx, key, value, ttl).Err()
}

func (c Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.R.Exists(ctx, key).Result()
	return n > 0, err
}

// Noop is used when no redis is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, error) { return "", ErrMiss }
func (Noop) Set(context.Context, string, string, time.Duration) error { return nil }
func (Noop) Exists(context.Context, string) (bool, error) { return false, nil }
