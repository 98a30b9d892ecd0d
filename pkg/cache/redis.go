package cache

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cricai:cache:"

// RedisCache stores snapshots as Redis strings expiring with the TTL
type RedisCache struct {
	client *redis.Client
	opts   *options
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, opts ...Option) *RedisCache {
	return &RedisCache{client: client, opts: newOptions(opts)}
}

func (c *RedisCache) Get(ctx context.Context, key string, out any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound(key)
	}
	if err != nil {
		return goerr.Wrap(err, "failed to get cache entry from redis", goerr.V("key", key))
	}

	return c.opts.open(key, data, out)
}

func (c *RedisCache) Put(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := c.opts.seal(key, value)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.opts.ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to put cache entry to redis", goerr.V("key", key))
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete cache entry from redis", goerr.V("key", key))
	}
	return nil
}
