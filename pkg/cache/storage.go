package cache

import (
	"context"
	"io"

	"github.com/m-mizutani/cricai/pkg/adapter"
	"github.com/m-mizutani/goerr/v2"
)

// StorageCache stores snapshots as objects of an adapter.Storage (Cloud Storage).
// Object lifecycle is not used; expiry is read from the envelope.
type StorageCache struct {
	storage adapter.Storage
	opts    *options
}

var _ Cache = (*StorageCache)(nil)

func NewStorageCache(storage adapter.Storage, opts ...Option) *StorageCache {
	return &StorageCache{storage: storage, opts: newOptions(opts)}
}

func objectKey(key string) string {
	return "cache/" + key + ".json"
}

func (c *StorageCache) Get(ctx context.Context, key string, out any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	reader, err := c.storage.Get(ctx, objectKey(key))
	if err != nil {
		return goerr.Wrap(err, "failed to get cache object", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return goerr.Wrap(err, "failed to read cache object", goerr.V("key", key))
	}

	return c.opts.open(key, data, out)
}

func (c *StorageCache) Put(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := c.opts.seal(key, value)
	if err != nil {
		return err
	}

	writer, err := c.storage.Put(ctx, objectKey(key))
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write cache object", goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

func (c *StorageCache) Invalidate(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := c.storage.Delete(ctx, objectKey(key)); err != nil {
		return goerr.Wrap(err, "failed to delete cache object", goerr.V("key", key))
	}
	return nil
}
