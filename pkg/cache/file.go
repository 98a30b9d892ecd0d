package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// FileCache keeps one JSON file per key under a directory
type FileCache struct {
	dir  string
	opts *options
}

var _ Cache = (*FileCache)(nil)

func NewFileCache(dir string, opts ...Option) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create cache directory", goerr.V("dir", dir))
	}
	return &FileCache{dir: dir, opts: newOptions(opts)}, nil
}

func (c *FileCache) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(c.dir, filepath.FromSlash(key)+".json"), nil
}

func (c *FileCache) Get(_ context.Context, key string, out any) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key)
	}
	if err != nil {
		return goerr.Wrap(err, "failed to read cache file", goerr.V("path", path))
	}

	return c.opts.open(key, data, out)
}

// Put writes to a temporary file and renames it, so readers never see a partial snapshot
func (c *FileCache) Put(_ context.Context, key string, value any) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	data, err := c.opts.seal(key, value)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "failed to create cache directory", goerr.V("path", path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temporary cache file", goerr.V("path", path))
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return goerr.Wrap(err, "failed to write cache file", goerr.V("path", path))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close cache file", goerr.V("path", path))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return goerr.Wrap(err, "failed to replace cache file", goerr.V("path", path))
	}
	return nil
}

func (c *FileCache) Invalidate(_ context.Context, key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "failed to remove cache file", goerr.V("path", path))
	}
	return nil
}
