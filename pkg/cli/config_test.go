package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/m-mizutani/cricai/pkg/cache"
	"github.com/m-mizutani/cricai/pkg/index/memory"
	"github.com/m-mizutani/cricai/pkg/index/sqlite"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/gt"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := &config{indexBackend: "memory"}
		store, err := cfg.newStore(ctx)
		gt.NoError(t, err)
		_, ok := store.(*memory.Store)
		gt.True(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := &config{indexBackend: "sqlite", indexDir: t.TempDir()}
		store, err := cfg.newStore(ctx)
		gt.NoError(t, err)
		_, ok := store.(*sqlite.Store)
		gt.True(t, ok)
		gt.A(t, cfg.closers).Length(1)
		cfg.close()
		gt.A(t, cfg.closers).Length(0)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		cfg := &config{indexBackend: "postgres"}
		_, err := cfg.newStore(ctx)
		gt.Error(t, err)
	})

	t.Run("firestore without project", func(t *testing.T) {
		cfg := &config{indexBackend: "firestore"}
		_, err := cfg.newStore(ctx)
		gt.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := &config{indexBackend: "faiss"}
		_, err := cfg.newStore(ctx)
		gt.Error(t, err)
	})
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		cfg := &config{cacheBackend: "none"}
		c, err := cfg.newCache(ctx)
		gt.NoError(t, err)
		gt.True(t, c == nil)
	})

	t.Run("file", func(t *testing.T) {
		cfg := &config{cacheBackend: "file", cacheDir: filepath.Join(t.TempDir(), "cache"), cacheTTL: cache.DefaultTTL}
		c, err := cfg.newCache(ctx)
		gt.NoError(t, err)
		_, ok := c.(*cache.FileCache)
		gt.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := &config{cacheBackend: "redis", redisAddr: mr.Addr(), cacheTTL: cache.DefaultTTL}
		defer cfg.close()

		c, err := cfg.newCache(ctx)
		gt.NoError(t, err)
		_, ok := c.(*cache.RedisCache)
		gt.True(t, ok)
	})

	t.Run("redis without address", func(t *testing.T) {
		cfg := &config{cacheBackend: "redis"}
		_, err := cfg.newCache(ctx)
		gt.Error(t, err)
	})

	t.Run("gcs without bucket", func(t *testing.T) {
		cfg := &config{cacheBackend: "gcs"}
		_, err := cfg.newCache(ctx)
		gt.Error(t, err)
	})
}

func TestNewRedisIsShared(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := &config{redisAddr: mr.Addr()}
	defer cfg.close()

	a, err := cfg.newRedis(ctx)
	gt.NoError(t, err)
	b, err := cfg.newRedis(ctx)
	gt.NoError(t, err)
	gt.True(t, a == b)
	gt.A(t, cfg.closers).Length(1)

	t.Run("disabled", func(t *testing.T) {
		cfg := &config{}
		client, err := cfg.newRedis(ctx)
		gt.NoError(t, err)
		gt.True(t, client == nil)
	})
}

func TestNewEmbedder(t *testing.T) {
	cfg := &config{embedder: "lexical", embeddingDims: 128}
	e, err := cfg.newEmbedder(nil)
	gt.NoError(t, err)
	gt.Equal(t, e.Dimensions(), 128)

	cfg.embedder = "word2vec"
	_, err = cfg.newEmbedder(nil)
	gt.Error(t, err)
}

func TestNewPolicy(t *testing.T) {
	cfg := &config{}
	p, err := cfg.newPolicy(context.Background())
	gt.NoError(t, err)
	gt.True(t, p != nil)
}

func TestNewGeminiRequiresCredentials(t *testing.T) {
	cfg := &config{}
	_, err := cfg.newGemini(context.Background())
	gt.Error(t, err)
}

func TestSetupLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cricai.log")
	cfg := &config{logLevel: "info", logFormat: "json", logOutput: path}
	defer logging.SetDefault(logging.New("info", logging.FormatConsole, nil))

	ctx, err := cfg.setupLogger(context.Background())
	gt.NoError(t, err)
	gt.True(t, ctx != nil)
	cfg.close()

	_, err = os.Stat(path)
	gt.NoError(t, err)
}
