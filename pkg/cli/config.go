package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/cricai/pkg/adapter"
	"github.com/m-mizutani/cricai/pkg/cache"
	"github.com/m-mizutani/cricai/pkg/chunker"
	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/index/firestore"
	"github.com/m-mizutani/cricai/pkg/index/memory"
	"github.com/m-mizutani/cricai/pkg/index/postgres"
	"github.com/m-mizutani/cricai/pkg/index/sqlite"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/scraper"
	"github.com/m-mizutani/cricai/pkg/session"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/cricai/pkg/usecase/rag"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string
	logOutput string

	// Google Cloud
	project  string
	database string

	// LLM
	geminiAPIKey   string
	geminiProject  string
	geminiLocation string
	geminiModel    string
	embeddingModel string
	embeddingDims  int64
	embedder       string
	topK           int64

	// Index
	indexBackend string
	indexDir     string
	postgresDSN  string

	// Scraper
	fetcher     string
	chromePath  string
	profilePath string
	rateLimit   float64
	policyDir   string

	// Cache
	cacheBackend string
	cacheDir     string
	cacheTTL     time.Duration
	cacheBucket  string
	cachePrefix  string

	// Redis
	redisAddr     string
	redisPassword string
	redisDB       int64
	sessionTTL    time.Duration

	redisClient *redis.Client
	closers     []func() error
}

// logFlags returns flags for logger configuration
func logFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("CRICAI_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       logging.FormatConsole,
			Sources:     cli.EnvVars("CRICAI_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "log-output",
			Usage:       "Log output file path, '-' for stderr",
			Value:       "-",
			Sources:     cli.EnvVars("CRICAI_LOG_OUTPUT"),
			Destination: &cfg.logOutput,
		},
	}
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	flags := logFlags(cfg)
	return append(flags,
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("CRICAI_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("CRICAI_FIRESTORE_DATABASE_ID", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	)
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key. Vertex AI is used when empty",
			Sources:     cli.EnvVars("CRICAI_GEMINI_API_KEY", "GOOGLE_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("CRICAI_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini on Vertex AI",
			Value:       "us-central1",
			Sources:     cli.EnvVars("CRICAI_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Generative model name",
			Value:       adapter.DefaultGenerativeModel,
			Sources:     cli.EnvVars("CRICAI_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Value:       adapter.DefaultEmbeddingModel,
			Sources:     cli.EnvVars("CRICAI_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dims",
			Usage:       "Embedding dimensionality",
			Value:       768,
			Sources:     cli.EnvVars("CRICAI_EMBEDDING_DIMS"),
			Destination: &cfg.embeddingDims,
		},
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedder (gemini, lexical)",
			Value:       "gemini",
			Sources:     cli.EnvVars("CRICAI_EMBEDDER"),
			Destination: &cfg.embedder,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "Number of passages retrieved per question",
			Value:       index.DefaultK,
			Sources:     cli.EnvVars("CRICAI_TOP_K"),
			Destination: &cfg.topK,
		},
	}
}

// indexFlags returns flags for the vector index backend
func indexFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "index-backend",
			Usage:       "Vector index backend (memory, sqlite, postgres, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("CRICAI_INDEX_BACKEND"),
			Destination: &cfg.indexBackend,
		},
		&cli.StringFlag{
			Name:        "index-dir",
			Usage:       "Directory of the sqlite index",
			Value:       filepath.Join(".cricai", "index"),
			Sources:     cli.EnvVars("CRICAI_INDEX_DIR"),
			Destination: &cfg.indexDir,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL DSN with the pgvector extension",
			Sources:     cli.EnvVars("CRICAI_POSTGRES_DSN"),
			Destination: &cfg.postgresDSN,
		},
	}
}

// scrapeFlags returns flags for the match page scraper
func scrapeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "fetcher",
			Usage:       "Page fetcher (browser, http). Innings switching requires browser",
			Value:       "browser",
			Sources:     cli.EnvVars("CRICAI_FETCHER"),
			Destination: &cfg.fetcher,
		},
		&cli.StringFlag{
			Name:        "chrome-path",
			Usage:       "Chrome executable path",
			Sources:     cli.EnvVars("CRICAI_CHROME_PATH"),
			Destination: &cfg.chromePath,
		},
		&cli.StringFlag{
			Name:        "profile",
			Usage:       "Scraper profile YAML. The embedded profile is used when empty",
			Sources:     cli.EnvVars("CRICAI_PROFILE"),
			Destination: &cfg.profilePath,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "Max HTTP requests per second of the http fetcher",
			Value:       1,
			Sources:     cli.EnvVars("CRICAI_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies deciding poll intervals",
			Sources:     cli.EnvVars("CRICAI_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// cacheFlags returns flags for the scrape snapshot cache
func cacheFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-backend",
			Usage:       "Snapshot cache backend (file, redis, gcs, none)",
			Value:       "file",
			Sources:     cli.EnvVars("CRICAI_CACHE_BACKEND"),
			Destination: &cfg.cacheBackend,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "Directory of the file cache",
			Value:       filepath.Join(".cricai", "cache"),
			Sources:     cli.EnvVars("CRICAI_CACHE_DIR"),
			Destination: &cfg.cacheDir,
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Usage:       "Lifetime of cached snapshots",
			Value:       cache.DefaultTTL,
			Sources:     cli.EnvVars("CRICAI_CACHE_TTL"),
			Destination: &cfg.cacheTTL,
		},
		&cli.StringFlag{
			Name:        "cache-bucket",
			Usage:       "Cloud Storage bucket of the gcs cache",
			Sources:     cli.EnvVars("CRICAI_CACHE_BUCKET"),
			Destination: &cfg.cacheBucket,
		},
		&cli.StringFlag{
			Name:        "cache-prefix",
			Usage:       "Object prefix of the gcs cache",
			Value:       "cricai",
			Sources:     cli.EnvVars("CRICAI_CACHE_PREFIX"),
			Destination: &cfg.cachePrefix,
		},
	}
}

// redisFlags returns flags for Redis backed cache, session history and index lock
func redisFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address. Redis features are disabled when empty",
			Sources:     cli.EnvVars("CRICAI_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("CRICAI_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Usage:       "Redis database number",
			Sources:     cli.EnvVars("CRICAI_REDIS_DB"),
			Destination: &cfg.redisDB,
		},
		&cli.DurationFlag{
			Name:        "session-ttl",
			Usage:       "Lifetime of session histories in Redis",
			Value:       7 * 24 * time.Hour,
			Sources:     cli.EnvVars("CRICAI_SESSION_TTL"),
			Destination: &cfg.sessionTTL,
		},
	}
}

// trackerFlags returns every flag needed to build a match tracker
func trackerFlags(cfg *config) []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, globalFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	flags = append(flags, indexFlags(cfg)...)
	flags = append(flags, scrapeFlags(cfg)...)
	flags = append(flags, cacheFlags(cfg)...)
	flags = append(flags, redisFlags(cfg)...)
	return flags
}

// setupLogger configures the default logger and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) (context.Context, error) {
	var w io.Writer = os.Stderr
	if cfg.logOutput != "" && cfg.logOutput != "-" {
		f, err := os.OpenFile(cfg.logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return ctx, goerr.Wrap(err, "failed to open log output", goerr.V("path", cfg.logOutput))
		}
		cfg.closers = append(cfg.closers, f.Close)
		w = f
	}

	logger := logging.New(cfg.logLevel, cfg.logFormat, w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// close releases clients opened by factories
func (cfg *config) close() {
	for i := len(cfg.closers) - 1; i >= 0; i-- {
		if err := cfg.closers[i](); err != nil {
			logging.Default().Warn("failed to close resource", logging.ErrAttr(err))
		}
	}
	cfg.closers = nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	opts := []adapter.GeminiOption{
		adapter.WithGenerativeModel(cfg.geminiModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
	}

	if cfg.geminiAPIKey != "" {
		return adapter.NewGeminiAPI(ctx, cfg.geminiAPIKey, opts...)
	}

	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-api-key or gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
}

// newRedis returns the shared Redis client, or nil when Redis is not configured
func (cfg *config) newRedis(ctx context.Context) (*redis.Client, error) {
	if cfg.redisAddr == "" {
		return nil, nil
	}
	if cfg.redisClient != nil {
		return cfg.redisClient, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       int(cfg.redisDB),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", cfg.redisAddr))
	}

	cfg.redisClient = client
	cfg.closers = append(cfg.closers, client.Close)
	return client, nil
}

func (cfg *config) newEmbedder(gemini adapter.Gemini) (index.Embedder, error) {
	switch cfg.embedder {
	case "gemini":
		return index.NewGeminiEmbedder(gemini, int(cfg.embeddingDims)), nil
	case "lexical":
		return index.NewLexicalEmbedder(int(cfg.embeddingDims)), nil
	default:
		return nil, goerr.New("unsupported embedder", goerr.V("embedder", cfg.embedder))
	}
}

func (cfg *config) newStore(ctx context.Context) (index.Store, error) {
	switch cfg.indexBackend {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.indexDir)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, store.Close)
		return store, nil

	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, goerr.New("postgres-dsn is required for postgres index")
		}
		store, err := postgres.New(ctx, cfg.postgresDSN)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, store.Close)
		return store, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore index")
		}
		store, err := firestore.New(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, store.Close)
		return store, nil

	default:
		return nil, goerr.New("unsupported index backend", goerr.V("backend", cfg.indexBackend))
	}
}

// newIndex creates the vector index with its backend, embedder and lock
func (cfg *config) newIndex(ctx context.Context, gemini adapter.Gemini) (*index.Index, error) {
	store, err := cfg.newStore(ctx)
	if err != nil {
		return nil, err
	}

	embedder, err := cfg.newEmbedder(gemini)
	if err != nil {
		return nil, err
	}

	opts := []index.Option{index.WithDefaultK(int(cfg.topK))}
	client, err := cfg.newRedis(ctx)
	if err != nil {
		return nil, err
	}
	if client != nil {
		opts = append(opts, index.WithLocker(index.NewRedisLocker(client)))
	}

	return index.New(store, embedder, opts...), nil
}

// newCache creates the snapshot cache, or nil when caching is disabled
func (cfg *config) newCache(ctx context.Context) (cache.Cache, error) {
	opts := []cache.Option{cache.WithTTL(cfg.cacheTTL)}

	switch cfg.cacheBackend {
	case "none", "":
		return nil, nil

	case "file":
		return cache.NewFileCache(cfg.cacheDir, opts...)

	case "redis":
		client, err := cfg.newRedis(ctx)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, goerr.New("redis-addr is required for redis cache")
		}
		return cache.NewRedisCache(client, opts...), nil

	case "gcs":
		if cfg.cacheBucket == "" {
			return nil, goerr.New("cache-bucket is required for gcs cache")
		}
		storage, err := adapter.NewStorage(ctx, cfg.cacheBucket, cfg.cachePrefix)
		if err != nil {
			return nil, err
		}
		return cache.NewStorageCache(storage, opts...), nil

	default:
		return nil, goerr.New("unsupported cache backend", goerr.V("backend", cfg.cacheBackend))
	}
}

func (cfg *config) newFetcher() (scraper.Fetcher, error) {
	switch cfg.fetcher {
	case "browser":
		var opts []scraper.BrowserFetcherOption
		if cfg.chromePath != "" {
			opts = append(opts, scraper.WithExecPath(cfg.chromePath))
		}
		return scraper.NewBrowserFetcher(opts...), nil
	case "http":
		return scraper.NewHTTPFetcher(scraper.WithRateLimit(cfg.rateLimit, 2)), nil
	default:
		return nil, goerr.New("unsupported fetcher", goerr.V("fetcher", cfg.fetcher))
	}
}

// newScraper creates the match page scraper
func (cfg *config) newScraper(ctx context.Context) (*scraper.Scraper, error) {
	fetcher, err := cfg.newFetcher()
	if err != nil {
		return nil, err
	}

	opts := []scraper.Option{scraper.WithChunker(chunker.New())}
	if cfg.profilePath != "" {
		profile, err := scraper.LoadProfile(cfg.profilePath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scraper.WithProfile(profile))
	}

	c, err := cfg.newCache(ctx)
	if err != nil {
		return nil, err
	}
	if c != nil {
		opts = append(opts, scraper.WithCache(c))
	}

	return scraper.New(fetcher, opts...), nil
}

// newPolicy loads the poll interval policy
func (cfg *config) newPolicy(ctx context.Context) (*policy.Policy, error) {
	if cfg.policyDir == "" {
		return policy.Default(ctx)
	}
	return policy.Load(ctx, cfg.policyDir)
}

// newSessions creates the session manager, mirrored to Redis when configured
func (cfg *config) newSessions(ctx context.Context) (*session.Manager, error) {
	client, err := cfg.newRedis(ctx)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return session.New(), nil
	}
	return session.New(session.WithHistoryStore(session.NewRedisStore(client, cfg.sessionTTL))), nil
}

// newTracker wires every component into a match tracker
func (cfg *config) newTracker(ctx context.Context) (*match.Tracker, error) {
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}

	idx, err := cfg.newIndex(ctx, gemini)
	if err != nil {
		return nil, err
	}

	s, err := cfg.newScraper(ctx)
	if err != nil {
		return nil, err
	}

	p, err := cfg.newPolicy(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := cfg.newSessions(ctx)
	if err != nil {
		return nil, err
	}

	return match.New(s, idx, rag.NewGeminiGenerator(gemini),
		match.WithPolicy(p),
		match.WithSessions(sessions),
		match.WithTopK(int(cfg.topK)),
	), nil
}
