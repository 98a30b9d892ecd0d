package index

import (
	"context"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultK                = 10
	defaultEmbedConcurrency = 4
)

// Record is a passage together with its embedding
type Record struct {
	Passage   *model.Passage
	Embedding []float32
}

// Store is a vector storage backend holding named collections
type Store interface {
	// DeleteCollection removes a collection and all its records. A missing collection is not an error.
	DeleteCollection(ctx context.Context, name string) error
	// CreateCollection creates an empty collection
	CreateCollection(ctx context.Context, name string, dims int) error
	// Insert adds records to an existing collection
	Insert(ctx context.Context, name string, records []*Record) error
	// Search returns up to k records ordered by cosine similarity, most similar first.
	// A missing collection is reported with model.ErrTagNotFound.
	Search(ctx context.Context, name string, vector []float32, k int) (model.QueryResult, error)
}

// Embedder converts text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Index manages per-match passage collections on top of a Store and an Embedder
type Index struct {
	store       Store
	embedder    Embedder
	locker      Locker
	k           int
	concurrency int
}

type Option func(*Index)

// WithLocker replaces the in-process refresh lock
func WithLocker(locker Locker) Option {
	return func(x *Index) {
		x.locker = locker
	}
}

// WithDefaultK sets the number of passages returned when Query is called with k <= 0
func WithDefaultK(k int) Option {
	return func(x *Index) {
		if k > 0 {
			x.k = k
		}
	}
}

// WithEmbedConcurrency sets how many passages are embedded in parallel during Refresh
func WithEmbedConcurrency(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.concurrency = n
		}
	}
}

func New(store Store, embedder Embedder, opts ...Option) *Index {
	x := &Index{
		store:       store,
		embedder:    embedder,
		locker:      NewMemoryLocker(),
		k:           DefaultK,
		concurrency: defaultEmbedConcurrency,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Refresh replaces the collection with the given passages. The previous contents are
// dropped before insertion, so a failed refresh leaves the collection undefined until the
// next successful one.
func (x *Index) Refresh(ctx context.Context, collection string, passages []*model.Passage) error {
	logger := logging.From(ctx).With("collection", collection)
	started := time.Now()

	unlock, err := x.locker.Lock(ctx, collection)
	if err != nil {
		return goerr.Wrap(err, "failed to lock collection", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
	}
	defer unlock()

	if err := x.store.DeleteCollection(ctx, collection); err != nil {
		return goerr.Wrap(err, "failed to delete collection", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
	}
	if err := x.store.CreateCollection(ctx, collection, x.embedder.Dimensions()); err != nil {
		return goerr.Wrap(err, "failed to create collection", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
	}

	records, err := x.embedAll(ctx, passages)
	if err != nil {
		return goerr.Wrap(err, "failed to embed passages", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
	}

	if len(records) > 0 {
		if err := x.store.Insert(ctx, collection, records); err != nil {
			return goerr.Wrap(err, "failed to insert passages", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
		}
	}

	logger.Info("collection refreshed", "passages", len(records), "elapsed", time.Since(started))
	return nil
}

func (x *Index) embedAll(ctx context.Context, passages []*model.Passage) ([]*Record, error) {
	records := make([]*Record, len(passages))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(x.concurrency)
	for i, p := range passages {
		eg.Go(func() error {
			vec, err := x.embedder.Embed(ctx, p.Text)
			if err != nil {
				return goerr.Wrap(err, "failed to embed passage", goerr.V("sequence_index", p.SequenceIndex))
			}
			records[i] = &Record{Passage: p, Embedding: vec}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// Query returns up to k passages of the collection ranked by similarity to the question.
// k <= 0 uses the default (10).
func (x *Index) Query(ctx context.Context, collection, question string, k int) (model.QueryResult, error) {
	if k <= 0 {
		k = x.k
	}

	vec, err := x.embedder.Embed(ctx, question)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed question", goerr.V("collection", collection), goerr.T(model.ErrTagIndexBackend))
	}

	result, err := x.store.Search(ctx, collection, vec, k)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search collection", goerr.V("collection", collection), goerr.V("k", k), goerr.T(model.ErrTagIndexBackend))
	}

	logging.From(ctx).Debug("collection queried", "collection", collection, "k", k, "hits", len(result))
	return result, nil
}
