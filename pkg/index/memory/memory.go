package memory

import (
	"context"
	"sync"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Store keeps collections in process memory and searches them by brute force
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dims    int
	records []*index.Record
}

var _ index.Store = (*Store)(nil)

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *Store) CreateCollection(_ context.Context, name string, dims int) error {
	if dims <= 0 {
		return goerr.New("invalid dimension", goerr.V("dims", dims))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return goerr.New("collection already exists", goerr.V("collection", name))
	}
	s.collections[name] = &collection{dims: dims}
	return nil
}

func (s *Store) Insert(_ context.Context, name string, records []*index.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return goerr.New("collection not found", goerr.V("collection", name), goerr.T(model.ErrTagNotFound))
	}
	for _, r := range records {
		if len(r.Embedding) != c.dims {
			return goerr.New("vector dimension mismatch", goerr.V("expected", c.dims), goerr.V("actual", len(r.Embedding)))
		}
	}
	c.records = append(c.records, records...)
	return nil
}

func (s *Store) Search(_ context.Context, name string, vector []float32, k int) (model.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, goerr.New("collection not found", goerr.V("collection", name), goerr.T(model.ErrTagNotFound))
	}
	return index.Rank(c.records, vector, k), nil
}
