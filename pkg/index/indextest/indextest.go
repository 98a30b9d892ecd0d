// Package indextest provides a behavior suite shared by index.Store implementations.
package indextest

import (
	"context"
	"fmt"
	"testing"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

const dims = 4

func record(seq int, text string, vec ...float32) *index.Record {
	return &index.Record{
		Passage:   &model.Passage{Text: text, SequenceIndex: seq, Start: seq * 10, End: seq*10 + len(text)},
		Embedding: vec,
	}
}

// RunStore runs the suite. newStore must return an empty store; prefix keeps collection
// names of concurrent runs apart on shared backends.
func RunStore(t *testing.T, prefix string, newStore func(t *testing.T) index.Store) {
	ctx := context.Background()
	name := func(s string) string { return fmt.Sprintf("%s%s", prefix, s) }

	t.Run("search missing collection", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Search(ctx, name("missing"), []float32{1, 0, 0, 0}, 3)
		gt.Error(t, err)
		gt.True(t, goerr.HasTag(err, model.ErrTagNotFound))
	})

	t.Run("delete missing collection", func(t *testing.T) {
		store := newStore(t)
		gt.NoError(t, store.DeleteCollection(ctx, name("missing")))
	})

	t.Run("search ranks by cosine similarity", func(t *testing.T) {
		store := newStore(t)
		c := name("rank")
		gt.NoError(t, store.DeleteCollection(ctx, c))
		gt.NoError(t, store.CreateCollection(ctx, c, dims))
		gt.NoError(t, store.Insert(ctx, c, []*index.Record{
			record(0, "far", 0, 0, 0, 1),
			record(1, "exact", 1, 0, 0, 0),
			record(2, "close", 0.9, 0.1, 0, 0),
		}))

		result, err := store.Search(ctx, c, []float32{1, 0, 0, 0}, 2)
		gt.NoError(t, err)
		gt.A(t, result).Length(2)
		gt.Equal(t, result.Texts(), []string{"exact", "close"})
		gt.True(t, result[0].Score >= result[1].Score)
		gt.Equal(t, result[0].Passage.SequenceIndex, 1)
		gt.Equal(t, result[0].Passage.Start, 10)

		all, err := store.Search(ctx, c, []float32{1, 0, 0, 0}, 10)
		gt.NoError(t, err)
		gt.A(t, all).Length(3)
	})

	t.Run("empty collection", func(t *testing.T) {
		store := newStore(t)
		c := name("empty")
		gt.NoError(t, store.DeleteCollection(ctx, c))
		gt.NoError(t, store.CreateCollection(ctx, c, dims))

		result, err := store.Search(ctx, c, []float32{1, 0, 0, 0}, 10)
		gt.NoError(t, err)
		gt.A(t, result).Length(0)
	})

	t.Run("delete drops records", func(t *testing.T) {
		store := newStore(t)
		c := name("drop")
		gt.NoError(t, store.DeleteCollection(ctx, c))
		gt.NoError(t, store.CreateCollection(ctx, c, dims))
		gt.NoError(t, store.Insert(ctx, c, []*index.Record{record(0, "old", 1, 0, 0, 0)}))
		gt.NoError(t, store.DeleteCollection(ctx, c))

		_, err := store.Search(ctx, c, []float32{1, 0, 0, 0}, 10)
		gt.Error(t, err)

		gt.NoError(t, store.CreateCollection(ctx, c, dims))
		gt.NoError(t, store.Insert(ctx, c, []*index.Record{record(0, "new", 1, 0, 0, 0)}))
		result, err := store.Search(ctx, c, []float32{1, 0, 0, 0}, 10)
		gt.NoError(t, err)
		gt.Equal(t, result.Texts(), []string{"new"})
	})

	t.Run("collections are isolated", func(t *testing.T) {
		store := newStore(t)
		a, b := name("a"), name("b")
		for _, c := range []string{a, b} {
			gt.NoError(t, store.DeleteCollection(ctx, c))
			gt.NoError(t, store.CreateCollection(ctx, c, dims))
		}
		gt.NoError(t, store.Insert(ctx, a, []*index.Record{record(0, "in a", 1, 0, 0, 0)}))
		gt.NoError(t, store.Insert(ctx, b, []*index.Record{record(0, "in b", 0, 1, 0, 0)}))

		result, err := store.Search(ctx, a, []float32{0, 1, 0, 0}, 10)
		gt.NoError(t, err)
		gt.Equal(t, result.Texts(), []string{"in a"})
	})
}
