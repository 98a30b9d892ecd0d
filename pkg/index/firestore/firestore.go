package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionsRegistry = "cricai_collections"
	embeddingField      = "embedding"
	distanceField       = "distance"
)

// Store keeps one Firestore collection per match collection. A registry document marks
// that a collection exists, since Firestore has no empty collections.
// Vector search requires a single-field vector index on "embedding" with matching dimensions.
type Store struct {
	client *firestore.Client
}

var _ index.Store = (*Store)(nil)

type passageDoc struct {
	Text      string             `firestore:"text"`
	Seq       int                `firestore:"seq"`
	Start     int                `firestore:"start"`
	End       int                `firestore:"end"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Distance  float64            `firestore:"distance,omitempty"`
}

type registryDoc struct {
	Dims int `firestore:"dims"`
}

func New(ctx context.Context, projectID, databaseID string) (*Store, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client", goerr.V("project", projectID), goerr.V("database", databaseID))
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	iter := s.client.Collection(name).DocumentRefs(ctx)
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to list documents", goerr.V("collection", name))
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue delete", goerr.V("collection", name))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to delete document", goerr.V("collection", name))
		}
	}

	if _, err := s.client.Collection(collectionsRegistry).Doc(name).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return goerr.Wrap(err, "failed to delete collection registry", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, dims int) error {
	if _, err := s.client.Collection(collectionsRegistry).Doc(name).Set(ctx, &registryDoc{Dims: dims}); err != nil {
		return goerr.Wrap(err, "failed to register collection", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) exists(ctx context.Context, name string) error {
	_, err := s.client.Collection(collectionsRegistry).Doc(name).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return goerr.New("collection not found", goerr.V("collection", name), goerr.T(model.ErrTagNotFound))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to get collection registry", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, name string, records []*index.Record) error {
	if err := s.exists(ctx, name); err != nil {
		return err
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, r := range records {
		p := r.Passage
		doc := &passageDoc{
			Text:      p.Text,
			Seq:       p.SequenceIndex,
			Start:     p.Start,
			End:       p.End,
			Embedding: firestore.Vector32(r.Embedding),
		}
		job, err := bw.Set(s.client.Collection(name).Doc(fmt.Sprintf("%06d", p.SequenceIndex)), doc)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue passage", goerr.V("collection", name), goerr.V("seq", p.SequenceIndex))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write passage", goerr.V("collection", name))
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vector []float32, k int) (model.QueryResult, error) {
	if err := s.exists(ctx, name); err != nil {
		return nil, err
	}

	query := s.client.Collection(name).FindNearest(embeddingField, firestore.Vector32(vector), k,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField},
	)

	var result model.QueryResult
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search passages", goerr.V("collection", name))
		}

		var doc passageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode passage", goerr.V("collection", name), goerr.V("id", snap.Ref.ID))
		}
		result = append(result, &model.ScoredPassage{
			Passage: &model.Passage{Text: doc.Text, SequenceIndex: doc.Seq, Start: doc.Start, End: doc.End},
			Score:   1 - doc.Distance,
		})
	}

	return result, nil
}
