package postgres

import (
	"context"
	"database/sql"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pgvector/pgvector-go"

	_ "github.com/lib/pq"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS cricai_collections (
	name       TEXT PRIMARY KEY,
	dims       INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS cricai_passages (
	collection   TEXT NOT NULL REFERENCES cricai_collections(name) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	text         TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	embedding    vector NOT NULL,
	PRIMARY KEY (collection, seq)
);
`

// Store keeps collections in PostgreSQL with the pgvector extension
type Store struct {
	db *sql.DB
}

var _ index.Store = (*Store)(nil)

func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to connect postgres")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to migrate postgres")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cricai_collections WHERE name = $1`, name); err != nil {
		return goerr.Wrap(err, "failed to delete collection", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, dims int) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO cricai_collections (name, dims) VALUES ($1, $2)`, name, dims); err != nil {
		return goerr.Wrap(err, "failed to create collection", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) exists(ctx context.Context, name string) error {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dims FROM cricai_collections WHERE name = $1`, name).Scan(&dims)
	if err == sql.ErrNoRows {
		return goerr.New("collection not found", goerr.V("collection", name), goerr.T(model.ErrTagNotFound))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to get collection", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, name string, records []*index.Record) error {
	if err := s.exists(ctx, name); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		p := r.Passage
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cricai_passages (collection, seq, text, start_offset, end_offset, embedding) VALUES ($1, $2, $3, $4, $5, $6)`,
			name, p.SequenceIndex, p.Text, p.Start, p.End, pgvector.NewVector(r.Embedding))
		if err != nil {
			return goerr.Wrap(err, "failed to insert passage", goerr.V("collection", name), goerr.V("seq", p.SequenceIndex))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit passages", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vector []float32, k int) (model.QueryResult, error) {
	if err := s.exists(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, text, start_offset, end_offset, 1 - (embedding <=> $2) AS score
		FROM cricai_passages
		WHERE collection = $1
		ORDER BY embedding <=> $2, seq
		LIMIT $3`, name, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search passages", goerr.V("collection", name))
	}
	defer rows.Close()

	var result model.QueryResult
	for rows.Next() {
		var p model.Passage
		var score float64
		if err := rows.Scan(&p.SequenceIndex, &p.Text, &p.Start, &p.End, &score); err != nil {
			return nil, goerr.Wrap(err, "failed to scan passage", goerr.V("collection", name))
		}
		result = append(result, &model.ScoredPassage{Passage: &p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate passages", goerr.V("collection", name))
	}

	return result, nil
}
