// Package sqlite is a persistent vector store in a single SQLite database file.
// Vectors are stored as little-endian float32 blobs and searched by brute force,
// which is adequate for the few hundred passages of a match page.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

const DatabaseFile = "index.db"

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	dims       INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS passages (
	collection   TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	text         TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	embedding    BLOB NOT NULL,
	PRIMARY KEY (collection, seq)
);
`

type Store struct {
	db *sql.DB
}

var _ index.Store = (*Store)(nil)

// Open opens or creates the index database under dir
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create index directory", goerr.V("dir", dir))
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", dbPath))
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to migrate sqlite database", goerr.V("path", dbPath))
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE collection = ?`, name); err != nil {
		return goerr.Wrap(err, "failed to delete passages", goerr.V("collection", name))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return goerr.Wrap(err, "failed to delete collection", goerr.V("collection", name))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit collection deletion", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, dims int) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, dims) VALUES (?, ?)`, name, dims); err != nil {
		return goerr.Wrap(err, "failed to create collection", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) dims(ctx context.Context, name string) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dims FROM collections WHERE name = ?`, name).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, goerr.New("collection not found", goerr.V("collection", name), goerr.T(model.ErrTagNotFound))
	}
	if err != nil {
		return 0, goerr.Wrap(err, "failed to get collection", goerr.V("collection", name))
	}
	return dims, nil
}

func (s *Store) Insert(ctx context.Context, name string, records []*index.Record) error {
	dims, err := s.dims(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO passages (collection, seq, text, start_offset, end_offset, embedding) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return goerr.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Embedding) != dims {
			return goerr.New("vector dimension mismatch", goerr.V("expected", dims), goerr.V("actual", len(r.Embedding)))
		}
		p := r.Passage
		if _, err := stmt.ExecContext(ctx, name, p.SequenceIndex, p.Text, p.Start, p.End, encodeVector(r.Embedding)); err != nil {
			return goerr.Wrap(err, "failed to insert passage", goerr.V("collection", name), goerr.V("seq", p.SequenceIndex))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit passages", goerr.V("collection", name))
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vector []float32, k int) (model.QueryResult, error) {
	if _, err := s.dims(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, text, start_offset, end_offset, embedding FROM passages WHERE collection = ? ORDER BY seq`, name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query passages", goerr.V("collection", name))
	}
	defer rows.Close()

	var records []*index.Record
	for rows.Next() {
		var (
			p    model.Passage
			blob []byte
		)
		if err := rows.Scan(&p.SequenceIndex, &p.Text, &p.Start, &p.End, &blob); err != nil {
			return nil, goerr.Wrap(err, "failed to scan passage", goerr.V("collection", name))
		}
		records = append(records, &index.Record{Passage: &p, Embedding: decodeVector(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate passages", goerr.V("collection", name))
	}

	return index.Rank(records, vector, k), nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
