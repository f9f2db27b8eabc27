package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/forgeworks/anvil/pkg/errors"
)

// sqliteCorpus persists the document corpus in a single append-only table.
type sqliteCorpus struct {
	db *sql.DB
}

// OpenSQLiteIndex creates an index backed by a durable SQLite corpus. Any
// previously ingested documents are reloaded in insertion order so history
// keeps grounding future runs across restarts.
func OpenSQLiteIndex(path string, logger *zap.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to open corpus database"),
			errors.Fields{"path": path})
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.StorageFailed, "failed to enable WAL mode")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS corpus_documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		text TEXT NOT NULL,
		tags TEXT,
		added_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.StorageFailed, "failed to initialize corpus schema")
	}

	store := &sqliteCorpus{db: db}
	index := NewIndex(logger)
	index.store = store

	docs, err := store.loadAll(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	index.mu.Lock()
	for _, doc := range docs {
		index.appendLocked(doc)
	}
	index.mu.Unlock()

	return index, nil
}

func (s *sqliteCorpus) append(ctx context.Context, doc Document) error {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		tags = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO corpus_documents (id, text, tags, added_at) VALUES (?, ?, ?, ?)",
		doc.ID, doc.Text, string(tags), doc.AddedAt)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to persist document"),
			errors.Fields{"doc_id": doc.ID})
	}
	return nil
}

func (s *sqliteCorpus) loadAll(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, text, tags, added_at FROM corpus_documents ORDER BY seq ASC")
	if err != nil {
		return nil, errors.Wrap(err, errors.StorageFailed, "failed to load corpus")
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var tags sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Text, &tags, &doc.AddedAt); err != nil {
			return nil, errors.Wrap(err, errors.StorageFailed, "failed to scan document row")
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &doc.Tags)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StorageFailed, "corpus row iteration failed")
	}
	return docs, nil
}

func (s *sqliteCorpus) close() error {
	return s.db.Close()
}
