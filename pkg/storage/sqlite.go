package storage

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Register pure-Go sqlite driver for database/sql
)

func init() {
	register("sqlite", func(ctx context.Context, cfg Config) (Store, error) {
		return NewSQLite(ctx, cfg.Path)
	})
}

// sqliteStore mirrors the postgres schema in an embedded database. Used for
// single-node deployments and as a warm-path test double for postgres.
type sqliteStore struct {
	db *stdsql.DB
}

// NewSQLite opens (or creates) the database file and applies the schema.
// Pass ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite driver requires a path", ErrStorage)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := stdsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}
	// modernc.org/sqlite serializes writes itself; a second writer conn
	// only produces SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS streams (
	    stream_key TEXT PRIMARY KEY,
	    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS stream_items (
	    id INTEGER PRIMARY KEY AUTOINCREMENT,
	    stream_key TEXT NOT NULL REFERENCES streams(stream_key) ON UPDATE CASCADE ON DELETE CASCADE,
	    seq INTEGER NOT NULL,
	    doc TEXT NOT NULL,
	    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	    UNIQUE (stream_key, seq)
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorage, err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Create(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (stream_key) VALUES (?) ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("%w: create stream: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) Append(ctx context.Context, key string, doc []byte) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_items (stream_key, seq, doc)
		SELECT s.stream_key,
		       COALESCE((SELECT MAX(seq) + 1 FROM stream_items WHERE stream_key = ?1), 0),
		       ?2
		FROM streams s
		WHERE s.stream_key = ?1`, key, string(doc))
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	if rows == 0 {
		return fmt.Errorf("append %q: %w", key, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Read(ctx context.Context, key string) ([][]byte, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM stream_items WHERE stream_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var docs [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		docs = append(docs, []byte(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	return docs, nil
}

func (s *sqliteStore) Last(ctx context.Context, key string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM stream_items WHERE stream_key = ? ORDER BY seq DESC LIMIT 1`, key).
		Scan(&doc)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("last %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last: %v", ErrStorage, err)
	}
	return []byte(doc), nil
}

func (s *sqliteStore) Rename(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		ok, err := s.Exists(ctx, oldKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rename: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM streams WHERE stream_key = ?`, newKey); err != nil {
		return fmt.Errorf("%w: clear rename target: %v", ErrStorage, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE streams SET stream_key = ?2 WHERE stream_key = ?1`, oldKey, newKey)
	if err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	if rows == 0 {
		return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rename: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE stream_key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	if rows == 0 {
		return fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streams WHERE stream_key = ?)`, key).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrStorage, err)
	}
	return exists, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_key FROM streams ORDER BY stream_key`)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrStorage, err)
	}
	return keys, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
