package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	register("postgres", func(ctx context.Context, cfg Config) (Store, error) {
		return NewPostgres(ctx, cfg.Postgres)
	})
}

// postgresStore keeps streams in two tables: streams (existence) and
// stream_items (ordered documents). Rename and Delete lean on the foreign
// key's ON UPDATE / ON DELETE CASCADE so each is a single statement on the
// streams table.
type postgresStore struct {
	db *stdsql.DB
}

// NewPostgres opens a pooled connection, pings it, and applies embedded
// migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (Store, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStorage, err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", ErrStorage, err)
	}

	return &postgresStore{db: db}, nil
}

// runMigrations applies embedded migration files with golang-migrate.
// Files are embedded so production deployments need no external SQL.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "streams", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB the store still needs.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func (p *postgresStore) Create(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO streams (stream_key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("%w: create stream: %v", ErrStorage, err)
	}
	return nil
}

func (p *postgresStore) Append(ctx context.Context, key string, doc []byte) error {
	// Sequence assignment and stream-existence check in one statement.
	// Concurrent appends to the same stream can race to the same seq and
	// trip the unique constraint; retry picks up the next value.
	const insert = `
		INSERT INTO stream_items (stream_key, seq, doc)
		SELECT s.stream_key,
		       COALESCE((SELECT MAX(seq) + 1 FROM stream_items WHERE stream_key = $1), 0),
		       $2::jsonb
		FROM streams s
		WHERE s.stream_key = $1`

	for attempt := 0; attempt < 3; attempt++ {
		res, err := p.db.ExecContext(ctx, insert, key, doc)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
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
	return fmt.Errorf("%w: append: sequence contention not resolved after retries", ErrStorage)
}

func (p *postgresStore) Read(ctx context.Context, key string) ([][]byte, error) {
	ok, err := p.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM stream_items WHERE stream_key = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	return docs, nil
}

func (p *postgresStore) Last(ctx context.Context, key string) ([]byte, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM stream_items WHERE stream_key = $1 ORDER BY seq DESC LIMIT 1`, key).
		Scan(&doc)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("last %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last: %v", ErrStorage, err)
	}
	return doc, nil
}

func (p *postgresStore) Rename(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		ok, err := p.Exists(ctx, oldKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
		}
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rename: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Renaming onto an existing key replaces it (content addresses collide
	// only with identical payloads).
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM streams WHERE stream_key = $1`, newKey); err != nil {
		return fmt.Errorf("%w: clear rename target: %v", ErrStorage, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE streams SET stream_key = $2 WHERE stream_key = $1`, oldKey, newKey)
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

func (p *postgresStore) Delete(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM streams WHERE stream_key = $1`, key)
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

func (p *postgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streams WHERE stream_key = $1)`, key).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrStorage, err)
	}
	return exists, nil
}

func (p *postgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT stream_key FROM streams ORDER BY stream_key`)
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

func (p *postgresStore) Close() error {
	return p.db.Close()
}
