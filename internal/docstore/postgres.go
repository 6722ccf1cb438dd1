package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const backendPostgres = "postgres"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	parent     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS documents_parent_idx ON documents (parent);
CREATE INDEX IF NOT EXISTS documents_value_idx ON documents USING GIN (value jsonb_path_ops);
`

type docRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// Postgres stores every document as one JSONB row keyed by its path
type Postgres struct {
	db  *sqlx.DB
	hub *Hub
}

// NewPostgres connects to the database. A nil hub gets a private one.
func NewPostgres(databaseURL string, hub *Hub) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if hub == nil {
		hub = NewHub()
	}
	return &Postgres{db: db, hub: hub}, nil
}

// Migrate creates the documents table if it does not exist
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate documents schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Hub() *Hub {
	return s.hub
}

func (s *Postgres) Create(ctx context.Context, collection string) (string, error) {
	if _, err := cleanPath(collection); err != nil {
		return "", err
	}
	return NewKey()
}

func (s *Postgres) Write(ctx context.Context, path string, value any) error {
	defer observe(backendPostgres, "write", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	b, err := encode(value)
	if err != nil {
		return err
	}
	parent, key := splitPath(p)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (path, parent, key, value, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		p, parent, key, string(b))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Postgres) Update(ctx context.Context, path string, fields map[string]any) error {
	defer observe(backendPostgres, "update", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	b, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	parent, key := splitPath(p)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (path, parent, key, value, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (path) DO UPDATE SET value = documents.value || EXCLUDED.value, updated_at = NOW()`,
		p, parent, key, string(b))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Postgres) Remove(ctx context.Context, path string) error {
	defer observe(backendPostgres, "remove", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE path = $1 OR starts_with(path, $1 || '/')", p)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Postgres) Get(ctx context.Context, path string, out any) error {
	defer observe(backendPostgres, "get", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	var raw []byte
	err = s.db.GetContext(ctx, &raw, "SELECT value FROM documents WHERE path = $1", p)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", p, err)
	}
	return json.Unmarshal(raw, out)
}

func (s *Postgres) List(ctx context.Context, collection string) (Snapshot, error) {
	defer observe(backendPostgres, "list", time.Now())

	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT key, value FROM documents WHERE parent = $1", c); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c, err)
	}
	return toSnapshot(rows), nil
}

func (s *Postgres) Query(ctx context.Context, collection, field string, value any) (Snapshot, error) {
	defer observe(backendPostgres, "query", time.Now())

	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	filter, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT key, value FROM documents WHERE parent = $1 AND value @> $2::jsonb",
		c, string(filter)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c, err)
	}
	return toSnapshot(rows), nil
}

func (s *Postgres) Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error) {
	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, c, func(ctx context.Context) (Snapshot, error) {
		return s.List(ctx, c)
	}, fn)
}

func toSnapshot(rows []docRow) Snapshot {
	snap := make(Snapshot, len(rows))
	for _, r := range rows {
		snap[r.Key] = r.Value
	}
	return snap
}
