package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps each collection in its own table of (id, doc jsonb)
// rows inside the schema named by Options.Database.
type PostgresStore struct {
	db     *pgxpool.Pool
	schema string
}

func openPostgres(ctx context.Context, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.URI)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{db: pool, schema: opts.Database}
	if s.schema != "" {
		sql := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.schema}.Sanitize()
		if _, err := pool.Exec(ctx, sql); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *PostgresStore) Collection(ctx context.Context, name string) (Collection, error) {
	ident := pgx.Identifier{name}
	if s.schema != "" {
		ident = pgx.Identifier{s.schema, name}
	}
	table := ident.Sanitize()

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			sync_run   TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &postgresCollection{db: s.db, name: name, table: table}, nil
}

func (s *PostgresStore) Close(_ context.Context) error {
	s.db.Close()
	return nil
}

type postgresCollection struct {
	db    *pgxpool.Pool
	name  string
	table string
}

func (c *postgresCollection) Name() string { return c.name }

func (c *postgresCollection) UpsertMany(ctx context.Context, run string, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (id, doc, sync_run, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			doc = EXCLUDED.doc,
			sync_run = EXCLUDED.sync_run,
			updated_at = now()`, c.table)

	batch := &pgx.Batch{}
	for _, doc := range docs {
		body, err := json.Marshal(doc.Body)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", doc.Key, err)
		}
		batch.Queue(upsertSQL, doc.Key, body, run)
	}

	br := c.db.SendBatch(ctx, batch)
	for i, doc := range docs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return i, fmt.Errorf("upsert %s: %w", doc.Key, err)
		}
	}
	if err := br.Close(); err != nil {
		return len(docs), err
	}
	return len(docs), nil
}

func (c *postgresCollection) Get(ctx context.Context, key string, out any) (bool, error) {
	var body []byte
	err := c.db.QueryRow(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", c.table), key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(body, out)
}

func (c *postgresCollection) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)).Scan(&count)
	return count, err
}

func (c *postgresCollection) Prune(ctx context.Context, run string) (int64, error) {
	tag, err := c.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE sync_run <> $1", c.table), run)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", c.name, err)
	}
	return tag.RowsAffected(), nil
}
