package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps each collection in its own table of the database file.
type SQLiteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; keeps every statement on the same connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Collection(ctx context.Context, name string) (Collection, error) {
	table := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			doc        TEXT NOT NULL,
			sync_run   TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &sqliteCollection{db: s.db, name: name, table: table}, nil
}

func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

type sqliteCollection struct {
	db    *sql.DB
	name  string
	table string
}

func (c *sqliteCollection) Name() string { return c.name }

func (c *sqliteCollection) UpsertMany(ctx context.Context, run string, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, sync_run, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			doc = excluded.doc,
			sync_run = excluded.sync_run,
			updated_at = excluded.updated_at`, c.table))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, doc := range docs {
		body, err := json.Marshal(doc.Body)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", doc.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, doc.Key, string(body), run, now); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", doc.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (c *sqliteCollection) Get(ctx context.Context, key string, out any) (bool, error) {
	var body string
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", c.table), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(body), out)
}

func (c *sqliteCollection) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)).Scan(&count)
	return count, err
}

func (c *sqliteCollection) Prune(ctx context.Context, run string) (int64, error) {
	res, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE sync_run <> ?", c.table), run)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", c.name, err)
	}
	return res.RowsAffected()
}
