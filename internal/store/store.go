// Package store persists keyed documents into named collections of a
// MongoDB, PostgreSQL or SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConnect        = errors.New("store connection failed")
	ErrUnsupportedURI = errors.New("unsupported store uri")
)

// runField records which sync run last wrote a document.
const runField = "syncRun"

// Document is one record addressed by its natural key. Body is encoded by
// the backend (BSON for MongoDB, JSON for the SQL stores).
type Document struct {
	Key  string
	Body any
}

type Collection interface {
	Name() string
	// UpsertMany replaces the document stored under each key, inserting it
	// when absent, and stamps it with run. It returns how many documents
	// were written before any error.
	UpsertMany(ctx context.Context, run string, docs []Document) (int, error)
	// Get decodes the document stored under key into out.
	Get(ctx context.Context, key string, out any) (bool, error)
	Count(ctx context.Context) (int64, error)
	// Prune deletes every document not written by run.
	Prune(ctx context.Context, run string) (int64, error)
}

type Store interface {
	Collection(ctx context.Context, name string) (Collection, error)
	Close(ctx context.Context) error
}

type Options struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Open connects to the database named by opts.URI and verifies the
// connection. The URI scheme selects the backend:
//
//	mongodb://, mongodb+srv://   MongoDB
//	postgres://, postgresql://   PostgreSQL
//	sqlite://<path>              SQLite file
//
// Connection failures wrap ErrConnect.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	scheme, _, ok := strings.Cut(opts.URI, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURI, opts.URI)
	}

	var (
		st  Store
		err error
	)
	switch strings.ToLower(scheme) {
	case "mongodb", "mongodb+srv":
		st, err = openMongo(ctx, opts)
	case "postgres", "postgresql":
		st, err = openPostgres(ctx, opts)
	case "sqlite":
		st, err = openSQLite(ctx, strings.TrimPrefix(opts.URI, scheme+"://"))
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURI, scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return st, nil
}
