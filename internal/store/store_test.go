package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name" bson:"name"`
	Value int    `json:"value" bson:"value"`
}

func openTestStore(t *testing.T, uri, database string) Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := Open(ctx, Options{URI: uri, Database: database, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

// exerciseCollection runs the behaviour every backend must share.
func exerciseCollection(t *testing.T, st Store) {
	ctx := context.Background()
	coll, err := st.Collection(ctx, "conformance_"+uuid.NewString()[:8])
	require.NoError(t, err)

	t.Run("upsert inserts then replaces", func(t *testing.T) {
		n, err := coll.UpsertMany(ctx, "run-1", []Document{
			{Key: "AE", Body: testDoc{Name: "Emirates", Value: 1}},
			{Key: "AT", Body: testDoc{Name: "Austria", Value: 2}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = coll.UpsertMany(ctx, "run-2", []Document{
			{Key: "AE", Body: testDoc{Name: "United Arab Emirates", Value: 3}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := coll.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		var got testDoc
		found, err := coll.Get(ctx, "AE", &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, testDoc{Name: "United Arab Emirates", Value: 3}, got)
	})

	t.Run("get missing key", func(t *testing.T) {
		var got testDoc
		found, err := coll.Get(ctx, "ZZ", &got)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		n, err := coll.UpsertMany(ctx, "run-3", nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("prune removes documents from other runs", func(t *testing.T) {
		deleted, err := coll.Prune(ctx, "run-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		found, err := coll.Get(ctx, "AT", &testDoc{})
		require.NoError(t, err)
		assert.False(t, found)

		found, err = coll.Get(ctx, "AE", &testDoc{})
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "asn.db")
	st := openTestStore(t, "sqlite://"+path, "")

	exerciseCollection(t, st)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSQLiteStore_CollectionsAreIsolated(t *testing.T) {
	st := openTestStore(t, "sqlite://"+filepath.Join(t.TempDir(), "asn.db"), "")
	ctx := context.Background()

	v4, err := st.Collection(ctx, "asnIPv4")
	require.NoError(t, err)
	v6, err := st.Collection(ctx, "asnIPv6")
	require.NoError(t, err)

	_, err = v4.UpsertMany(ctx, "run", []Document{{Key: "k", Body: testDoc{Name: "v4"}}})
	require.NoError(t, err)

	count, err := v6.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, "asnIPv4", v4.Name())
}

func TestPostgresStore(t *testing.T) {
	uri := os.Getenv("TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("TEST_POSTGRES_URI not set")
	}
	exerciseCollection(t, openTestStore(t, uri, "asnsync_test"))
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	exerciseCollection(t, openTestStore(t, uri, "asnsync_test"))
}

func TestOpen_UnsupportedURI(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"no scheme", "localhost:27017"},
		{"unknown scheme", "redis://localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), Options{URI: tt.uri})
			assert.True(t, errors.Is(err, ErrUnsupportedURI))
			assert.False(t, errors.Is(err, ErrConnect))
		})
	}
}

func TestOpen_ConnectFailureWrapsErrConnect(t *testing.T) {
	_, err := Open(context.Background(), Options{URI: "sqlite://"})
	assert.True(t, errors.Is(err, ErrConnect))
}
