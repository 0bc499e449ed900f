package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"asnsync/internal/acquire"
	"asnsync/internal/catalog"
	"asnsync/internal/config"
	"asnsync/internal/store"
	"asnsync/internal/testutil"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchAll(ctx context.Context, resources []acquire.Resource) []acquire.Outcome {
	args := m.Called(ctx, resources)
	return args.Get(0).([]acquire.Outcome)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Collection(ctx context.Context, name string) (store.Collection, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(store.Collection), args.Error(1)
}

func (m *mockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockCollection struct {
	mock.Mock
	name string
}

func (m *mockCollection) Name() string { return m.name }

func (m *mockCollection) UpsertMany(ctx context.Context, run string, docs []store.Document) (int, error) {
	args := m.Called(ctx, run, docs)
	return args.Int(0), args.Error(1)
}

func (m *mockCollection) Get(ctx context.Context, key string, out any) (bool, error) {
	args := m.Called(ctx, key, out)
	return args.Bool(0), args.Error(1)
}

func (m *mockCollection) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCollection) Prune(ctx context.Context, run string) (int64, error) {
	args := m.Called(ctx, run)
	return args.Get(0).(int64), args.Error(1)
}

var errInterrupted = errors.New("connection reset")

// cutoffStore lets the first limit upserts into one collection through and
// fails every later one, as if the sync were cut off mid-collection.
type cutoffStore struct {
	store.Store
	collection string
	limit      int
}

func (s *cutoffStore) Collection(ctx context.Context, name string) (store.Collection, error) {
	coll, err := s.Store.Collection(ctx, name)
	if err != nil || name != s.collection {
		return coll, err
	}
	return &cutoffCollection{Collection: coll, limit: s.limit}, nil
}

type cutoffCollection struct {
	store.Collection
	limit int
	calls int
}

func (c *cutoffCollection) UpsertMany(ctx context.Context, run string, docs []store.Document) (int, error) {
	c.calls++
	if c.calls > c.limit {
		return 0, errInterrupted
	}
	return c.Collection.UpsertMany(ctx, run, docs)
}

// datasetKeys lists every document key the fixture dataset produces.
var datasetKeys = map[string][]string{
	"countries": {"AU", "AT", "JP", "AE"},
	"asnIPv4": {
		"asn-country:1.0.0.0-1.0.0.255",
		"asn-country:1.0.4.0-1.0.7.255",
		"asn-country:5.32.0.0-5.32.63.255",
		"asn:1.0.0.0-1.0.0.255",
		"asn:5.32.0.0-5.32.63.255",
	},
	"asnIPv6": {
		"asn-country:2001:200::-2001:200:ffff:ffff:ffff:ffff:ffff:ffff",
		"asn-country:2001:4:112::-2001:4:112:ffff:ffff:ffff:ffff:ffff",
		"asn:2001:200::-2001:200:ffff:ffff:ffff:ffff:ffff:ffff",
	},
}

func sqliteOpener(cfg config.Config) OpenFunc {
	return func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, store.Options{URI: cfg.StoreURI, ConnectTimeout: cfg.StoreConnectTimeout})
	}
}

func newSQLiteService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	return NewService(cfg, new(mockFetcher), sqliteOpener(cfg), zerolog.Nop())
}

func openCollection(t *testing.T, cfg config.Config, name string) store.Collection {
	t.Helper()
	ctx := context.Background()
	st, err := sqliteOpener(cfg)(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })
	coll, err := st.Collection(ctx, name)
	require.NoError(t, err)
	return coll
}

func count(t *testing.T, coll store.Collection) int64 {
	t.Helper()
	n, err := coll.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestService_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("syncs every table", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)

		run, err := newSQLiteService(t, cfg).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)
		require.Len(t, run.Syncs, 5)
		assert.Equal(t, []string{"countries", "ipv4-asn-country", "ipv4-asn", "ipv6-asn-country", "ipv6-asn"},
			[]string{run.Syncs[0].Step, run.Syncs[1].Step, run.Syncs[2].Step, run.Syncs[3].Step, run.Syncs[4].Step})
		assert.Equal(t, 4+3+2+2+1, run.Upserted())
		assert.NotNil(t, run.FinishedAt)

		assert.Equal(t, int64(4), count(t, openCollection(t, cfg, "countries")))
		assert.Equal(t, int64(5), count(t, openCollection(t, cfg, "asnIPv4")))
		assert.Equal(t, int64(3), count(t, openCollection(t, cfg, "asnIPv6")))

		var ae catalog.Country
		found, err := openCollection(t, cfg, "countries").Get(ctx, "AE", &ae)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, catalog.Country{
			Name: "United Arab Emirates", Alpha2: "AE", Alpha3: "ARE", NumericCode: "784",
			SubdivisionPrefix: "ISO 3166-2:AE", Region: "Asia", SubRegion: "Western Asia",
			RegionCode: "142", SubRegionCode: "145",
		}, ae)

		var rng catalog.ASNRange
		found, err = openCollection(t, cfg, "asnIPv4").Get(ctx, "asn-country:5.32.0.0-5.32.63.255", &rng)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "AE", rng.Country)
		assert.Equal(t, "United Arab Emirates", rng.CountryName)
		assert.Equal(t, "Asia", rng.Region)
		assert.Equal(t, []string{"5.32.0.0/18"}, rng.CIDRs)
	})

	t.Run("rerun is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		svc := newSQLiteService(t, cfg)

		first, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		second, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, first.Upserted(), second.Upserted())
		assert.Equal(t, int64(4), count(t, openCollection(t, cfg, "countries")))
		assert.Equal(t, int64(5), count(t, openCollection(t, cfg, "asnIPv4")))
		assert.Equal(t, int64(3), count(t, openCollection(t, cfg, "asnIPv6")))
	})

	t.Run("upsert replaces changed rows and inserts new keys", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		svc := newSQLiteService(t, cfg)

		_, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		testutil.WriteFile(t, dir, config.ISO3166File,
			"name,alpha-2,alpha-3\nEmirates,AE,ARE\nBelgium,BE,BEL\n")
		run, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)

		coll := openCollection(t, cfg, "countries")
		assert.Equal(t, int64(5), count(t, coll))
		var ae catalog.Country
		_, err = coll.Get(ctx, "AE", &ae)
		require.NoError(t, err)
		assert.Equal(t, "Emirates", ae.Name)
		assert.Empty(t, ae.Region)
	})

	t.Run("missing file fails only its step", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		require.NoError(t, os.Remove(filepath.Join(dir, config.ASNIPv6File)))
		cfg := testutil.Config(dir)

		run, err := newSQLiteService(t, cfg).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, run.Status)
		assert.Equal(t, 1, run.FailedSteps())
		assert.True(t, errors.Is(run.Syncs[4].Err, ErrSourceFile))
		assert.True(t, errors.Is(run.Syncs[4].Err, os.ErrNotExist))

		assert.Equal(t, int64(2), count(t, openCollection(t, cfg, "asnIPv6")))
		assert.Equal(t, int64(5), count(t, openCollection(t, cfg, "asnIPv4")))
	})

	t.Run("rerun converges after partial failure", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		full := testutil.Config(dir)

		reference, err := newSQLiteService(t, full).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, reference.Status)

		partialDir := t.TempDir()
		testutil.WriteDataset(t, partialDir)
		require.NoError(t, os.Remove(filepath.Join(partialDir, config.ASNIPv4File)))
		cfg := testutil.Config(partialDir)
		svc := newSQLiteService(t, cfg)

		run, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, run.Status)
		assert.Equal(t, int64(3), count(t, openCollection(t, cfg, "asnIPv4")))

		testutil.WriteFile(t, partialDir, config.ASNIPv4File, testutil.ASNIPv4CSV)
		run, err = svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)

		for _, name := range []string{"countries", "asnIPv4", "asnIPv6"} {
			assert.Equal(t, count(t, openCollection(t, full, name)), count(t, openCollection(t, cfg, name)), name)
		}
	})

	t.Run("rerun converges after interrupted upsert", func(t *testing.T) {
		refDir := t.TempDir()
		testutil.WriteDataset(t, refDir)
		ref := testutil.Config(refDir)
		reference, err := newSQLiteService(t, ref).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, reference.Status)

		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		require.Equal(t, 2, cfg.BatchSize)
		interrupted := func(ctx context.Context) (store.Store, error) {
			st, err := sqliteOpener(cfg)(ctx)
			if err != nil {
				return nil, err
			}
			return &cutoffStore{Store: st, collection: "countries", limit: 1}, nil
		}

		run, err := NewService(cfg, new(mockFetcher), interrupted, zerolog.Nop()).Run(ctx, Options{Sync: true})
		require.ErrorIs(t, err, errInterrupted)
		assert.Equal(t, StatusFailed, run.Status)
		require.Len(t, run.Syncs, 1)
		assert.Equal(t, 4, run.Syncs[0].RowsParsed)
		assert.Equal(t, 2, run.Syncs[0].RowsUpserted)

		countries := openCollection(t, cfg, "countries")
		assert.Equal(t, int64(2), count(t, countries))
		var c catalog.Country
		found, err := countries.Get(ctx, "AU", &c)
		require.NoError(t, err)
		assert.True(t, found)
		found, err = countries.Get(ctx, "JP", &c)
		require.NoError(t, err)
		assert.False(t, found)

		run, err = newSQLiteService(t, cfg).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)

		for name, keys := range datasetKeys {
			want, got := openCollection(t, ref, name), openCollection(t, cfg, name)
			assert.Equal(t, count(t, want), count(t, got), name)
			for _, key := range keys {
				var wantDoc, gotDoc map[string]any
				found, err := want.Get(ctx, key, &wantDoc)
				require.NoError(t, err)
				require.True(t, found, key)
				found, err = got.Get(ctx, key, &gotDoc)
				require.NoError(t, err)
				require.True(t, found, key)
				assert.Equal(t, wantDoc, gotDoc, key)
			}
		}
	})

	t.Run("malformed rows are skipped and counted", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		testutil.WriteFile(t, dir, config.ASNIPv4CountryFile,
			"1.0.0.0,1.0.0.255,AU\nnot-an-ip,1.0.1.255,CN\n1.0.2.0,1.0.2.255\n1.0.3.0,1.0.3.255,JP\n")
		cfg := testutil.Config(dir)

		run, err := newSQLiteService(t, cfg).Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, run.Status)

		rep := run.Syncs[1]
		assert.NoError(t, rep.Err)
		assert.Equal(t, 4, rep.RowsRead)
		assert.Equal(t, 2, rep.RowsParsed)
		assert.Equal(t, 2, rep.RowsUpserted)
		assert.Len(t, rep.RowErrors, 2)
		assert.Equal(t, 2, run.RowErrors())
	})

	t.Run("prune removes rows dropped from the source", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		cfg.PruneStale = true
		svc := newSQLiteService(t, cfg)

		_, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		testutil.WriteFile(t, dir, config.ASNIPv4CountryFile, "1.0.0.0,1.0.0.255,AU\n")
		run, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)
		assert.Equal(t, map[string]int64{"countries": 0, "asnIPv4": 2, "asnIPv6": 0}, run.Pruned)
		assert.Equal(t, int64(3), count(t, openCollection(t, cfg, "asnIPv4")))
	})

	t.Run("prune ignores superseded duplicates", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		cfg.PruneStale = true
		svc := newSQLiteService(t, cfg)

		_, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		testutil.WriteFile(t, dir, config.ASNIPv4CountryFile, "1.0.0.0,1.0.0.255,CN\n1.0.0.0,1.0.0.255,AU\n")
		run, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)
		assert.Equal(t, 1, run.RowErrors())
		assert.True(t, run.Syncs[1].Clean())
		assert.Equal(t, int64(2), run.Pruned["asnIPv4"])

		coll := openCollection(t, cfg, "asnIPv4")
		assert.Equal(t, int64(3), count(t, coll))
		var rng catalog.ASNRange
		_, err = coll.Get(ctx, "asn-country:1.0.0.0-1.0.0.255", &rng)
		require.NoError(t, err)
		assert.Equal(t, "AU", rng.Country)
	})

	t.Run("prune skips collections with failures", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)
		cfg.PruneStale = true
		svc := newSQLiteService(t, cfg)

		_, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		require.NoError(t, os.Remove(filepath.Join(dir, config.ASNIPv4File)))
		run, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		assert.NotContains(t, run.Pruned, "asnIPv4")
		assert.Equal(t, int64(5), count(t, openCollection(t, cfg, "asnIPv4")))
	})

	t.Run("records each run with its final status", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		require.NoError(t, os.Remove(filepath.Join(dir, config.ASNIPv6File)))
		cfg := testutil.Config(dir)
		svc := newSQLiteService(t, cfg)

		first, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)
		second, err := svc.Run(ctx, Options{Sync: true})
		require.NoError(t, err)

		runs := openCollection(t, cfg, "syncRuns")
		assert.Equal(t, int64(2), count(t, runs))

		var rec runRecord
		found, err := runs.Get(ctx, first.ID.String(), &rec)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first.ID.String(), rec.ID)
		assert.Equal(t, StatusPartial, rec.Status)
		assert.Equal(t, 1, rec.StepFailures)
		assert.Equal(t, first.Upserted(), rec.Upserted)
		require.NotNil(t, rec.FinishedAt)

		found, err = runs.Get(ctx, second.ID.String(), &rec)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("run record failure fails the run before syncing", func(t *testing.T) {
		cfg := testutil.Config(t.TempDir())
		runs := &mockCollection{name: "syncRuns"}
		runs.On("UpsertMany", ctx, mock.Anything, mock.Anything).Return(0, errors.New("not primary"))
		st := new(mockStore)
		st.On("Collection", ctx, "syncRuns").Return(runs, nil)
		st.On("Close", mock.Anything).Return(nil).Once()
		open := func(context.Context) (store.Store, error) { return st, nil }

		run, err := NewService(cfg, new(mockFetcher), open, zerolog.Nop()).Run(ctx, Options{Sync: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create run record")
		assert.Equal(t, StatusFailed, run.Status)
		assert.Empty(t, run.Syncs)
		st.AssertExpectations(t)
		st.AssertNotCalled(t, "Collection", mock.Anything, "countries")
	})

	t.Run("fetch only does not open the store", func(t *testing.T) {
		cfg := testutil.Config(t.TempDir())
		fetcher := new(mockFetcher)
		fetcher.On("FetchAll", ctx, acquire.Resources(cfg)).Return([]acquire.Outcome{
			{ResourceID: acquire.ASNIPv4, Status: acquire.StatusSuccess},
			{ResourceID: acquire.ISO3166Country, Status: acquire.StatusFailure, Err: acquire.ErrNoURL},
		})
		opened := false
		open := func(context.Context) (store.Store, error) {
			opened = true
			return nil, errors.New("unexpected")
		}

		run, err := NewService(cfg, fetcher, open, zerolog.Nop()).Run(ctx, Options{Fetch: true})
		require.NoError(t, err)
		assert.False(t, opened)
		assert.Equal(t, StatusPartial, run.Status)
		assert.Equal(t, 1, run.FailedFetches())
		fetcher.AssertExpectations(t)
	})

	t.Run("connect failure fails the run", func(t *testing.T) {
		cfg := testutil.Config(t.TempDir())
		open := func(context.Context) (store.Store, error) {
			return nil, store.ErrConnect
		}

		run, err := NewService(cfg, new(mockFetcher), open, zerolog.Nop()).Run(ctx, Options{Sync: true})
		assert.True(t, errors.Is(err, store.ErrConnect))
		assert.Equal(t, StatusFailed, run.Status)
		assert.NotEmpty(t, run.Error)
	})

	t.Run("upsert failure aborts the run and closes the store", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteDataset(t, dir)
		cfg := testutil.Config(dir)

		runs := &mockCollection{name: "syncRuns"}
		runs.On("UpsertMany", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)
		countries := &mockCollection{name: "countries"}
		countries.On("UpsertMany", ctx, mock.Anything, mock.Anything).Return(0, errors.New("write conflict"))
		st := new(mockStore)
		st.On("Collection", ctx, "syncRuns").Return(runs, nil)
		st.On("Collection", ctx, "countries").Return(countries, nil)
		st.On("Close", mock.Anything).Return(nil).Once()
		open := func(context.Context) (store.Store, error) { return st, nil }

		run, err := NewService(cfg, new(mockFetcher), open, zerolog.Nop()).Run(ctx, Options{Sync: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write conflict")
		assert.Equal(t, StatusFailed, run.Status)
		require.Len(t, run.Syncs, 1)
		assert.Error(t, run.Syncs[0].Err)

		st.AssertExpectations(t)
		st.AssertNotCalled(t, "Collection", mock.Anything, "asnIPv4")
		runs.AssertNumberOfCalls(t, "UpsertMany", 2)
		last := runs.Calls[1].Arguments.Get(2).([]store.Document)
		require.Len(t, last, 1)
		assert.Equal(t, StatusFailed, last[0].Body.(runRecord).Status)
	})
}

func TestSyncer_BatchesUpserts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, config.ISO3166File, testutil.CountriesCSV)

	coll := &mockCollection{name: "countries"}
	coll.On("UpsertMany", ctx, "run-1", mock.MatchedBy(func(docs []store.Document) bool {
		return len(docs) == 3
	})).Return(3, nil).Once()
	coll.On("UpsertMany", ctx, "run-1", mock.MatchedBy(func(docs []store.Document) bool {
		return len(docs) == 1
	})).Return(1, nil).Once()

	rep, err := NewSyncer("run-1", 3, zerolog.Nop()).SyncCountries(ctx, path, coll)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.RowsUpserted)
	assert.True(t, rep.Clean())
	coll.AssertNumberOfCalls(t, "UpsertMany", 2)
}

func TestSyncer_MissingColumnFailsStep(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteFile(t, t.TempDir(), config.ISO3166File, "name,code\nAustria,AT\n")
	coll := &mockCollection{name: "countries"}

	rep, err := NewSyncer("run-1", 10, zerolog.Nop()).SyncCountries(ctx, path, coll)
	require.NoError(t, err)
	assert.True(t, errors.Is(rep.Err, ErrSourceFile))
	assert.True(t, errors.Is(rep.Err, catalog.ErrMissingColumn))
	coll.AssertNotCalled(t, "UpsertMany", mock.Anything, mock.Anything, mock.Anything)
}
