package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"asnsync/internal/acquire"
	"asnsync/internal/catalog"
	"asnsync/internal/config"
	"asnsync/internal/store"
)

type Fetcher interface {
	FetchAll(ctx context.Context, resources []acquire.Resource) []acquire.Outcome
}

// OpenFunc connects to the document store for one run.
type OpenFunc func(ctx context.Context) (store.Store, error)

// Options selects the phases of a run.
type Options struct {
	Fetch bool
	Sync  bool
}

type Service struct {
	cfg     config.Config
	fetcher Fetcher
	open    OpenFunc
	log     zerolog.Logger
}

func NewService(cfg config.Config, fetcher Fetcher, open OpenFunc, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, fetcher: fetcher, open: open, log: log}
}

type step struct {
	collection string
	path       string
	table      catalog.Table // empty for the country table
	ipVersion  int
}

func (s *Service) steps() []step {
	return []step{
		{collection: s.cfg.CountryCollection, path: s.cfg.Path(config.ISO3166File)},
		{collection: s.cfg.IPv4Collection, path: s.cfg.Path(config.ASNIPv4CountryFile), table: catalog.TableASNCountry, ipVersion: 4},
		{collection: s.cfg.IPv4Collection, path: s.cfg.Path(config.ASNIPv4File), table: catalog.TableASN, ipVersion: 4},
		{collection: s.cfg.IPv6Collection, path: s.cfg.Path(config.ASNIPv6CountryFile), table: catalog.TableASNCountry, ipVersion: 6},
		{collection: s.cfg.IPv6Collection, path: s.cfg.Path(config.ASNIPv6File), table: catalog.TableASN, ipVersion: 6},
	}
}

// Run downloads the datasets and/or applies them to the store. The returned
// Run is always non-nil and finalised; err is set only for failures that
// stopped the run (store connect, upsert or prune). Runs that open the store
// are also recorded in the run collection, keyed by run ID.
func (s *Service) Run(ctx context.Context, opts Options) (run *Run, err error) {
	run = newRun()
	log := s.log.With().Str("run_id", run.ID.String()).Logger()
	log.Info().Bool("fetch", opts.Fetch).Bool("sync", opts.Sync).Msg("run started")

	defer func() {
		run.finish(err)
		level := zerolog.InfoLevel
		if run.Status != StatusCompleted {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).
			Err(err).
			Str("status", string(run.Status)).
			Int("fetch_failures", run.FailedFetches()).
			Int("step_failures", run.FailedSteps()).
			Int("row_errors", run.RowErrors()).
			Int("upserted", run.Upserted()).
			Dur("took", run.FinishedAt.Sub(run.StartedAt)).
			Msg("run finished")
	}()

	if opts.Fetch {
		run.Fetches = s.fetcher.FetchAll(ctx, acquire.Resources(s.cfg))
	}
	if !opts.Sync {
		return run, nil
	}

	st, err := s.open(ctx)
	if err != nil {
		return run, err
	}
	defer func() {
		if cerr := st.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn().Err(cerr).Msg("closing store")
		}
	}()

	var runs store.Collection
	if runs, err = st.Collection(ctx, s.cfg.RunCollection); err != nil {
		return run, err
	}
	if err = saveRun(ctx, runs, run); err != nil {
		return run, fmt.Errorf("create run record: %w", err)
	}
	defer func() {
		run.finish(err)
		if uerr := saveRun(context.WithoutCancel(ctx), runs, run); uerr != nil {
			log.Warn().Err(uerr).Msg("updating run record")
		}
	}()

	return run, s.sync(ctx, st, run, log)
}

func saveRun(ctx context.Context, runs store.Collection, run *Run) error {
	rec := run.record()
	_, err := runs.UpsertMany(ctx, rec.ID, []store.Document{{Key: rec.ID, Body: rec}})
	return err
}

func (s *Service) sync(ctx context.Context, st store.Store, run *Run, log zerolog.Logger) error {
	syncer := NewSyncer(run.ID.String(), s.cfg.BatchSize, log)

	colls := make(map[string]store.Collection)
	clean := make(map[string]bool)
	var order []string

	for _, stp := range s.steps() {
		coll, ok := colls[stp.collection]
		if !ok {
			var err error
			coll, err = st.Collection(ctx, stp.collection)
			if err != nil {
				return err
			}
			colls[stp.collection] = coll
			clean[stp.collection] = true
			order = append(order, stp.collection)
		}

		var (
			rep SyncReport
			err error
		)
		if stp.table == "" {
			rep, err = syncer.SyncCountries(ctx, stp.path, coll)
		} else {
			rep, err = syncer.SyncASN(ctx, stp.table, stp.ipVersion, stp.path, coll)
		}
		run.Syncs = append(run.Syncs, rep)
		if err != nil {
			return err
		}
		clean[stp.collection] = clean[stp.collection] && rep.Clean()
	}

	if s.cfg.PruneStale {
		if err := s.prune(ctx, run, colls, clean, order, log); err != nil {
			return err
		}
	}

	for _, name := range order {
		n, err := colls[name].Count(ctx)
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("counting documents")
			continue
		}
		log.Info().Str("collection", name).Int64("documents", n).Msg("collection synced")
	}
	return nil
}

// prune deletes documents left over from earlier runs, but only in
// collections every step of this run synced cleanly.
func (s *Service) prune(
	ctx context.Context,
	run *Run,
	colls map[string]store.Collection,
	clean map[string]bool,
	order []string,
	log zerolog.Logger,
) error {
	for _, name := range order {
		if !clean[name] {
			log.Warn().Str("collection", name).Msg("skipping prune, collection not fully synced")
			continue
		}
		n, err := colls[name].Prune(ctx, run.ID.String())
		if err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
		if run.Pruned == nil {
			run.Pruned = make(map[string]int64)
		}
		run.Pruned[name] = n
		log.Info().Str("collection", name).Int64("deleted", n).Msg("pruned stale documents")
	}
	return nil
}
