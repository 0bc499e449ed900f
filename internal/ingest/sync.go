package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"asnsync/internal/catalog"
	"asnsync/internal/platform/tabular"
	"asnsync/internal/store"
)

// ErrSourceFile marks a step that could not read or interpret its input file.
var ErrSourceFile = errors.New("source file unusable")

// Syncer applies parsed tables to collections. Every document it writes is
// stamped with runID.
type Syncer struct {
	runID     string
	batchSize int
	countries catalog.CountryIndex
	log       zerolog.Logger
}

func NewSyncer(runID string, batchSize int, log zerolog.Logger) *Syncer {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Syncer{runID: runID, batchSize: batchSize, log: log}
}

// SyncCountries upserts the ISO-3166 table at path into coll, keyed by
// alpha-2. Later ASN-country steps are enriched with the parsed countries.
//
// A file that cannot be read or parsed is reported in SyncReport.Err and the
// returned error stays nil; only a store failure is returned as an error.
func (s *Syncer) SyncCountries(ctx context.Context, path string, coll store.Collection) (SyncReport, error) {
	rep := SyncReport{Step: "countries", Collection: coll.Name(), Path: path}

	tbl, ok := s.read(&rep)
	if !ok {
		return rep, nil
	}
	countries, rowErrs, err := catalog.ParseCountries(tbl)
	rep.RowErrors = rowErrs
	if err != nil {
		rep.fail(fmt.Errorf("%w: %s: %w", ErrSourceFile, path, err))
		s.logStep(rep)
		return rep, nil
	}
	rep.RowsParsed = len(countries)
	s.countries = catalog.NewCountryIndex(countries)

	docs := lo.Map(countries, func(c catalog.Country, _ int) store.Document {
		return store.Document{Key: c.Key(), Body: c}
	})
	if err := s.apply(ctx, &rep, coll, docs); err != nil {
		return rep, err
	}
	s.logStep(rep)
	return rep, nil
}

// SyncASN upserts an ASN or ASN-country table of one IP version into coll,
// keyed by table and range. Error semantics match SyncCountries.
func (s *Syncer) SyncASN(ctx context.Context, table catalog.Table, ipVersion int, path string, coll store.Collection) (SyncReport, error) {
	rep := SyncReport{
		Step:       fmt.Sprintf("ipv%d-%s", ipVersion, table),
		Collection: coll.Name(),
		Path:       path,
	}

	tbl, ok := s.read(&rep)
	if !ok {
		return rep, nil
	}
	ranges, rowErrs, err := catalog.ParseASN(tbl, table, ipVersion)
	rep.RowErrors = rowErrs
	if err != nil {
		rep.fail(fmt.Errorf("%w: %s: %w", ErrSourceFile, path, err))
		s.logStep(rep)
		return rep, nil
	}
	rep.RowsParsed = len(ranges)
	if table == catalog.TableASNCountry {
		s.countries.Enrich(ranges)
	}

	docs := lo.Map(ranges, func(r catalog.ASNRange, _ int) store.Document {
		return store.Document{Key: r.Key(), Body: r}
	})
	if err := s.apply(ctx, &rep, coll, docs); err != nil {
		return rep, err
	}
	s.logStep(rep)
	return rep, nil
}

func (s *Syncer) read(rep *SyncReport) (*tabular.Table, bool) {
	tbl, err := tabular.ReadFile(rep.Path)
	if err != nil {
		rep.fail(fmt.Errorf("%w: %w", ErrSourceFile, err))
		s.logStep(*rep)
		return nil, false
	}
	rep.RowsRead = len(tbl.Records) + len(tbl.Errors)
	return tbl, true
}

func (s *Syncer) apply(ctx context.Context, rep *SyncReport, coll store.Collection, docs []store.Document) error {
	for _, batch := range lo.Chunk(docs, s.batchSize) {
		n, err := coll.UpsertMany(ctx, s.runID, batch)
		rep.RowsUpserted += n
		if err != nil {
			rep.fail(err)
			return fmt.Errorf("%s: upsert into %s: %w", rep.Step, coll.Name(), err)
		}
	}
	return nil
}

func (s *Syncer) logStep(rep SyncReport) {
	level := zerolog.InfoLevel
	switch {
	case rep.Err != nil:
		level = zerolog.ErrorLevel
	case rep.Rejected() > 0:
		level = zerolog.WarnLevel
		for _, re := range rep.RowErrors[:min(10, len(rep.RowErrors))] {
			s.log.Debug().Str("step", rep.Step).Str("row", re.String()).Msg("row skipped")
		}
	}
	s.log.WithLevel(level).
		Err(rep.Err).
		Str("step", rep.Step).
		Str("collection", rep.Collection).
		Str("path", rep.Path).
		Int("rows", rep.RowsRead).
		Int("parsed", rep.RowsParsed).
		Int("upserted", rep.RowsUpserted).
		Int("row_errors", len(rep.RowErrors)).
		Msg("sync step finished")
}
