// Package cli wires configuration, logging, acquisition and synchronization
// into the asnsync command tree.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"asnsync/internal/acquire"
	"asnsync/internal/config"
	"asnsync/internal/ingest"
	"asnsync/internal/platform/logging"
	"asnsync/internal/store"
)

// version is set at build time with -ldflags "-X asnsync/internal/cli.version=...".
var version = "dev"

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "asnsync",
	Short: "Refresh ASN and country reference data",
	Long: `asnsync downloads the ASN-to-country, ASN and ISO-3166 country tables
and upserts them into a document store, keyed so that reruns are idempotent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print the run report as JSON")
}

// Execute runs the command line.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// newService loads configuration and builds the run service. validate is
// applied before any network or database activity.
func newService(cmd *cobra.Command, validate ...func(config.Config) error) (*ingest.Service, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	for _, v := range validate {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("configuration: %w", err)
		}
	}

	log := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	log.Debug().
		Str("destination", cfg.DestinationFolder).
		Str("store", config.RedactURI(cfg.StoreURI)).
		Str("database", cfg.DBName).
		Msg("configuration loaded")

	client := acquire.NewClient(cfg.UserAgent, cfg.FetchTimeout, cfg.FetchRPS)
	fetcher := acquire.NewFetcher(client, cfg.FetchConcurrency, log)
	return ingest.NewService(cfg, fetcher, storeOpener(cfg), log), nil
}

func storeOpener(cfg config.Config) ingest.OpenFunc {
	return func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, store.Options{
			URI:            cfg.StoreURI,
			Database:       cfg.DBName,
			ConnectTimeout: cfg.StoreConnectTimeout,
		})
	}
}

func execute(cmd *cobra.Command, svc *ingest.Service, opts ingest.Options) error {
	run, err := svc.Run(cmd.Context(), opts)
	if perr := printRun(cmd.OutOrStdout(), run); perr != nil && err == nil {
		err = perr
	}
	return err
}

func printRun(w io.Writer, run *ingest.Run) error {
	if jsonOutput {
		b, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	fmt.Fprintf(w, "run %s: %s\n", run.ID, run.Status)
	for _, o := range run.Fetches {
		if o.OK() {
			fmt.Fprintf(w, "  fetch %-18s ok      %d bytes\n", o.ResourceID, o.Bytes)
		} else {
			fmt.Fprintf(w, "  fetch %-18s failed  %s\n", o.ResourceID, o.Error)
		}
	}
	for _, s := range run.Syncs {
		if s.Err != nil {
			fmt.Fprintf(w, "  sync  %-18s failed  %s\n", s.Step, s.Error)
			continue
		}
		fmt.Fprintf(w, "  sync  %-18s ok      %d upserted into %s, %d row errors\n",
			s.Step, s.RowsUpserted, s.Collection, len(s.RowErrors))
	}
	for name, n := range run.Pruned {
		fmt.Fprintf(w, "  prune %-18s %d stale documents\n", name, n)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	return nil
}
