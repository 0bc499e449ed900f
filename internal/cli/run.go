package cli

import (
	"github.com/spf13/cobra"

	"asnsync/internal/config"
	"asnsync/internal/ingest"
)

var fetchFirst bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch (when enabled) and then sync",
	Long: `Runs the refresh job. Downloading is skipped unless FETCH_ENABLED=true
or --fetch is given, in which case all downloads finish before the sync
starts.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&fetchFirst, "fetch", false, "download the datasets before syncing")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	var fetch bool
	svc, err := newService(cmd, config.Config.ValidateSync, func(cfg config.Config) error {
		fetch = fetchFirst || cfg.FetchEnabled
		if fetch {
			return cfg.ValidateFetch()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return execute(cmd, svc, ingest.Options{Fetch: fetch, Sync: true})
}
