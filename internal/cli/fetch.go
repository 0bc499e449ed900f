package cli

import (
	"github.com/spf13/cobra"

	"asnsync/internal/config"
	"asnsync/internal/ingest"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the reference datasets",
	Long: `Downloads the five reference tables into DESTINATION_FOLDER.
Each file is fetched independently; a failed download is reported and the
previous copy of that file is left untouched.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, _ []string) error {
	svc, err := newService(cmd, config.Config.ValidateFetch)
	if err != nil {
		return err
	}
	return execute(cmd, svc, ingest.Options{Fetch: true})
}
