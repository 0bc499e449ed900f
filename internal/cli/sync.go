package cli

import (
	"github.com/spf13/cobra"

	"asnsync/internal/config"
	"asnsync/internal/ingest"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the downloaded datasets into the store",
	Long: `Parses the files in DESTINATION_FOLDER and upserts countries and ASN
ranges into the configured collections. A missing or unreadable file fails
only its own step.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	svc, err := newService(cmd, config.Config.ValidateSync)
	if err != nil {
		return err
	}
	return execute(cmd, svc, ingest.Options{Sync: true})
}
