package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run a single ingestion batch and exit",
		Long: `Starts one batch over the configured site map, waits for the boards to
drain, finalizes, and prints the published snapshot version. Intended for
cron-style operation and manual backfills.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			version, err := a.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("run batch: %w", err)
			}
			a.Logger().Info("batch published", zap.String("version", version))
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
