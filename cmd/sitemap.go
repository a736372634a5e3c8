package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noticegrid/ingestor/internal/sitemap"
)

func newSitemapCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sitemap",
		Short: "Validate the site map file",
		Long: `Loads the site map, checks its structure, selector profiles and board ID
uniqueness, and prints a summary. Use this before deploying an edited map.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path := file
			if path == "" {
				path = a.Config().SiteMap.Path
			}
			sm, err := sitemap.Load(path)
			if err != nil {
				return err
			}
			boards := sm.Boards()
			fmt.Fprintf(cmd.OutOrStdout(), "site map %s: %d campuses, %d boards\n",
				path, len(sm.Campuses), len(boards))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "site map file to validate (defaults to the configured path)")
	return cmd
}
