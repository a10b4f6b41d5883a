package main

import (
	"fmt"

	"github.com/openmined/foldersync/internal/agent"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCacheCmd())
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local sync ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every synced file so the next pass checks all files again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if err := agent.New(cfg, nil, nil).ClearCache(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render("cache cleared"))
			return nil
		},
	})
	return cmd
}
