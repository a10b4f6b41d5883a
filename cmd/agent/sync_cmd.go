package main

import (
	"errors"
	"fmt"

	"github.com/cheggaaa/pb/v3"
	"github.com/openmined/foldersync/internal/agent"
	"github.com/openmined/foldersync/internal/engine"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "sync [folder...]",
		Short: "Run one sync pass over all enabled folders, or the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			store, identity, deviceID, err := newRemote(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			a := agent.New(cfg, store, identity, agent.WithDeviceID(deviceID))

			var bar *pb.ProgressBar
			progress := func(p engine.Progress) {
				if quiet {
					return
				}
				// one bar per folder pass
				if p.Uploaded == 1 {
					if bar != nil {
						bar.Finish()
					}
					bar = pb.New(p.Total).SetWriter(cmd.ErrOrStderr()).Start()
				}
				if bar != nil {
					bar.SetCurrent(int64(p.Uploaded))
				}
			}

			n, err := a.SyncOnce(cmd.Context(), progress, args...)
			if bar != nil {
				bar.Finish()
			}
			if errors.Is(err, agent.ErrAgentLocked) {
				// a running agent owns the ledger, ask it to do the work
				return triggerRunning(cmd, cfg, args)
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), red.Render("sync failed: "+err.Error()))
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), green.Render(fmt.Sprintf("%d file(s) synced", n)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress bar")
	return cmd
}
