package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/foldersync/internal/agent"
	"github.com/openmined/foldersync/internal/controlplane"
	"github.com/openmined/foldersync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			slog.Info("foldersync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("agent using config", "path", cfg.Path, "backend", cfg.Backend, "bucket", cfg.Bucket)

			ctx := cmd.Context()
			store, identity, deviceID, err := newRemote(ctx, cfg)
			if err != nil {
				return err
			}
			a := agent.New(cfg, store, identity, agent.WithDeviceID(deviceID))

			// SIGHUP re-reads the config and restarts watchers for changed folders
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						reloadAgent(cmd, a)
					}
				}
			}()

			eg, egCtx := errgroup.WithContext(ctx)
			if cfg.ControlAddr != "" {
				cp := controlplane.New(&controlplane.Config{
					Addr:      cfg.ControlAddr,
					AuthToken: cfg.ControlToken,
				}, a)
				if err := cp.Listen(); err != nil {
					return err
				}
				if err := controlplane.WriteEndpoint(cfg.DataDir, cp.Endpoint()); err != nil {
					slog.Warn("control plane endpoint", "error", err)
				}
				defer controlplane.RemoveEndpoint(cfg.DataDir)

				eg.Go(func() error {
					return cp.Start(egCtx)
				})
			}

			eg.Go(func() error {
				return a.Run(egCtx)
			})

			defer slog.Info("Bye!")
			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("agent run", "error", err)
				return err
			}
			return nil
		},
	}
}

func reloadAgent(cmd *cobra.Command, a *agent.Agent) {
	cfg, err := loadConfig(cmd)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("reload config", "error", err)
		return
	}
	if err := a.Reload(cfg); err != nil {
		slog.Error("reload agent", "error", err)
	}
}
