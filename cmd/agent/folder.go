package main

import (
	"fmt"

	"github.com/openmined/foldersync/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newFolderCmd())
}

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage the local folders that are synced",
	}
	cmd.AddCommand(
		newFolderAddCmd(),
		newFolderListCmd(),
		newFolderRemoveCmd(),
		newFolderEnableCmd(true),
		newFolderEnableCmd(false),
		newFolderRenameCmd(),
		newFolderBindCmd(),
	)
	return cmd
}

// saveFolderChange loads the config, applies fn and saves it.
func saveFolderChange(cmd *cobra.Command, fn func(cfg *config.Config) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if err := fn(cfg); err != nil {
		return err
	}
	return cfg.Save()
}

func newFolderAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Add a local folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveFolderChange(cmd, func(cfg *config.Config) error {
				f, err := cfg.AddFolder(args[0], name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green.Render("added"), f.DisplayName, gray.Render(f.ID))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name (defaults to the directory name)")
	return cmd
}

func newFolderListCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			folders := cfg.AllFolders()
			return writeOutput(cmd.OutOrStdout(), output, folders, func() error {
				t := newTable("ID", "NAME", "ENABLED", "STATUS", "REMOTE", "PATH")
				for _, f := range folders {
					remoteName := "-"
					if f.Remote != nil {
						remoteName = f.Remote.Name
					}
					t.Row(f.ID, f.DisplayName, fmt.Sprint(f.Enabled), string(f.Status), remoteName, f.LocalPath)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format (text, json, yaml)")
	return cmd
}

func newFolderRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <folder>",
		Aliases: []string{"rm"},
		Short:   "Stop syncing a folder. Synced files stay in the remote store",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveFolderChange(cmd, func(cfg *config.Config) error {
				return cfg.RemoveFolder(args[0])
			})
		},
	}
}

func newFolderEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <folder>", "Resume syncing a folder"
	if !enable {
		use, short = "disable <folder>", "Pause syncing a folder"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveFolderChange(cmd, func(cfg *config.Config) error {
				return cfg.SetFolderEnabled(args[0], enable)
			})
		},
	}
}

func newFolderRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <folder> <name>",
		Short: "Change a folder's display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveFolderChange(cmd, func(cfg *config.Config) error {
				return cfg.RenameFolder(args[0], args[1])
			})
		},
	}
}

func newFolderBindCmd() *cobra.Command {
	var create, unbind bool

	cmd := &cobra.Command{
		Use:   "bind <folder> [remote-folder]",
		Short: "Upload a folder into a specific remote folder instead of the default one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if unbind {
				return saveFolderChange(cmd, func(cfg *config.Config) error {
					return cfg.BindRemoteFolder(args[0], "", "")
				})
			}
			if len(args) != 2 {
				return fmt.Errorf("remote folder name required")
			}

			return saveFolderChange(cmd, func(cfg *config.Config) error {
				if err := cfg.Validate(); err != nil {
					return err
				}
				store, _, _, err := newRemote(cmd.Context(), cfg)
				if err != nil {
					return err
				}

				name := args[1]
				folders, err := store.ListFolders(cmd.Context(), "")
				if err != nil {
					return err
				}
				remoteID := ""
				for _, f := range folders {
					if f.Name == name {
						remoteID = f.ID
						break
					}
				}
				if remoteID == "" {
					if !create {
						return fmt.Errorf("remote folder %q not found, use --create to create it", name)
					}
					if remoteID, err = store.CreateFolder(cmd.Context(), name, ""); err != nil {
						return err
					}
				}

				if err := cfg.BindRemoteFolder(args[0], remoteID, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", green.Render("bound"), args[0], name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "Create the remote folder when it does not exist")
	cmd.Flags().BoolVar(&unbind, "unbind", false, "Remove the binding and use the default remote folder")
	return cmd
}
