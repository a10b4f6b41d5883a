package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/foldersync/internal/agent"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/engine"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/spf13/cobra"
)

type folderReport struct {
	ID           string              `json:"id" yaml:"id"`
	Name         string              `json:"name" yaml:"name"`
	Path         string              `json:"path" yaml:"path"`
	Enabled      bool                `json:"enabled" yaml:"enabled"`
	Status       config.FolderStatus `json:"status" yaml:"status"`
	LastError    string              `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RemoteFolder string              `json:"remote_folder,omitempty" yaml:"remote_folder,omitempty"`
}

type statusReport struct {
	Running      bool           `json:"running" yaml:"running"`
	PID          int32          `json:"pid,omitempty" yaml:"pid,omitempty"`
	LastSync     *time.Time     `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	SyncedFiles  int            `json:"synced_files" yaml:"synced_files"`
	RemoteFolder string         `json:"remote_folder,omitempty" yaml:"remote_folder,omitempty"`
	DeviceID     string         `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Folders      []folderReport `json:"folders" yaml:"folders"`
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent, ledger and folder status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			report, err := buildStatus(cfg)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, report, func() error {
				return printStatus(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format (text, json, yaml)")
	return cmd
}

func buildStatus(cfg *config.Config) (*statusReport, error) {
	report := &statusReport{Folders: []folderReport{}}
	report.PID, report.Running = agent.RunningPID(cfg.DataDir)

	for _, f := range cfg.AllFolders() {
		fr := folderReport{
			ID:        f.ID,
			Name:      f.DisplayName,
			Path:      f.LocalPath,
			Enabled:   f.Enabled,
			Status:    f.Status,
			LastError: f.LastError,
		}
		if f.Remote != nil {
			fr.RemoteFolder = f.Remote.Name
		}
		report.Folders = append(report.Folders, fr)
	}

	if !utils.FileExists(cfg.LedgerFile()) {
		return report, nil
	}

	l := ledger.New(cfg.LedgerFile())
	if err := l.Open(); err != nil {
		return nil, err
	}
	defer l.Close()

	var err error
	if report.SyncedFiles, err = l.Count(); err != nil {
		return nil, err
	}
	last, err := engine.LastSyncTime(l)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		report.LastSync = &last
	}
	if report.RemoteFolder, _, err = l.GetMetadata(ledger.KeyRemoteFolderName); err != nil {
		return nil, err
	}
	if report.DeviceID, _, err = l.GetMetadata(ledger.KeyDeviceID); err != nil {
		return nil, err
	}
	return report, nil
}

func printStatus(w io.Writer, r *statusReport) error {
	if r.Running {
		fmt.Fprintf(w, "Agent:        %s %s\n", green.Render("running"), gray.Render(fmt.Sprintf("(pid %d)", r.PID)))
	} else {
		fmt.Fprintf(w, "Agent:        %s\n", red.Render("stopped"))
	}

	lastSync := "never"
	if r.LastSync != nil {
		lastSync = humanize.Time(*r.LastSync)
	}
	fmt.Fprintf(w, "Last sync:    %s\n", lastSync)
	fmt.Fprintf(w, "Synced files: %s\n", humanize.Comma(int64(r.SyncedFiles)))
	if r.RemoteFolder != "" {
		fmt.Fprintf(w, "Remote:       %s\n", r.RemoteFolder)
	}

	if len(r.Folders) == 0 {
		fmt.Fprintln(w, gray.Render("No folders configured. Add one with `foldersync folder add <path>`."))
		return nil
	}

	fmt.Fprintln(w)
	for _, f := range r.Folders {
		state := string(f.Status)
		switch {
		case !f.Enabled:
			state = gray.Render("disabled")
		case f.Status == config.StatusError:
			state = red.Render(state)
		case f.Status == config.StatusSyncing || f.Status == config.StatusPending:
			state = cyan.Render(state)
		}
		fmt.Fprintf(w, "%-20s %-10s %s\n", f.Name, state, gray.Render(f.Path))
		if f.LastError != "" {
			fmt.Fprintf(w, "  %s\n", red.Render(f.LastError))
		}
	}
	return nil
}
