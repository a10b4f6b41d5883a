package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/spf13/cobra"
)

type historyEntry struct {
	Path         string    `json:"path" yaml:"path"`
	RemoteID     string    `json:"remote_id" yaml:"remote_id"`
	TargetFolder string    `json:"target_folder" yaml:"target_folder"`
	Size         uint64    `json:"size" yaml:"size"`
	ContentHash  string    `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	SyncedAt     time.Time `json:"synced_at" yaml:"synced_at"`
	ModifiedAt   time.Time `json:"modified_at" yaml:"modified_at"`
}

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	var limit, offset int
	var output string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List synced files, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			entries := []historyEntry{}
			if utils.FileExists(cfg.LedgerFile()) {
				l := ledger.New(cfg.LedgerFile())
				if err := l.Open(); err != nil {
					return err
				}
				defer l.Close()

				records, err := l.History(limit, offset)
				if err != nil {
					return err
				}
				for _, rec := range records {
					entries = append(entries, historyEntry{
						Path:         rec.LocalPath,
						RemoteID:     rec.RemoteID,
						TargetFolder: rec.TargetFolder,
						Size:         rec.FileSizeBytes,
						ContentHash:  rec.ContentHash,
						SyncedAt:     rec.SyncedAt,
						ModifiedAt:   rec.LastModifiedAt,
					})
				}
			}

			return writeOutput(cmd.OutOrStdout(), output, entries, func() error {
				return printHistory(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of records to skip")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format (text, json, yaml)")
	return cmd
}

func printHistory(w io.Writer, entries []historyEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, gray.Render("Nothing synced yet."))
		return err
	}

	t := newTable("SYNCED", "SIZE", "FILE", "REMOTE")
	for _, e := range entries {
		t.Row(humanize.Time(e.SyncedAt), humanize.Bytes(e.Size), e.Path, e.RemoteID)
	}

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
