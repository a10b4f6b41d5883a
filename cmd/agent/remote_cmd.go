package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/controlplane"
	"github.com/openmined/foldersync/internal/events"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newEventsCmd())
}

func newEventsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow sync events from the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			client, err := runningClient(cfg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			err = client.Events(cmd.Context(), func(msg *controlplane.EventMessage) error {
				if output == outputJSON {
					data, err := json.Marshal(msg)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(data))
					return err
				}
				printEvent(w, msg)
				return nil
			})
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format (text, json)")
	return cmd
}

// runningClient connects to the control plane of the agent holding cfg's data dir.
func runningClient(cfg *config.Config) (*controlplane.Client, error) {
	e, err := controlplane.ReadEndpoint(cfg.DataDir)
	if errors.Is(err, controlplane.ErrNoEndpoint) {
		return nil, fmt.Errorf("no running agent with a control plane for %s", cfg.DataDir)
	} else if err != nil {
		return nil, err
	}
	return controlplane.NewClient(e), nil
}

// triggerRunning queues a pass on the running agent for each ref, or for every
// enabled folder when refs is empty.
func triggerRunning(cmd *cobra.Command, cfg *config.Config, refs []string) error {
	client, err := runningClient(cfg)
	if err != nil {
		return err
	}

	if len(refs) == 0 {
		for _, f := range cfg.EnabledFolders() {
			refs = append(refs, f.ID)
		}
	}

	var errs []error
	for _, ref := range refs {
		res, err := client.Sync(cmd.Context(), ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan.Render("queued"), res.Folder.Name)
	}
	return errors.Join(errs...)
}

func printEvent(w io.Writer, msg *controlplane.EventMessage) {
	ts := gray.Render(msg.Time.Local().Format("15:04:05"))
	switch msg.Kind {
	case events.FileChanged:
		fmt.Fprintf(w, "%s %s %s\n", ts, cyan.Render("changed "), msg.Path)
	case events.SyncStarted:
		fmt.Fprintf(w, "%s %s %s\n", ts, cyan.Render("started "), msg.Folder)
	case events.SyncProgress:
		fmt.Fprintf(w, "%s %s %s %d/%d\n", ts, gray.Render("progress"), msg.Folder, msg.Uploaded, msg.Total)
	case events.SyncFinished:
		if msg.Error != "" {
			fmt.Fprintf(w, "%s %s %s %s\n", ts, red.Render("failed  "), msg.Folder, red.Render(msg.Error))
			return
		}
		fmt.Fprintf(w, "%s %s %s %s file(s)\n", ts, green.Render("finished"), msg.Folder, humanize.Comma(int64(msg.Uploaded)))
	default:
		fmt.Fprintf(w, "%s %s %s\n", ts, msg.Kind, msg.Folder)
	}
}
