package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/remote"
	"github.com/openmined/foldersync/internal/version"
	"gopkg.in/yaml.v3"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// newRemote builds the store for the configured backend and the identity
// for the configured access token.
func newRemote(ctx context.Context, cfg *config.Config) (remote.Store, remote.Identity, string, error) {
	deviceID := machineID()

	var store remote.Store
	var err error
	switch cfg.Backend {
	case config.BackendMinio:
		store, err = remote.NewMinioStore(&remote.MinioConfig{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			DeviceID:  deviceID,
		})
	default:
		store, err = remote.NewS3Store(ctx, &remote.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			DeviceID:  deviceID,
		})
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("remote %s: %w", cfg.Backend, err)
	}

	return store, remote.NewTokenIdentity(cfg.AccessToken, cfg.TokenKey), deviceID, nil
}

// machineID is an app scoped hash of the host's machine id.
func machineID() string {
	id, err := machineid.ProtectedID(version.AppName)
	if err != nil {
		slog.Debug("machine id unavailable", "error", err)
		return ""
	}
	return id
}

// newTable is a borderless table with a dimmed header row.
func newTable(headers ...string) *table.Table {
	cell := lipgloss.NewStyle().PaddingRight(2)
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cell.Inherit(gray)
			}
			return cell
		})
}

// writeOutput encodes v as json or yaml, or calls text for human output.
func writeOutput(w io.Writer, format string, v any, text func() error) error {
	switch format {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputText, "":
		return text()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
