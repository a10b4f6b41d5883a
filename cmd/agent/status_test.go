package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func seedLedger(t *testing.T, dataDir string, files ...string) {
	t.Helper()
	l := ledger.New(filepath.Join(dataDir, "ledger.db"))
	require.NoError(t, l.Open())
	defer l.Close()

	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
		require.NoError(t, l.MarkSynced(path, "FolderSync/", "FolderSync/"+name))
	}
	require.NoError(t, l.SetMetadata(ledger.KeyLastSyncTime, "2024-03-01T12:30:45.123Z"))
	require.NoError(t, l.SetMetadata(ledger.KeyRemoteFolderName, "FolderSync"))
}

func TestStatus_EmptyInstall(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	out, err := execute(t, configPath, []*cobra.Command{newStatusCmd()}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "No folders configured")
}

func TestStatus_JSONAndYAML(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.json")
	seedLedger(t, filepath.Join(tmp, "data"), "a.txt", "b.txt")

	cfg := config.Default()
	cfg.Path = configPath
	_, err := cfg.AddFolder(t.TempDir(), "Docs")
	require.NoError(t, err)
	require.NoError(t, cfg.Save())

	out, err := execute(t, configPath, []*cobra.Command{newStatusCmd()}, "status", "-o", "json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Running)
	assert.Equal(t, 2, report.SyncedFiles)
	assert.Equal(t, "FolderSync", report.RemoteFolder)
	require.NotNil(t, report.LastSync)
	assert.Equal(t, 2024, report.LastSync.Year())
	require.Len(t, report.Folders, 1)
	assert.Equal(t, "Docs", report.Folders[0].Name)

	out, err = execute(t, configPath, []*cobra.Command{newStatusCmd()}, "status", "-o", "yaml")
	require.NoError(t, err)
	var asYAML map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &asYAML))
	assert.Equal(t, 2, asYAML["synced_files"])

	_, err = execute(t, configPath, []*cobra.Command{newStatusCmd()}, "status", "-o", "xml")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.json")

	out, err := execute(t, configPath, []*cobra.Command{newHistoryCmd()}, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing synced yet")

	seedLedger(t, filepath.Join(tmp, "data"), "a.txt", "b.txt", "c.txt")

	out, err = execute(t, configPath, []*cobra.Command{newHistoryCmd()}, "history", "-o", "json", "--limit", "2")
	require.NoError(t, err)
	var entries []historyEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)

	out, err = execute(t, configPath, []*cobra.Command{newHistoryCmd()}, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "SYNCED")
	assert.Contains(t, out, "FolderSync/a.txt")
}

func TestCacheClear(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.json")
	dataDir := filepath.Join(tmp, "data")
	seedLedger(t, dataDir, "a.txt")

	out, err := execute(t, configPath, []*cobra.Command{newCacheCmd()}, "cache", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cache cleared")

	l := ledger.New(filepath.Join(dataDir, "ledger.db"))
	require.NoError(t, l.Open())
	defer l.Close()
	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}
