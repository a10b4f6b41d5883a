package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/foldersync/internal/agent"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/controlplane"
	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/remote"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_NoRunningAgent(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	_, err := execute(t, configPath, []*cobra.Command{newEventsCmd()}, "events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running agent")
}

func TestSync_QueuesOnRunningAgent(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	dataDir := filepath.Join(filepath.Dir(configPath), "data")

	cfg := config.Default()
	cfg.Path = configPath
	cfg.DataDir = dataDir
	cfg.Bucket = "backups"
	cfg.SyncInterval = 0
	_, err := cfg.AddFolder(t.TempDir(), "docs")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	// signed out, so passes fail before the store is touched
	a := agent.New(cfg, nil, remote.NewTokenIdentity("", ""))
	cp := controlplane.New(&controlplane.Config{Addr: "127.0.0.1:0"}, a)
	require.NoError(t, cp.Listen())
	require.NoError(t, utils.EnsureDir(dataDir))
	require.NoError(t, controlplane.WriteEndpoint(dataDir, cp.Endpoint()))

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cp.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool { return len(a.Watching()) == 1 }, 5*time.Second, 20*time.Millisecond)

	out, err := execute(t, configPath, []*cobra.Command{newSyncCmd()}, "sync", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "queued docs")

	_, err = execute(t, configPath, []*cobra.Command{newSyncCmd()}, "sync", "nope")
	require.Error(t, err)
	var apiErr *controlplane.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestPrintEvent(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	tests := []struct {
		msg  controlplane.EventMessage
		want string
	}{
		{controlplane.EventMessage{Kind: events.FileChanged, Path: "/data/a.txt", Time: ts}, "changed  /data/a.txt"},
		{controlplane.EventMessage{Kind: events.SyncStarted, Folder: "/data", Time: ts}, "started  /data"},
		{controlplane.EventMessage{Kind: events.SyncProgress, Folder: "/data", Uploaded: 1, Total: 3, Time: ts}, "progress /data 1/3"},
		{controlplane.EventMessage{Kind: events.SyncFinished, Folder: "/data", Uploaded: 1200, Time: ts}, "finished /data 1,200 file(s)"},
		{controlplane.EventMessage{Kind: events.SyncFinished, Folder: "/data", Error: "boom", Time: ts}, "failed   /data boom"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		printEvent(&buf, &tt.msg)
		out := stripANSI(buf.String())
		assert.Contains(t, out, "12:00:00")
		assert.Contains(t, out, tt.want)
	}
}
