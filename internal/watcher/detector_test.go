package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/foldersync/internal/events"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countSignals drains signals until the window passes without a new one.
func countSignals(cd *ChangeDetector, window time.Duration) int {
	count := 0
	for {
		select {
		case <-cd.Signals():
			count++
		case <-time.After(window):
			return count
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	cd := New("/test/path")

	assert.Equal(t, "/test/path", cd.Dir())
	assert.Equal(t, DefaultQuietPeriod, cd.quietPeriod)
	assert.False(t, cd.Pending())

	cd = New("/test/path", WithQuietPeriod(0))
	assert.Equal(t, DefaultQuietPeriod, cd.quietPeriod)
}

func TestChangeDetector_BurstCoalesces(t *testing.T) {
	dir := t.TempDir()
	cd := New(dir, WithQuietPeriod(100*time.Millisecond))
	defer cd.Stop()

	path := filepath.Join(dir, "big.iso")
	for range 10 {
		cd.handleEvent(notify.Write, path)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, cd.Pending())

	assert.Equal(t, 1, countSignals(cd, 400*time.Millisecond))
	assert.False(t, cd.Pending())
}

func TestChangeDetector_SpacedEventsFireEach(t *testing.T) {
	dir := t.TempDir()
	cd := New(dir, WithQuietPeriod(30*time.Millisecond))
	defer cd.Stop()

	for i := range 3 {
		cd.handleEvent(notify.Create, filepath.Join(dir, "f"+string(rune('a'+i))))
		select {
		case <-cd.Signals():
		case <-time.After(time.Second):
			require.FailNow(t, "timeout waiting for signal")
		}
	}

	assert.Equal(t, 0, countSignals(cd, 100*time.Millisecond))
}

func TestChangeDetector_IgnoresHiddenAndMovedOut(t *testing.T) {
	dir := t.TempDir()
	cd := New(dir, WithQuietPeriod(20*time.Millisecond))
	defer cd.Stop()

	cd.handleEvent(notify.Write, filepath.Join(dir, ".DS_Store"))
	cd.handleEvent(notify.Rename, filepath.Join(dir, "moved-away.txt"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	cd.handleEvent(notify.Create, filepath.Join(dir, "sub"))

	assert.False(t, cd.Pending())
	assert.Equal(t, 0, countSignals(cd, 100*time.Millisecond))
}

func TestChangeDetector_MovedInQualifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moved-in.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	cd := New(dir, WithQuietPeriod(20*time.Millisecond))
	defer cd.Stop()

	cd.handleEvent(notify.Rename, path)
	assert.Equal(t, 1, countSignals(cd, 200*time.Millisecond))
}

func TestChangeDetector_StopCancelsPending(t *testing.T) {
	dir := t.TempDir()
	cd := New(dir, WithQuietPeriod(50*time.Millisecond))

	cd.handleEvent(notify.Write, filepath.Join(dir, "a.txt"))
	require.True(t, cd.Pending())

	cd.Stop()
	cd.Stop()
	assert.False(t, cd.Pending())

	time.Sleep(100 * time.Millisecond)
	_, ok := <-cd.Signals()
	assert.False(t, ok, "signals must be closed without a pending fire")

	// events after stop are ignored
	cd.handleEvent(notify.Write, filepath.Join(dir, "b.txt"))
	assert.False(t, cd.Pending())
}

func TestChangeDetector_StartMissingDir(t *testing.T) {
	cd := New(filepath.Join(t.TempDir(), "missing"))
	err := cd.Start(context.Background())
	assert.ErrorIs(t, err, ErrDirNotExist)
	cd.Stop()
}

func TestChangeDetector_FilesystemEvents(t *testing.T) {
	// tmpdir can be a symlink (macOS /var -> /private/var); notify reports resolved paths
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	b := events.NewBroadcaster(64)
	sub := b.Subscribe()

	cd := New(dir, WithQuietPeriod(100*time.Millisecond), WithBroadcaster(b))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cd.Start(ctx))
	defer cd.Stop()
	assert.ErrorIs(t, cd.Start(ctx), ErrAlreadyStarted)

	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	select {
	case <-cd.Signals():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for sync signal")
	}

	select {
	case ev := <-sub:
		assert.Equal(t, events.FileChanged, ev.Kind)
		assert.Equal(t, dir, ev.Folder)
		assert.Equal(t, path, ev.Path)
	default:
		assert.Fail(t, "expected a FileChanged event")
	}
}
