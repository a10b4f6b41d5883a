// Package agent is the long running daemon: it owns the ledger and the sync
// engine, runs a periodic pass over every enabled folder and one change
// detector per folder that triggers a pass after local edits settle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/engine"
	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/remote"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/openmined/foldersync/internal/watcher"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

const (
	lockFile = "foldersync.lock"
	pidFile  = "foldersync.pid"
)

var (
	ErrAgentLocked    = errors.New("data dir locked by another foldersync process")
	ErrNotRunning     = errors.New("agent not running")
	ErrFolderDisabled = errors.New("folder disabled")
)

type Option func(*Agent)

// WithDeviceID is recorded in the ledger metadata when the agent starts.
func WithDeviceID(id string) Option {
	return func(a *Agent) {
		a.deviceID = id
	}
}

type Agent struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	engine      *engine.Engine
	broadcaster *events.Broadcaster
	flock       *flock.Flock
	deviceID    string

	mu        sync.Mutex
	detectors map[string]*watcher.ChangeDetector // by folder id
	eg        *errgroup.Group
	egCtx     context.Context
}

func New(cfg *config.Config, store remote.Store, identity remote.Identity, opts ...Option) *Agent {
	broadcaster := events.NewBroadcaster(events.DefaultBufferSize)
	l := ledger.New(cfg.LedgerFile(), ledger.WithExclude(cfg.Exclude...))

	a := &Agent{
		cfg:         cfg,
		ledger:      l,
		broadcaster: broadcaster,
		flock:       flock.New(filepath.Join(cfg.DataDir, lockFile)),
		detectors:   make(map[string]*watcher.ChangeDetector),
		engine: engine.New(l, store, identity,
			engine.WithBroadcaster(broadcaster),
			engine.WithDefaultFolderName(cfg.DefaultRemoteFolder),
		),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

func (a *Agent) Ledger() *ledger.Ledger {
	return a.ledger
}

func (a *Agent) Events() *events.Broadcaster {
	return a.broadcaster
}

// Run holds the data dir lock and keeps folders in sync until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.open(); err != nil {
		return err
	}
	defer a.close()

	slog.Info("agent start", "dataDir", a.cfg.DataDir, "folders", len(a.cfg.EnabledFolders()))

	eg, egCtx := errgroup.WithContext(ctx)
	a.mu.Lock()
	a.eg, a.egCtx = eg, egCtx
	a.mu.Unlock()

	sub := a.broadcaster.Subscribe()
	eg.Go(func() error {
		a.monitorEvents(egCtx, sub)
		return nil
	})

	eg.Go(func() error {
		a.runTimer(egCtx)
		return nil
	})

	if err := a.Reload(a.cfg); err != nil {
		slog.Error("agent reload", "error", err)
	}

	err := eg.Wait()

	a.mu.Lock()
	a.eg, a.egCtx = nil, nil
	a.mu.Unlock()
	a.stopDetectors()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent failure", "error", err)
		return err
	}
	slog.Info("agent stopped")
	return nil
}

// SyncOnce runs a single pass over the folders matching refs, or every enabled
// folder when refs is empty. It takes the same lock as Run.
func (a *Agent) SyncOnce(ctx context.Context, progress func(engine.Progress), refs ...string) (int, error) {
	if err := a.open(); err != nil {
		return engine.SyncFailed, err
	}
	defer a.close()

	folders, err := a.selectFolders(refs)
	if err != nil {
		return engine.SyncFailed, err
	}

	total := 0
	var errs []error
	for _, f := range folders {
		n, err := a.syncFolder(ctx, f, progress)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.DisplayName, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// ClearCache drops every ledger record and all sync metadata, so the next
// pass uploads everything again. It fails while another agent holds the data dir.
func (a *Agent) ClearCache() error {
	if err := a.open(); err != nil {
		return err
	}
	defer a.close()

	if err := a.ledger.Clear(); err != nil {
		return err
	}
	slog.Info("agent cache cleared", "ledger", a.cfg.LedgerFile())
	return nil
}

// Reload swaps in cfg and starts or stops detectors so there is exactly one
// per enabled folder. Without a running agent only the config is swapped.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg = cfg
	if a.eg == nil || a.egCtx.Err() != nil {
		return ErrNotRunning
	}

	enabled := make(map[string]config.FolderConfig)
	for _, f := range cfg.EnabledFolders() {
		enabled[f.ID] = f
	}

	want := mapset.NewThreadUnsafeSet[string]()
	for id := range enabled {
		want.Add(id)
	}
	have := mapset.NewThreadUnsafeSet[string]()
	for id := range a.detectors {
		have.Add(id)
	}

	for id := range have.Difference(want).Iter() {
		a.detectors[id].Stop()
		delete(a.detectors, id)
	}

	var errs []error
	for id := range want.Difference(have).Iter() {
		if err := a.startDetector(enabled[id]); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("agent reload", "watching", len(a.detectors), "added", want.Difference(have).Cardinality(), "removed", have.Difference(want).Cardinality())
	return errors.Join(errs...)
}

// Trigger queues a pass for the folder matching ref on the running agent and
// returns without waiting for it.
func (a *Agent) Trigger(ref string) (config.FolderConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.eg == nil || a.egCtx.Err() != nil {
		return config.FolderConfig{}, ErrNotRunning
	}

	f, ok := a.cfg.Lookup(ref)
	if !ok {
		return config.FolderConfig{}, fmt.Errorf("%w: %s", config.ErrFolderNotFound, ref)
	}
	if !f.Enabled {
		return f, fmt.Errorf("%w: %s", ErrFolderDisabled, f.DisplayName)
	}

	ctx := a.egCtx
	a.eg.Go(func() error {
		if _, err := a.syncFolder(ctx, f, nil); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("agent trigger sync", "folder", f.DisplayName, "error", err)
		}
		return nil
	})
	return f, nil
}

// Config returns the config the agent is currently running with.
func (a *Agent) Config() *config.Config {
	return a.config()
}

// Watching returns the ids of folders with a running detector.
func (a *Agent) Watching() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return mapset.NewSetFromMapKeys(a.detectors).ToSlice()
}

func (a *Agent) open() error {
	if err := utils.EnsureDir(a.cfg.DataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	locked, err := a.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return ErrAgentLocked
	}

	if err := a.ledger.Open(); err != nil {
		a.unlock()
		return err
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(filepath.Join(a.cfg.DataDir, pidFile), []byte(pid), 0o644); err != nil {
		slog.Warn("agent pid file", "error", err)
	}

	if a.deviceID != "" {
		if err := a.ledger.SetMetadata(ledger.KeyDeviceID, a.deviceID); err != nil {
			slog.Warn("agent device id", "error", err)
		}
	}
	return nil
}

func (a *Agent) close() {
	if err := a.ledger.Close(); err != nil {
		slog.Warn("agent close ledger", "error", err)
	}
	os.Remove(filepath.Join(a.cfg.DataDir, pidFile))
	a.unlock()
}

// RunningPID returns the pid of a live agent holding dataDir, if any.
func RunningPID(dataDir string) (int32, bool) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return 0, false
	}
	return int32(pid), true
}

func (a *Agent) unlock() {
	if !a.flock.Locked() {
		return
	}
	if err := a.flock.Unlock(); err != nil {
		slog.Warn("agent unlock", "error", err)
		return
	}
	os.Remove(a.flock.Path())
}

// startDetector must be called with mu held.
func (a *Agent) startDetector(f config.FolderConfig) error {
	det := watcher.New(f.LocalPath,
		watcher.WithQuietPeriod(a.cfg.QuietPeriod.Std()),
		watcher.WithBroadcaster(a.broadcaster),
	)
	if err := det.Start(a.egCtx); err != nil {
		_ = a.cfg.SetFolderStatus(f.ID, config.StatusError, err)
		return fmt.Errorf("watch %s: %w", f.DisplayName, err)
	}
	a.detectors[f.ID] = det

	ctx := a.egCtx
	a.eg.Go(func() error {
		a.watchFolder(ctx, f.ID, det)
		return nil
	})
	return nil
}

func (a *Agent) stopDetectors() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, det := range a.detectors {
		det.Stop()
		delete(a.detectors, id)
	}
}

// watchFolder runs a pass every time the folder's detector settles.
func (a *Agent) watchFolder(ctx context.Context, id string, det *watcher.ChangeDetector) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-det.Signals():
			if !ok {
				return
			}
			f, found := a.config().Lookup(id)
			if !found || !f.Enabled {
				continue
			}
			if _, err := a.syncFolder(ctx, f, nil); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("agent watch sync", "folder", f.DisplayName, "error", err)
			}
		}
	}
}

// runTimer syncs every enabled folder once, then again every sync interval.
// A timer and not a ticker, so a slow pass never queues ticks behind it.
func (a *Agent) runTimer(ctx context.Context) {
	a.syncAll(ctx)

	interval := a.config().SyncInterval.Std()
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			a.syncAll(ctx)
			timer.Reset(interval)
		}
	}
}

func (a *Agent) syncAll(ctx context.Context) {
	for _, f := range a.config().EnabledFolders() {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.syncFolder(ctx, f, nil); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("agent sync", "folder", f.DisplayName, "error", err)
		}
	}
}

// syncFolder runs one engine pass for f and tracks its status in the config.
// Only the folder status is written back to the config file.
func (a *Agent) syncFolder(ctx context.Context, f config.FolderConfig, progress func(engine.Progress)) (int, error) {
	a.setStatus(f.ID, config.StatusSyncing, nil)

	var opts []engine.SyncOption
	if f.Remote != nil {
		opts = append(opts, engine.WithRemoteFolder(f.Remote.ID, f.Remote.Name))
	}

	var drained chan struct{}
	if progress != nil {
		ch := make(chan engine.Progress, 1)
		drained = make(chan struct{})
		go func() {
			defer close(drained)
			for p := range ch {
				progress(p)
			}
		}()
		opts = append(opts, engine.WithProgress(ch))
	}

	res := <-a.engine.Go(ctx, f.LocalPath, opts...)
	if drained != nil {
		<-drained
	}

	if res.Err != nil {
		a.setStatus(f.ID, config.StatusError, res.Err)
	} else {
		a.setStatus(f.ID, config.StatusIdle, nil)
	}
	a.saveConfig()
	return res.Count, res.Err
}

// monitorEvents logs broadcaster events and marks folders with unsynced
// local changes as pending.
func (a *Agent) monitorEvents(ctx context.Context, sub <-chan events.Event) {
	defer a.broadcaster.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.FileChanged:
				slog.Debug("agent event", "kind", ev.Kind, "path", ev.Path)
				if f, found := a.config().Lookup(ev.Folder); found && f.Status != config.StatusSyncing {
					a.setStatus(f.ID, config.StatusPending, nil)
				}
			case events.SyncFinished:
				slog.Debug("agent event", "kind", ev.Kind, "folder", ev.Folder, "uploaded", ev.Uploaded, "total", ev.Total, "error", ev.Err)
			default:
				slog.Debug("agent event", "kind", ev.Kind, "folder", ev.Folder, "uploaded", ev.Uploaded, "total", ev.Total)
			}
		}
	}
}

func (a *Agent) selectFolders(refs []string) ([]config.FolderConfig, error) {
	cfg := a.config()
	if len(refs) == 0 {
		return cfg.EnabledFolders(), nil
	}

	folders := make([]config.FolderConfig, 0, len(refs))
	for _, ref := range refs {
		f, ok := cfg.Lookup(ref)
		if !ok {
			return nil, fmt.Errorf("%w: %s", config.ErrFolderNotFound, ref)
		}
		folders = append(folders, f)
	}
	return folders, nil
}

func (a *Agent) setStatus(id string, status config.FolderStatus, err error) {
	if serr := a.config().SetFolderStatus(id, status, err); serr != nil {
		slog.Debug("agent folder status", "id", id, "error", serr)
	}
}

func (a *Agent) saveConfig() {
	cfg := a.config()
	if cfg.Path == "" {
		return
	}
	if err := cfg.SaveStatus(); err != nil {
		slog.Warn("agent save folder status", "error", err)
	}
}

func (a *Agent) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}
