// Package watcher turns filesystem events in a folder into debounced
// "run a sync now" signals.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultQuietPeriod = 5 * time.Second
	eventBufferSize    = 64
	signalBufferSize   = 16
)

var (
	ErrDirNotExist    = errors.New("directory to watch does not exist")
	ErrAlreadyStarted = errors.New("change detector already started")
)

type Option func(*ChangeDetector)

// WithQuietPeriod sets how long the folder must stay quiet before a signal fires.
func WithQuietPeriod(d time.Duration) Option {
	return func(cd *ChangeDetector) {
		if d > 0 {
			cd.quietPeriod = d
		}
	}
}

// WithBroadcaster publishes a FileChanged event for every qualifying event.
func WithBroadcaster(b *events.Broadcaster) Option {
	return func(cd *ChangeDetector) {
		cd.broadcaster = b
	}
}

// ChangeDetector watches the immediate contents of one directory.
// It is Idle until a qualifying event arms the quiet-period timer (Pending);
// every further event re-arms it, and only a timer that runs out emits a signal.
type ChangeDetector struct {
	dir         string
	quietPeriod time.Duration
	broadcaster *events.Broadcaster

	rawEvents chan notify.EventInfo
	signals   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
	stopped   bool

	// timer state, guarded by timerMu. generation invalidates timers that
	// were stopped too late to prevent their callback.
	timer      *time.Timer
	generation uint64
	timerMu    sync.Mutex
}

func New(dir string, opts ...Option) *ChangeDetector {
	cd := &ChangeDetector{
		dir:         dir,
		quietPeriod: DefaultQuietPeriod,
		signals:     make(chan struct{}, signalBufferSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cd)
	}
	return cd
}

func (cd *ChangeDetector) Dir() string {
	return cd.dir
}

// Signals emits one value per elapsed quiet period. Closed by Stop.
func (cd *ChangeDetector) Signals() <-chan struct{} {
	return cd.signals
}

// Pending reports whether a quiet-period timer is armed.
func (cd *ChangeDetector) Pending() bool {
	cd.timerMu.Lock()
	defer cd.timerMu.Unlock()
	return cd.timer != nil
}

// Start fails fast when the directory is missing.
func (cd *ChangeDetector) Start(ctx context.Context) error {
	cd.timerMu.Lock()
	defer cd.timerMu.Unlock()

	if cd.started {
		return ErrAlreadyStarted
	}
	if !utils.DirExists(cd.dir) {
		return fmt.Errorf("%w: %s", ErrDirNotExist, cd.dir)
	}

	cd.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(cd.dir, cd.rawEvents, notify.Create, notify.Write, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", cd.dir, err)
	}
	cd.started = true

	slog.Info("change detector start", "dir", cd.dir, "quiet", cd.quietPeriod)

	cd.wg.Add(1)
	go cd.loop(ctx)
	return nil
}

// Stop cancels a pending timer and closes Signals. Safe to call more than once.
func (cd *ChangeDetector) Stop() {
	cd.timerMu.Lock()
	if cd.stopped {
		cd.timerMu.Unlock()
		return
	}
	cd.stopped = true
	close(cd.done)
	cd.cancelTimer()
	cd.timerMu.Unlock()

	if cd.rawEvents != nil {
		notify.Stop(cd.rawEvents)
	}
	cd.wg.Wait()

	cd.timerMu.Lock()
	close(cd.signals)
	cd.timerMu.Unlock()

	slog.Info("change detector stopped", "dir", cd.dir)
}

func (cd *ChangeDetector) loop(ctx context.Context) {
	defer cd.wg.Done()

	for {
		select {
		case <-ctx.Done():
			cd.timerMu.Lock()
			cd.cancelTimer()
			cd.timerMu.Unlock()
			return
		case <-cd.done:
			return
		case ev := <-cd.rawEvents:
			cd.handleEvent(ev.Event(), ev.Path())
		}
	}
}

// handleEvent filters one raw event and re-arms the timer when it qualifies.
func (cd *ChangeDetector) handleEvent(op notify.Event, path string) {
	if utils.IsHidden(path) {
		return
	}

	info, err := os.Stat(path)
	if op == notify.Rename && err != nil {
		// renamed away from the folder
		return
	}
	if err == nil && info.IsDir() {
		return
	}

	slog.Debug("change detector", "event", op, "path", path)
	if cd.broadcaster != nil {
		cd.broadcaster.Publish(events.Event{Kind: events.FileChanged, Folder: cd.dir, Path: path})
	}
	cd.arm()
}

func (cd *ChangeDetector) arm() {
	cd.timerMu.Lock()
	defer cd.timerMu.Unlock()

	if cd.stopped {
		return
	}
	cd.cancelTimer()

	gen := cd.generation
	cd.timer = time.AfterFunc(cd.quietPeriod, func() {
		cd.fire(gen)
	})
}

// cancelTimer must be called with timerMu held.
func (cd *ChangeDetector) cancelTimer() {
	if cd.timer != nil {
		cd.timer.Stop()
		cd.timer = nil
	}
	cd.generation++
}

func (cd *ChangeDetector) fire(gen uint64) {
	cd.timerMu.Lock()
	defer cd.timerMu.Unlock()

	if cd.stopped || gen != cd.generation {
		return
	}
	cd.timer = nil
	cd.generation++

	select {
	case cd.signals <- struct{}{}:
		slog.Debug("change detector fired", "dir", cd.dir)
	default:
		slog.Warn("change detector dropped signal", "reason", "channel full", "dir", cd.dir)
	}
}
