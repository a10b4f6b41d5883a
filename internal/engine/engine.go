// Package engine runs sync passes: it lists the files the ledger does not
// cover, uploads each one to the remote store and records the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/remote"
	"github.com/openmined/foldersync/internal/utils"
)

type Engine struct {
	ledger        Ledger
	store         remote.Store
	identity      remote.Identity
	broadcaster   *events.Broadcaster
	defaultFolder string
	now           func() time.Time
	muSync        sync.Mutex // one pass at a time
	muFolder      sync.Mutex // default folder lookup and creation
}

func New(l Ledger, store remote.Store, identity remote.Identity, opts ...Option) *Engine {
	e := &Engine{
		ledger:        l,
		store:         store,
		identity:      identity,
		defaultFolder: DefaultRemoteFolderName,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PerformSync uploads every file in folderPath that the ledger does not cover
// and returns how many were recorded. Callers block until any running pass
// completes, then run a fresh one.
//
// Per-file upload failures are logged and skipped. Aborts return SyncFailed
// with an error: no folder, no signed in user, no remote destination, or a
// ledger failure.
func (e *Engine) PerformSync(ctx context.Context, folderPath string, opts ...SyncOption) (count int, err error) {
	o := &syncOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.progress != nil {
		defer close(o.progress)
	}

	e.muSync.Lock()
	defer e.muSync.Unlock()

	total := 0
	tStart := time.Now()
	e.publish(events.Event{Kind: events.SyncStarted, Folder: folderPath})
	defer func() {
		e.publish(events.Event{Kind: events.SyncFinished, Folder: folderPath, Uploaded: max(count, 0), Total: total, Err: err})
		if err != nil {
			slog.Error("sync pass", "folder", folderPath, "uploaded", max(count, 0), "total", total, "error", err)
		} else if total > 0 {
			slog.Info("sync pass", "folder", folderPath, "uploaded", count, "total", total, "took", time.Since(tStart))
		}
	}()

	if folderPath == "" || !utils.DirExists(folderPath) {
		return SyncFailed, fmt.Errorf("%w: %q", ErrFolderMissing, folderPath)
	}

	user, err := e.identity.CurrentUser(ctx)
	if err != nil {
		return SyncFailed, fmt.Errorf("%w: %w", ErrNoIdentity, err)
	} else if user == nil {
		return SyncFailed, ErrNoIdentity
	}

	dest, err := e.resolveDestination(ctx, o)
	if err != nil {
		return SyncFailed, err
	}

	files, err := e.ledger.ListUnsynced(folderPath)
	if err != nil {
		return SyncFailed, fmt.Errorf("list unsynced: %w", err)
	}
	total = len(files)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		remoteID, err := e.uploadFile(ctx, dest, file)
		if err != nil {
			slog.Warn("sync upload failed", "path", file.Path, "error", err)
			continue
		}

		err = e.ledger.MarkSynced(file.Path, dest.id, remoteID)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("sync file vanished", "path", file.Path)
			continue
		} else if err != nil {
			return SyncFailed, fmt.Errorf("mark synced %s: %w", file.Path, err)
		}

		if changed, err := e.changedDuringUpload(file); err != nil {
			return SyncFailed, fmt.Errorf("verify %s: %w", file.Path, err)
		} else if changed {
			slog.Warn("sync file changed during upload", "path", file.Path)
			continue
		}

		count++
		slog.Debug("sync file", "path", file.Path, "remote", remoteID, "uploaded", count, "total", total)
		e.reportProgress(ctx, o, folderPath, Progress{Path: file.Path, Uploaded: count, Total: total})
	}

	if err := e.setLastSyncTime(); err != nil {
		return SyncFailed, err
	}

	return count, nil
}

// Go runs PerformSync on its own goroutine. The returned channel receives
// exactly one Result.
func (e *Engine) Go(ctx context.Context, folderPath string, opts ...SyncOption) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		count, err := e.PerformSync(ctx, folderPath, opts...)
		ch <- Result{Folder: folderPath, Count: count, Err: err}
		close(ch)
	}()
	return ch
}

// LastSyncTime returns the end of the last completed pass, or the zero time.
func (e *Engine) LastSyncTime() (time.Time, error) {
	return LastSyncTime(e.ledger)
}

// LastSyncTime reads the last pass time from any ledger, for readers that
// do not run passes themselves.
func LastSyncTime(l Ledger) (time.Time, error) {
	value, ok, err := l.GetMetadata(ledger.KeyLastSyncTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(lastSyncLayout, value)
}

// changedDuringUpload reports whether the record just written for file no
// longer matches the listed version. Such a record is dropped so the next
// pass uploads the file again.
func (e *Engine) changedDuringUpload(file ledger.File) (bool, error) {
	rec, err := e.ledger.Get(file.Path)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.FileSizeBytes == uint64(file.Size) && rec.LastModifiedAt.UnixMilli() == file.ModTime.UnixMilli() {
		return false, nil
	}
	return true, e.ledger.RemoveFromCache(file.Path)
}

// uploadFile reuses a remote object with the same name and size, otherwise uploads.
func (e *Engine) uploadFile(ctx context.Context, dest destination, file ledger.File) (string, error) {
	existing, err := e.store.FindByName(ctx, dest.id, file.Name)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", file.Name, err)
	}
	if existing != nil && existing.Size == file.Size {
		slog.Debug("sync reuse remote", "path", file.Path, "remote", existing.ID)
		return existing.ID, nil
	}

	remoteID, err := e.store.Upload(ctx, dest.id, file.Path)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file.Name, err)
	}
	return remoteID, nil
}

// resolveDestination picks the bound folder, else the remembered default
// folder, else finds or creates the default folder and remembers it.
func (e *Engine) resolveDestination(ctx context.Context, o *syncOptions) (destination, error) {
	if o.remoteID != "" {
		return destination{id: o.remoteID, name: o.remoteName}, nil
	}

	e.muFolder.Lock()
	defer e.muFolder.Unlock()

	id, ok, err := e.ledger.GetMetadata(ledger.KeyRemoteFolderID)
	if err != nil {
		return destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
	}
	if ok && id != "" {
		name, _, err := e.ledger.GetMetadata(ledger.KeyRemoteFolderName)
		if err != nil {
			return destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
		}
		return destination{id: id, name: name}, nil
	}

	dest, err := e.findOrCreateDefault(ctx)
	if err != nil {
		return destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
	}

	if err := e.ledger.SetMetadata(ledger.KeyRemoteFolderID, dest.id); err != nil {
		return destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
	}
	if err := e.ledger.SetMetadata(ledger.KeyRemoteFolderName, dest.name); err != nil {
		return destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
	}
	return dest, nil
}

func (e *Engine) findOrCreateDefault(ctx context.Context) (destination, error) {
	folders, err := e.store.ListFolders(ctx, "")
	if err != nil {
		return destination{}, err
	}
	for _, f := range folders {
		if f.Name == e.defaultFolder {
			return destination{id: f.ID, name: f.Name}, nil
		}
	}

	id, err := e.store.CreateFolder(ctx, e.defaultFolder, "")
	if err != nil {
		return destination{}, err
	}
	slog.Info("sync created remote folder", "name", e.defaultFolder, "id", id)
	return destination{id: id, name: e.defaultFolder}, nil
}

func (e *Engine) setLastSyncTime() error {
	now := e.now().UTC().Format(lastSyncLayout)
	if err := e.ledger.SetMetadata(ledger.KeyLastSyncTime, now); err != nil {
		return fmt.Errorf("set last sync time: %w", err)
	}
	return nil
}

func (e *Engine) reportProgress(ctx context.Context, o *syncOptions, folder string, p Progress) {
	e.publish(events.Event{Kind: events.SyncProgress, Folder: folder, Path: p.Path, Uploaded: p.Uploaded, Total: p.Total})
	if o.progress == nil {
		return
	}
	select {
	case o.progress <- p:
	case <-ctx.Done():
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.broadcaster != nil {
		e.broadcaster.Publish(ev)
	}
}
