package engine

import (
	"errors"

	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/ledger"
)

// SyncFailed is the count returned by a pass that aborted.
const SyncFailed = -1

// DefaultRemoteFolderName is the remote folder created when no binding exists.
const DefaultRemoteFolderName = "FolderSync"

// lastSyncLayout is RFC3339 with millisecond precision.
const lastSyncLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrFolderMissing = errors.New("sync folder missing")
	ErrNoIdentity    = errors.New("no signed in user")
	ErrNoDestination = errors.New("remote destination unavailable")
)

// Ledger is the part of *ledger.Ledger the engine needs.
type Ledger interface {
	ListUnsynced(dir string) ([]ledger.File, error)
	MarkSynced(path, targetFolder, remoteID string) error
	Get(path string) (*ledger.SyncedFileRecord, error)
	RemoveFromCache(path string) error
	GetMetadata(key string) (string, bool, error)
	SetMetadata(key, value string) error
}

// Progress is sent after every file the pass records as synced.
type Progress struct {
	Path     string
	Uploaded int
	Total    int
}

// Result is the outcome of a pass started with Go.
type Result struct {
	Folder string
	Count  int
	Err    error
}

type Option func(*Engine)

func WithBroadcaster(b *events.Broadcaster) Option {
	return func(e *Engine) {
		e.broadcaster = b
	}
}

// WithDefaultFolderName sets the remote folder used when a sync folder has no binding.
func WithDefaultFolderName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.defaultFolder = name
		}
	}
}

type SyncOption func(*syncOptions)

type syncOptions struct {
	remoteID   string
	remoteName string
	progress   chan<- Progress
}

// WithRemoteFolder uploads into a bound remote folder instead of the default one.
func WithRemoteFolder(id, name string) SyncOption {
	return func(o *syncOptions) {
		o.remoteID = id
		o.remoteName = name
	}
}

// WithProgress streams per-file progress. The engine closes ch when the pass returns.
func WithProgress(ch chan<- Progress) SyncOption {
	return func(o *syncOptions) {
		o.progress = ch
	}
}

type destination struct {
	id   string
	name string
}
